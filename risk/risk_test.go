package risk_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/risk"
	"github.com/hivegrid/hivegrid/store"
)

type fakeCanceller struct {
	lk        sync.Mutex
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(ctx context.Context, jobID string) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.err
}

func (f *fakeCanceller) jobs() []string {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]string(nil), f.cancelled...)
}

func testConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	return cfg
}

func seedPool(t *testing.T, st *store.Memstore, owner string, n, lowHealth int) {
	t.Helper()
	for i := 0; i < n; i++ {
		health := 90
		if i < lowHealth {
			health = 20
		}
		acc := &models.Account{
			Owner:       owner,
			Username:    fmt.Sprintf("%s-%s-%d", t.Name(), owner, i),
			State:       models.AccountStateActive,
			HealthScore: health,
			Available:   true,
		}
		require.NoError(t, st.SaveAccount(context.Background(), acc))
	}
}

func TestValidateBlocksCorrelatedContent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()
	mgr := risk.NewManager(st, nil, testConfig(), nil)

	now := time.Now()
	require.NoError(t, st.CreateSlots(ctx, []models.ScheduledSlot{
		{DistributionID: "d1", AccountID: 1, ContentFingerprint: "fp-1", ScheduledAt: now.Add(time.Minute), Status: models.SlotPending},
		{DistributionID: "d1", AccountID: 2, ContentFingerprint: "fp-1", ScheduledAt: now.Add(2 * time.Minute), Status: models.SlotPending},
	}))

	a, err := mgr.ValidateDistribution(ctx, "owner-1", 5, "fp-1")
	require.NoError(t, err)
	assert.True(a.Blocked)
	assert.Equal(models.RiskCritical, a.Level)
	assert.NotEmpty(a.Reasons)

	// a different fingerprint passes
	a, err = mgr.ValidateDistribution(ctx, "owner-1", 5, "fp-2")
	require.NoError(t, err)
	assert.False(a.Blocked)
	assert.Equal(models.RiskNone, a.Level)
}

func TestValidateHourlyCeiling(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()

	cfg := testConfig()
	cfg.HourlyActionCeiling = 3
	mgr := risk.NewManager(st, nil, cfg, nil)

	now := time.Now()
	var slots []models.ScheduledSlot
	for i := 0; i < 3; i++ {
		slots = append(slots, models.ScheduledSlot{
			DistributionID:     "d1",
			AccountID:          uint(i + 1),
			ContentFingerprint: fmt.Sprintf("other-%d", i),
			ScheduledAt:        now.Truncate(time.Hour).Add(time.Duration(i+1) * time.Minute),
			Status:             models.SlotPending,
		})
	}
	require.NoError(t, st.CreateSlots(ctx, slots))

	a, err := mgr.ValidateDistribution(ctx, "owner-1", 2, "fp-x")
	require.NoError(t, err)
	assert.True(a.Blocked)
}

func TestValidateLowHealthRaisesLevelWithoutBlocking(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()
	mgr := risk.NewManager(st, nil, testConfig(), nil)

	// half the pool below the health threshold
	seedPool(t, st, "owner-1", 10, 5)

	a, err := mgr.ValidateDistribution(ctx, "owner-1", 3, "fp-y")
	require.NoError(t, err)
	assert.False(a.Blocked)
	assert.Equal(models.RiskElevated, a.Level)
	assert.NotEmpty(a.Reasons)
}

func TestDetectAnomalies(t *testing.T) {
	assert := assert.New(t)
	st := store.NewMemstore()

	cfg := testConfig()
	cfg.FailureBudget = 3
	mgr := risk.NewManager(st, nil, cfg, nil)

	// under budget: quiet
	alerts := mgr.DetectAnomalies("d1", risk.Metrics{Failed: 2, InFlight: 10})
	assert.Empty(alerts)

	// budget exceeded: elevated alert
	alerts = mgr.DetectAnomalies("d1", risk.Metrics{Failed: 5, InFlight: 10})
	require.Len(t, alerts, 1)
	assert.Equal(models.RiskElevated, alerts[0].Level)

	// second rate-limited account within the window trips the budget
	alerts = mgr.DetectAnomalies("d1", risk.Metrics{RateLimited: 2, InFlight: 10})
	require.Len(t, alerts, 1)
	assert.Equal(models.RiskElevated, alerts[0].Level)

	// majority of in-flight accounts rate-limited: critical
	alerts = mgr.DetectAnomalies("d1", risk.Metrics{RateLimited: 3, InFlight: 4})
	var critical bool
	for _, a := range alerts {
		if a.Level == models.RiskCritical {
			critical = true
		}
	}
	assert.True(critical)
}

func TestEmergencyHalt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()
	disp := &fakeCanceller{}
	mgr := risk.NewManager(st, disp, testConfig(), nil)

	require.NoError(t, st.CreateDistribution(ctx, &models.Distribution{
		ID: "d1", Owner: "owner-1", Status: models.DistributionDispatching,
	}))
	require.NoError(t, st.CreateSlots(ctx, []models.ScheduledSlot{
		{DistributionID: "d1", AccountID: 1, ScheduledAt: time.Now(), Status: models.SlotDispatched, JobID: "job-1"},
		{DistributionID: "d1", AccountID: 2, ScheduledAt: time.Now(), Status: models.SlotPending},
	}))
	require.NoError(t, st.RecordResult(ctx, &models.ExecutionResult{
		DistributionID: "d1", AccountID: 1, Status: models.ResultQueued,
	}))

	require.NoError(t, mgr.EmergencyHalt(ctx, "d1", "test halt"))

	d, err := st.GetDistribution(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(models.DistributionCancelled, d.Status)
	assert.Equal("test halt", d.CancelReason)
	assert.Equal([]string{"job-1"}, disp.jobs())

	open, err := st.OpenSlots(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(open)

	counts, err := st.CountResultsByStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(1, counts[models.ResultCancelled])

	// idempotent on terminal distributions
	require.NoError(t, mgr.EmergencyHalt(ctx, "d1", "again"))
	d, _ = st.GetDistribution(ctx, "d1")
	assert.Equal("test halt", d.CancelReason)

	assert.ErrorIs(mgr.EmergencyHalt(ctx, "nope", "x"), store.ErrNotFound)
}

func TestMonitorFinalizesAndStops(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()
	mgr := risk.NewManager(st, nil, testConfig(), nil)

	require.NoError(t, st.CreateDistribution(ctx, &models.Distribution{
		ID: "d1", Owner: "owner-1", Status: models.DistributionDispatching,
	}))
	require.NoError(t, st.RecordResult(ctx, &models.ExecutionResult{DistributionID: "d1", AccountID: 1, Status: models.ResultQueued}))
	require.NoError(t, st.RecordResult(ctx, &models.ExecutionResult{DistributionID: "d1", AccountID: 2, Status: models.ResultFailed, Error: "no variation"}))

	done := make(chan struct{})
	go func() {
		mgr.Monitor(ctx, "d1")
		close(done)
	}()

	// resolve the outstanding hand-off; the monitor should settle the status
	// and stop on its own
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, st.ResolveResult(ctx, "d1", 1, models.ResultSucceeded, ""))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after the distribution settled")
	}

	d, err := st.GetDistribution(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(models.DistributionPartiallyFailed, d.Status)
}

// flakyStore fails the first few distribution reads, then recovers.
type flakyStore struct {
	*store.Memstore
	lk    sync.Mutex
	fails int
}

func (f *flakyStore) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, fmt.Errorf("store briefly unavailable")
	}
	return f.Memstore.GetDistribution(ctx, id)
}

func TestMonitorSurvivesTransientStoreErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mem := store.NewMemstore()
	st := &flakyStore{Memstore: mem, fails: 2}
	mgr := risk.NewManager(st, nil, testConfig(), nil)

	require.NoError(t, mem.CreateDistribution(ctx, &models.Distribution{
		ID: "d1", Owner: "owner-1", Status: models.DistributionDispatching,
	}))
	require.NoError(t, mem.RecordResult(ctx, &models.ExecutionResult{DistributionID: "d1", AccountID: 1, Status: models.ResultSucceeded}))

	done := make(chan struct{})
	go func() {
		mgr.Monitor(ctx, "d1")
		close(done)
	}()

	// the two failed samples must be ridden out and the distribution
	// finalized, not abandoned mid-flight
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not settle after transient store errors")
	}

	d, err := mem.GetDistribution(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(models.DistributionCompleted, d.Status)
}

func TestMonitorAutoHaltsOnCriticalPattern(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()
	disp := &fakeCanceller{}
	mgr := risk.NewManager(st, disp, testConfig(), nil)

	require.NoError(t, st.CreateDistribution(ctx, &models.Distribution{
		ID: "d1", Owner: "owner-1", Status: models.DistributionDispatching,
	}))
	for i := uint(1); i <= 4; i++ {
		require.NoError(t, st.RecordResult(ctx, &models.ExecutionResult{DistributionID: "d1", AccountID: i, Status: models.ResultQueued}))
	}

	// 3 of 4 in-flight accounts rate-limited: the hard-coded critical pattern
	mgr.NoteRateLimited("d1", 1)
	mgr.NoteRateLimited("d1", 2)
	mgr.NoteRateLimited("d1", 3)

	done := make(chan struct{})
	go func() {
		mgr.Monitor(ctx, "d1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not halt on critical anomaly")
	}

	d, err := st.GetDistribution(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(models.DistributionCancelled, d.Status)
}

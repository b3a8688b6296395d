package warmup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/store"
	"github.com/hivegrid/hivegrid/warmup"
)

func newAccount(t *testing.T, st *store.Memstore, state models.AccountState) uint {
	t.Helper()
	acc := &models.Account{
		Owner:       "owner-1",
		Username:    "acct-" + t.Name() + "-" + string(state) + "-" + time.Now().Format("150405.000000000"),
		State:       state,
		HealthScore: 90,
		Available:   true,
	}
	require.NoError(t, st.SaveAccount(context.Background(), acc))
	return acc.ID
}

func completeTask(t *testing.T, eng *warmup.Engine, task models.WarmupTask) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.MarkTask(ctx, task.ID, models.TaskInProgress, 0))
	require.NoError(t, eng.MarkTask(ctx, task.ID, models.TaskCompleted, task.TargetCount))
}

func TestStartWarmup(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)

	require.NoError(t, eng.StartWarmup(ctx, id))

	acc, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.AccountStateWarmingUp, acc.State)

	_, tasks, err := st.GetPlan(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(tasks)

	days := map[int]bool{}
	for _, task := range tasks {
		days[task.Day] = true
		assert.Equal(models.TaskPending, task.Status)
	}
	assert.Len(days, models.WarmupPlanDays)

	// posting appears only at the end of the ladder
	for _, task := range tasks {
		if task.TaskType == models.ActionPost {
			assert.GreaterOrEqual(task.Day, 13)
		}
	}
}

func TestStartWarmupTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)

	require.NoError(t, eng.StartWarmup(ctx, id))
	_, tasks, err := st.GetPlan(ctx, id)
	require.NoError(t, err)
	before := len(tasks)

	assert.ErrorIs(t, eng.StartWarmup(ctx, id), store.ErrPlanExists)

	// no duplicate plan rows
	_, tasks, err = st.GetPlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, len(tasks))
}

func TestStartWarmupMissingAccount(t *testing.T) {
	eng := warmup.NewEngine(store.NewMemstore(), nil)
	err := eng.StartWarmup(context.Background(), 12345)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// planFailStore injects a plan-write failure on top of a working Memstore.
type planFailStore struct {
	*store.Memstore
	fail bool
}

func (s *planFailStore) CreatePlan(ctx context.Context, plan *models.WarmupPlan, tasks []models.WarmupTask) error {
	if s.fail {
		return assert.AnError
	}
	return s.Memstore.CreatePlan(ctx, plan, tasks)
}

// stateFailStore injects a one-shot transition failure.
type stateFailStore struct {
	*store.Memstore
	failures int
}

func (s *stateFailStore) UpdateAccountState(ctx context.Context, accountID uint, state models.AccountState) error {
	if s.failures > 0 {
		s.failures--
		return assert.AnError
	}
	return s.Memstore.UpdateAccountState(ctx, accountID, state)
}

func TestStartWarmupPlanFailureLeavesAccountRetryable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := store.NewMemstore()
	st := &planFailStore{Memstore: mem, fail: true}
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, mem, models.AccountStateNew)

	require.Error(t, eng.StartWarmup(ctx, id))

	// nothing committed: the account is untouched and has no plan
	acc, err := mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.AccountStateNew, acc.State)
	_, _, err = mem.GetPlan(ctx, id)
	assert.ErrorIs(err, store.ErrNotFound)

	// the retry goes through once the store recovers
	st.fail = false
	require.NoError(t, eng.StartWarmup(ctx, id))
	acc, err = mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.AccountStateWarmingUp, acc.State)
}

func TestStartWarmupTransitionFailureCompletesOnRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := store.NewMemstore()
	st := &stateFailStore{Memstore: mem, failures: 1}
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, mem, models.AccountStateNew)

	// plan lands, transition fails
	require.Error(t, eng.StartWarmup(ctx, id))
	_, tasks, err := mem.GetPlan(ctx, id)
	require.NoError(t, err)
	before := len(tasks)

	// the retry finishes the transition without duplicating the plan
	require.NoError(t, eng.StartWarmup(ctx, id))
	acc, err := mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.AccountStateWarmingUp, acc.State)

	_, tasks, err = mem.GetPlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(before, len(tasks))
}

func TestGetProgressFresh(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)
	require.NoError(t, eng.StartWarmup(ctx, id))

	p, err := eng.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(1, p.Day)
	assert.Equal(0.0, p.PercentComplete)
	assert.False(p.Completed)
	assert.NotNil(p.NextTaskAt)
}

func TestGetProgressAdvancesByTaskDay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)
	require.NoError(t, eng.StartWarmup(ctx, id))

	_, tasks, err := st.GetPlan(ctx, id)
	require.NoError(t, err)

	// complete everything through day 3
	for _, task := range tasks {
		if task.Day <= 3 {
			completeTask(t, eng, task)
		}
	}

	p, err := eng.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(3, p.Day)
	assert.Greater(p.PercentComplete, 0.0)
	assert.False(p.Completed)

	// completing every task flips the completion flag
	for _, task := range tasks {
		if task.Day > 3 {
			completeTask(t, eng, task)
		}
	}
	p, err = eng.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.WarmupPlanDays, p.Day)
	assert.Equal(100.0, p.PercentComplete)
	assert.True(p.Completed)
	assert.Nil(p.NextTaskAt)
}

func TestPauseResume(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)
	require.NoError(t, eng.StartWarmup(ctx, id))

	// resume before pause is a state conflict
	assert.ErrorIs(eng.ResumeWarmup(ctx, id), store.ErrStateConflict)

	require.NoError(t, eng.PauseWarmup(ctx, id))
	acc, _ := st.GetAccount(ctx, id)
	assert.Equal(models.AccountStatePaused, acc.State)

	// double pause is a state conflict
	assert.ErrorIs(eng.PauseWarmup(ctx, id), store.ErrStateConflict)

	require.NoError(t, eng.ResumeWarmup(ctx, id))
	acc, _ = st.GetAccount(ctx, id)
	assert.Equal(models.AccountStateWarmingUp, acc.State)
}

func TestSkipToActive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)
	require.NoError(t, eng.StartWarmup(ctx, id))

	// requires explicit confirmation
	assert.ErrorIs(eng.SkipToActive(ctx, id, false), warmup.ErrConfirmationRequired)

	// complete one task; it must survive the skip
	_, tasks, err := st.GetPlan(ctx, id)
	require.NoError(t, err)
	completeTask(t, eng, tasks[0])

	require.NoError(t, eng.SkipToActive(ctx, id, true))
	acc, _ := st.GetAccount(ctx, id)
	assert.Equal(models.AccountStateActive, acc.State)

	_, remaining, err := st.GetPlan(ctx, id)
	require.NoError(t, err)
	for _, task := range remaining {
		assert.Equal(models.TaskCompleted, task.Status)
	}

	// skipping an already-active account is a state conflict
	assert.ErrorIs(eng.SkipToActive(ctx, id, true), store.ErrStateConflict)
}

func TestMarkTaskEnforcesTransitionOrder(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemstore()
	eng := warmup.NewEngine(st, nil)
	id := newAccount(t, st, models.AccountStateNew)
	require.NoError(t, eng.StartWarmup(ctx, id))

	_, tasks, err := st.GetPlan(ctx, id)
	require.NoError(t, err)
	task := tasks[0]

	// a pending task cannot jump straight to a terminal status
	assert.ErrorIs(eng.MarkTask(ctx, task.ID, models.TaskCompleted, task.TargetCount), store.ErrStateConflict)
	assert.ErrorIs(eng.MarkTask(ctx, task.ID, models.TaskFailed, 0), store.ErrStateConflict)

	require.NoError(t, eng.MarkTask(ctx, task.ID, models.TaskInProgress, 0))
	require.NoError(t, eng.MarkTask(ctx, task.ID, models.TaskCompleted, task.TargetCount))

	// settled tasks stay settled: no reopening, no flipping the outcome
	assert.ErrorIs(eng.MarkTask(ctx, task.ID, models.TaskInProgress, 0), store.ErrStateConflict)
	assert.ErrorIs(eng.MarkTask(ctx, task.ID, models.TaskFailed, 0), store.ErrStateConflict)

	_, tasks, err = st.GetPlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(models.TaskCompleted, tasks[0].Status)
	assert.Equal(task.TargetCount, tasks[0].Completed)
}

func TestBannedIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemstore()
	id := newAccount(t, st, models.AccountStateWarmingUp)

	require.NoError(t, st.UpdateAccountState(ctx, id, models.AccountStateBanned))
	err := st.UpdateAccountState(ctx, id, models.AccountStateActive)
	assert.ErrorIs(t, err, store.ErrStateConflict)
}

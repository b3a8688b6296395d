// Package risk guards distributions before and during execution: pre-flight
// validation against correlation and concurrency ceilings, trailing-window
// anomaly detection while a distribution runs, and the emergency halt path.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/store"
)

// JobCanceller is the slice of the execution dispatcher the halt path needs.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}

type Config struct {
	// AntiCorrelationWindow is the minimum separation between two accounts
	// publishing matching content.
	AntiCorrelationWindow time.Duration
	// HourlyActionCeiling caps actions transitioning across the whole swarm
	// in any hour.
	HourlyActionCeiling int64
	// Candidate pools with more than LowHealthFraction of accounts under
	// LowHealthThreshold raise the risk level without blocking.
	LowHealthThreshold int
	LowHealthFraction  float64

	// Anomaly budgets over trailing windows.
	FailureBudget       int64
	FailureWindow       time.Duration
	RateLimitBudget     int64
	RateLimitWindow     time.Duration
	CriticalRateLimited float64 // fraction of in-flight accounts; exceeding it halts automatically

	MonitorInterval time.Duration
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		AntiCorrelationWindow: 5 * time.Minute,
		HourlyActionCeiling:   500,
		LowHealthThreshold:    50,
		LowHealthFraction:     0.3,
		FailureBudget:         10,
		FailureWindow:         10 * time.Minute,
		RateLimitBudget:       1,
		RateLimitWindow:       10 * time.Minute,
		CriticalRateLimited:   0.5,
		MonitorInterval:       30 * time.Second,
		Now:                   time.Now,
	}
}

type Assessment struct {
	Blocked bool
	Level   models.RiskLevel
	Reasons []string
}

type Alert struct {
	DistributionID string
	Level          models.RiskLevel
	Reason         string
}

type Manager struct {
	store      store.Store
	dispatcher JobCanceller
	cfg        Config
	logger     *slog.Logger

	// AlertFunc receives non-critical anomaly alerts; these require an
	// explicit halt decision from the operator. Critical alerts halt
	// automatically before this is called.
	AlertFunc func(Alert)

	failureBudget   *slidingwindow.Limiter
	rateLimitBudget *slidingwindow.Limiter

	// per-distribution accounts that reported rate-limit hits, drained by
	// the monitor each sample
	rlLk   sync.Mutex
	rlHits map[string]map[uint]bool
}

func NewManager(st store.Store, dispatcher JobCanceller, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		store:      st,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	m.AlertFunc = func(a Alert) {
		m.logger.Warn("risk alert", "distributionID", a.DistributionID, "level", a.Level, "reason", a.Reason)
	}
	m.failureBudget = trailingBudget(cfg.FailureWindow, cfg.FailureBudget)
	m.rateLimitBudget = trailingBudget(cfg.RateLimitWindow, cfg.RateLimitBudget)
	return m
}

// AntiCorrelationWindow reports the configured minimum separation between
// two accounts publishing matching content. Schedule builders use it as a
// floor on inter-slot spacing so same-fingerprint slots never land inside
// the window the pre-flight gate enforces.
func (m *Manager) AntiCorrelationWindow() time.Duration {
	return m.cfg.AntiCorrelationWindow
}

func trailingBudget(window time.Duration, budget int64) *slidingwindow.Limiter {
	lim, _ := slidingwindow.NewLimiter(window, budget, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	return lim
}

// ValidateDistribution is the pre-flight gate. It runs before account
// selection: the correlation and ceiling checks go against scheduled slots,
// the health check against the owner's actionable pool.
func (m *Manager) ValidateDistribution(ctx context.Context, owner string, requestedCount int, fingerprint string) (*Assessment, error) {
	now := m.cfg.Now()
	out := &Assessment{Level: models.RiskNone}

	slots, err := m.store.SlotsForFingerprintBetween(ctx,
		fingerprint, now.Add(-m.cfg.AntiCorrelationWindow), now.Add(m.cfg.AntiCorrelationWindow))
	if err != nil {
		return nil, err
	}
	accounts := map[uint]bool{}
	for _, sl := range slots {
		accounts[sl.AccountID] = true
	}
	if len(accounts) >= 2 {
		out.Blocked = true
		out.Level = models.RiskCritical
		out.Reasons = append(out.Reasons,
			fmt.Sprintf("content already scheduled for %d accounts within the anti-correlation window", len(accounts)))
		preflightBlocks.WithLabelValues("content_correlation").Inc()
	}

	hourStart := now.Truncate(time.Hour)
	inFlight, err := m.store.CountSlotsBetween(ctx, hourStart, hourStart.Add(time.Hour))
	if err != nil {
		return nil, err
	}
	if inFlight+int64(requestedCount) > m.cfg.HourlyActionCeiling {
		out.Blocked = true
		if out.Level != models.RiskCritical {
			out.Level = models.RiskElevated
		}
		out.Reasons = append(out.Reasons,
			fmt.Sprintf("global hourly ceiling exceeded: %d scheduled + %d requested > %d", inFlight, requestedCount, m.cfg.HourlyActionCeiling))
		preflightBlocks.WithLabelValues("hourly_ceiling").Inc()
	}

	pool, err := m.store.ListAccounts(ctx, owner,
		[]models.AccountState{models.AccountStateActive, models.AccountStateWarmingUp}, nil)
	if err != nil {
		return nil, err
	}
	if len(pool) > 0 {
		low := 0
		for _, acc := range pool {
			if acc.HealthScore < m.cfg.LowHealthThreshold {
				low++
			}
		}
		if frac := float64(low) / float64(len(pool)); frac > m.cfg.LowHealthFraction {
			if out.Level == models.RiskNone {
				out.Level = models.RiskElevated
			}
			out.Reasons = append(out.Reasons,
				fmt.Sprintf("%.0f%% of candidate pool below health threshold", frac*100))
		}
	}

	return out, nil
}

// Metrics is one progress sample fed to anomaly detection. Counts are deltas
// since the previous sample except InFlight, which is a level.
type Metrics struct {
	Failed      int
	Succeeded   int
	RateLimited int // distinct accounts that hit a rate limit
	InFlight    int // accounts with work still pending
}

// DetectAnomalies folds a sample into the trailing budgets and reports any
// that are now exceeded. A critical alert means the caller must halt; lesser
// alerts go to the operator.
func (m *Manager) DetectAnomalies(distributionID string, sample Metrics) []Alert {
	var alerts []Alert

	for i := 0; i < sample.Failed; i++ {
		if !m.failureBudget.Allow() {
			alerts = append(alerts, Alert{
				DistributionID: distributionID,
				Level:          models.RiskElevated,
				Reason:         "failure rate over trailing window exceeded budget",
			})
			anomalyAlerts.WithLabelValues("failure_rate").Inc()
			break
		}
	}

	for i := 0; i < sample.RateLimited; i++ {
		if !m.rateLimitBudget.Allow() {
			alerts = append(alerts, Alert{
				DistributionID: distributionID,
				Level:          models.RiskElevated,
				Reason:         "multiple accounts rate-limited in a short window",
			})
			anomalyAlerts.WithLabelValues("rate_limit_cluster").Inc()
			break
		}
	}

	if sample.InFlight > 0 {
		if frac := float64(sample.RateLimited) / float64(sample.InFlight); frac > m.cfg.CriticalRateLimited {
			alerts = append(alerts, Alert{
				DistributionID: distributionID,
				Level:          models.RiskCritical,
				Reason:         fmt.Sprintf("%.0f%% of in-flight accounts rate-limited", frac*100),
			})
			anomalyAlerts.WithLabelValues("rate_limit_critical").Inc()
		}
	}

	return alerts
}

// EmergencyHalt cancels the distribution and asks the dispatcher to cancel
// every not-yet-executed slot. Already-executing actions are left alone.
// Halting an already-terminal distribution is a no-op.
func (m *Manager) EmergencyHalt(ctx context.Context, distributionID, reason string) error {
	d, err := m.store.GetDistribution(ctx, distributionID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}

	open, err := m.store.OpenSlots(ctx, distributionID)
	if err != nil {
		return err
	}
	if err := m.store.CancelDistribution(ctx, distributionID, reason); err != nil {
		return err
	}

	cancelled := 0
	for _, sl := range open {
		if sl.JobID != "" && m.dispatcher != nil {
			if err := m.dispatcher.Cancel(ctx, sl.JobID); err != nil {
				// the job may already be executing; cancellation is best effort
				m.logger.Warn("dispatcher cancel failed", "jobID", sl.JobID, "err", err)
			}
		}
		if err := m.store.MarkSlot(ctx, sl.ID, models.SlotCancelled, ""); err != nil {
			m.logger.Error("marking slot cancelled", "slotID", sl.ID, "err", err)
			continue
		}
		// queued hand-offs are resolved as cancelled; accounts that never got
		// a queued row (pre-dispatch slots) have nothing to resolve
		if err := m.store.ResolveResult(ctx, distributionID, sl.AccountID, models.ResultCancelled, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("resolving result", "accountID", sl.AccountID, "err", err)
		}
		cancelled++
	}

	emergencyHalts.Inc()
	m.logger.Warn("distribution halted", "distributionID", distributionID, "reason", reason, "cancelledSlots", cancelled)
	return nil
}

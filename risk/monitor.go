package risk

import (
	"context"
	"errors"

	"github.com/hivegrid/hivegrid/internal/ticker"
	"github.com/hivegrid/hivegrid/models"
)

// maxSampleFailures is how many consecutive failed monitor samples are
// tolerated before the monitor stops.
const maxSampleFailures = 3

// NoteRateLimited records that an account in the distribution hit a platform
// rate limit; the next monitor sample folds it into anomaly detection. Two
// accounts limited in a short window is a signal of coordinated external
// detection.
func (m *Manager) NoteRateLimited(distributionID string, accountID uint) {
	m.rlLk.Lock()
	defer m.rlLk.Unlock()
	if m.rlHits == nil {
		m.rlHits = make(map[string]map[uint]bool)
	}
	if m.rlHits[distributionID] == nil {
		m.rlHits[distributionID] = make(map[uint]bool)
	}
	m.rlHits[distributionID][accountID] = true
}

func (m *Manager) takeRateLimited(distributionID string) int {
	m.rlLk.Lock()
	defer m.rlLk.Unlock()
	n := len(m.rlHits[distributionID])
	delete(m.rlHits, distributionID)
	return n
}

// Monitor samples a distribution's result counts until it reaches a terminal
// status, feeding anomaly detection and finalizing the distribution once all
// queued hand-offs have resolved. It blocks; run it in its own goroutine.
// The guarantee that it stops comes from Terminal() statuses being absorbing
// and from context cancellation.
func (m *Manager) Monitor(ctx context.Context, distributionID string) {
	monitorsActive.Inc()
	defer monitorsActive.Dec()

	prev := map[models.ResultStatus]int{}

	sampleOnce := func(ctx context.Context) error {
		d, err := m.store.GetDistribution(ctx, distributionID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return ticker.Done
		}

		counts, err := m.store.CountResultsByStatus(ctx, distributionID)
		if err != nil {
			return err
		}

		sample := Metrics{
			Failed:      counts[models.ResultFailed] - prev[models.ResultFailed],
			Succeeded:   counts[models.ResultSucceeded] - prev[models.ResultSucceeded],
			RateLimited: m.takeRateLimited(distributionID),
			InFlight:    counts[models.ResultQueued],
		}
		prev = counts

		for _, alert := range m.DetectAnomalies(distributionID, sample) {
			if alert.Level == models.RiskCritical {
				if err := m.EmergencyHalt(ctx, distributionID, alert.Reason); err != nil {
					return err
				}
				return ticker.Done
			}
			m.AlertFunc(alert)
		}

		// nothing left in flight: settle the final status
		if counts[models.ResultQueued] == 0 {
			final := models.DistributionCompleted
			if counts[models.ResultFailed] > 0 || counts[models.ResultCancelled] > 0 {
				final = models.DistributionPartiallyFailed
			}
			if err := m.store.UpdateDistributionStatus(ctx, distributionID, final); err != nil {
				return err
			}
			return ticker.Done
		}
		return nil
	}

	// a flaky store read must not orphan the distribution; give up only
	// after several failed samples in a row
	failures := 0
	err := ticker.Periodically(ctx, m.cfg.MonitorInterval, func(ctx context.Context) error {
		err := sampleOnce(ctx)
		if err == nil || errors.Is(err, ticker.Done) {
			failures = 0
			return err
		}
		failures++
		if failures >= maxSampleFailures {
			return err
		}
		m.logger.Warn("progress sample failed, retrying",
			"distributionID", distributionID, "attempt", failures, "err", err)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error("progress monitor stopped", "distributionID", distributionID, "err", err)
	}
}

// Package distributor orchestrates one distribution end to end: risk gate,
// account selection, content variation, slot scheduling, and hand-off to the
// execution dispatcher. It never blocks on action completion; dispatch is
// fire-and-forget and progress is sampled by a background monitor.
package distributor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/ratelimit"
	"github.com/hivegrid/hivegrid/risk"
	"github.com/hivegrid/hivegrid/schedule"
	"github.com/hivegrid/hivegrid/selector"
	"github.com/hivegrid/hivegrid/store"
)

// ErrInvalidRequest marks a malformed distribution request; it is never
// retried.
var ErrInvalidRequest = errors.New("invalid distribution request")

// VariationProvider is the external content-variation service. A nil
// variation or an error means the account simply gets no content this round.
type VariationProvider interface {
	CreateVariation(ctx context.Context, content string, accountID uint) (string, error)
}

// Dispatcher is the external executor hand-off. Enqueue acknowledges
// acceptance only; terminal outcomes come back through RecordOutcome.
type Dispatcher interface {
	Enqueue(ctx context.Context, accountID uint, variation string, scheduledAt time.Time, distributionID string) (jobID string, err error)
	Cancel(ctx context.Context, jobID string) error
}

type Request struct {
	Owner       string
	ContentRef  string
	Count       int
	SpreadHours float64
	Niche       string
	Exclude     []uint
}

func (r *Request) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	}
	if r.ContentRef == "" {
		return fmt.Errorf("%w: missing content ref", ErrInvalidRequest)
	}
	if r.Count <= 0 {
		return fmt.Errorf("%w: count must be positive", ErrInvalidRequest)
	}
	if r.SpreadHours <= 0 {
		return fmt.Errorf("%w: spread hours must be positive", ErrInvalidRequest)
	}
	return nil
}

// Fingerprint identifies matching content across accounts for the
// anti-correlation checks.
func Fingerprint(contentRef string) string {
	sum := sha256.Sum256([]byte(contentRef))
	return hex.EncodeToString(sum[:16])
}

type Result struct {
	DistributionID string
	TotalAccounts  int
	Queued         int
	Failed         int
	Schedule       []models.ScheduledSlot
	Risk           risk.Assessment
}

type Config struct {
	Schedule schedule.Config
	// ParallelVariations bounds concurrent calls to the variation provider.
	ParallelVariations int64
	// VariationTimeout bounds each variation call; a timeout fails that
	// account only, never the batch.
	VariationTimeout time.Duration
	// DispatchPerSecond caps the enqueue rate to the dispatcher.
	DispatchPerSecond int
	Now               func() time.Time
	Seed              func() int64
}

func DefaultConfig() Config {
	return Config{
		Schedule:           schedule.DefaultConfig(),
		ParallelVariations: 4,
		VariationTimeout:   10 * time.Second,
		DispatchPerSecond:  20,
		Now:                time.Now,
		Seed:               func() int64 { return time.Now().UnixNano() },
	}
}

type Engine struct {
	store      store.Store
	selector   *selector.Selector
	risk       *risk.Manager
	limiter    *ratelimit.Limiter
	variations VariationProvider
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	dispatchLimiter *rate.Limiter
	// monitorCtx outlives individual Distribute calls so monitors keep
	// sampling after the request returns; Close cancels them all.
	monitorCtx    context.Context
	monitorCancel context.CancelFunc
}

func NewEngine(st store.Store, sel *selector.Selector, riskMgr *risk.Manager, lim *ratelimit.Limiter,
	variations VariationProvider, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Seed == nil {
		cfg.Seed = func() int64 { return time.Now().UnixNano() }
	}
	mctx, mcancel := context.WithCancel(context.Background())
	return &Engine{
		store:           st,
		selector:        sel,
		risk:            riskMgr,
		limiter:         lim,
		variations:      variations,
		dispatcher:      dispatcher,
		cfg:             cfg,
		logger:          logger,
		dispatchLimiter: rate.NewLimiter(rate.Limit(cfg.DispatchPerSecond), cfg.DispatchPerSecond),
		monitorCtx:      mctx,
		monitorCancel:   mcancel,
	}
}

// Close stops all background progress monitors.
func (e *Engine) Close() {
	e.monitorCancel()
}

// Distribute runs the full pipeline and returns as soon as every hand-off is
// acknowledged. Per-account failures (no variation, enqueue refusal) are
// counted, never raised; only infrastructure faults surface as errors.
func (e *Engine) Distribute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	fingerprint := Fingerprint(req.ContentRef)
	dist := &models.Distribution{
		ID:                 id,
		Owner:              req.Owner,
		ContentRef:         req.ContentRef,
		ContentFingerprint: fingerprint,
		RequestedCount:     req.Count,
		SpreadHours:        req.SpreadHours,
		Niche:              req.Niche,
		Status:             models.DistributionRequested,
		RiskLevel:          models.RiskNone,
	}
	if err := e.store.CreateDistribution(ctx, dist); err != nil {
		return nil, err
	}
	distributionsStarted.Inc()
	log := e.logger.With("distributionID", id, "owner", req.Owner)

	// pre-flight risk gate; a block means zero accounts touched
	assessment, err := e.risk.ValidateDistribution(ctx, req.Owner, req.Count, fingerprint)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetDistributionRisk(ctx, id, assessment.Level); err != nil {
		return nil, err
	}
	if assessment.Blocked {
		distributionsBlocked.Inc()
		if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionBlocked); err != nil {
			return nil, err
		}
		log.Warn("distribution blocked at pre-flight", "reasons", assessment.Reasons)
		return &Result{DistributionID: id, Risk: *assessment}, nil
	}
	if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionRiskChecked); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(e.cfg.Seed()))
	accounts, err := e.selector.SelectAccounts(ctx, req.Owner, req.Count, selector.Criteria{
		ActionType: models.ActionPost,
		Niche:      req.Niche,
		Exclude:    req.Exclude,
	}, rng)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionCompleted); err != nil {
			return nil, err
		}
		log.Info("no eligible accounts")
		return &Result{DistributionID: id, Risk: *assessment}, nil
	}
	if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionAccountsSelected); err != nil {
		return nil, err
	}

	res := &Result{DistributionID: id, TotalAccounts: len(accounts), Risk: *assessment}

	variations := e.fetchVariations(ctx, id, req.ContentRef, accounts, res)
	if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionVariationsReady); err != nil {
		return nil, err
	}
	if len(variations) == 0 {
		if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionPartiallyFailed); err != nil {
			return nil, err
		}
		log.Warn("no account received a variation", "failed", res.Failed)
		return res, nil
	}

	slots, err := e.buildSchedule(ctx, id, fingerprint, accounts, variations, req.SpreadHours, rng)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionScheduled); err != nil {
		return nil, err
	}

	if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionDispatching); err != nil {
		return nil, err
	}
	e.dispatch(ctx, id, slots, variations, res)
	res.Schedule, err = e.store.SlotsForDistribution(ctx, id)
	if err != nil {
		return nil, err
	}

	if res.Queued == 0 {
		if err := e.store.UpdateDistributionStatus(ctx, id, models.DistributionPartiallyFailed); err != nil {
			return nil, err
		}
		log.Warn("every hand-off failed", "failed", res.Failed)
		return res, nil
	}

	go e.risk.Monitor(e.monitorCtx, id)

	log.Info("distribution dispatched", "total", res.TotalAccounts, "queued", res.Queued, "failed", res.Failed)
	return res, nil
}

// fetchVariations asks the provider for one variation per account, a few at
// a time. Timeouts and refusals fail that account only.
func (e *Engine) fetchVariations(ctx context.Context, id, contentRef string, accounts []*models.Account, res *Result) map[uint]string {
	sem := semaphore.NewWeighted(e.cfg.ParallelVariations)
	var lk sync.Mutex
	out := make(map[uint]string, len(accounts))

	var wg sync.WaitGroup
	for _, acc := range accounts {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(acc *models.Account) {
			defer wg.Done()
			defer sem.Release(1)

			vctx, cancel := context.WithTimeout(ctx, e.cfg.VariationTimeout)
			defer cancel()
			v, err := e.variations.CreateVariation(vctx, contentRef, acc.ID)

			lk.Lock()
			defer lk.Unlock()
			if err != nil || v == "" {
				res.Failed++
				accountsFailed.Inc()
				msg := "no variation available"
				if err != nil {
					msg = err.Error()
				}
				if rerr := e.store.RecordResult(ctx, &models.ExecutionResult{
					DistributionID: id, AccountID: acc.ID, Status: models.ResultFailed, Error: msg,
				}); rerr != nil {
					e.logger.Error("recording variation failure", "accountID", acc.ID, "err", rerr)
				}
				return
			}
			out[acc.ID] = v
		}(acc)
	}
	wg.Wait()
	return out
}

// buildSchedule computes staggered slots for the accounts that received a
// variation and persists them.
func (e *Engine) buildSchedule(ctx context.Context, id, fingerprint string, accounts []*models.Account, variations map[uint]string, spreadHours float64, rng *rand.Rand) ([]models.ScheduledSlot, error) {
	tzByID := make(map[uint]string, len(accounts))
	var ids []uint
	for _, acc := range accounts {
		if _, ok := variations[acc.ID]; ok {
			ids = append(ids, acc.ID)
			tzByID[acc.ID] = acc.Timezone
		}
	}

	// every slot in the distribution carries the same fingerprint, so the
	// inter-slot gap must be at least the anti-correlation separation the
	// pre-flight gate enforces
	schedCfg := e.cfg.Schedule
	if w := e.risk.AntiCorrelationWindow(); schedCfg.MinGap < w {
		schedCfg.MinGap = w
	}

	spread := time.Duration(spreadHours * float64(time.Hour))
	start := e.cfg.Now()
	raw := schedule.Build(ids, spread, start, schedCfg)
	raw = schedule.OptimizeForPeakHours(raw, start, schedCfg)
	raw = schedule.AddJitter(raw, start, rng, schedCfg)
	for i, s := range raw {
		raw[i] = schedule.AdjustForTimezone(s, tzByID[s.AccountID], schedCfg)
	}
	// timezone re-basing can cluster slots again; restore the separation
	raw = schedule.EnforceGapFloor(raw, start, schedCfg.MinGap)

	slots := make([]models.ScheduledSlot, len(raw))
	for i, s := range raw {
		slots[i] = models.ScheduledSlot{
			DistributionID:     id,
			AccountID:          s.AccountID,
			ContentFingerprint: fingerprint,
			ScheduledAt:        s.At,
			Priority:           s.Priority,
			Status:             models.SlotPending,
		}
	}
	if err := e.store.CreateSlots(ctx, slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// dispatch hands each slot to the executor. One refusal does not abort the
// batch.
func (e *Engine) dispatch(ctx context.Context, id string, slots []models.ScheduledSlot, variations map[uint]string, res *Result) {
	for _, sl := range slots {
		if err := e.dispatchLimiter.Wait(ctx); err != nil {
			break
		}
		jobID, err := e.dispatcher.Enqueue(ctx, sl.AccountID, variations[sl.AccountID], sl.ScheduledAt, id)
		if err != nil {
			res.Failed++
			accountsFailed.Inc()
			e.logger.Warn("enqueue failed", "distributionID", id, "accountID", sl.AccountID, "err", err)
			if merr := e.store.MarkSlot(ctx, sl.ID, models.SlotCancelled, ""); merr != nil {
				e.logger.Error("marking failed slot", "slotID", sl.ID, "err", merr)
			}
			if rerr := e.store.RecordResult(ctx, &models.ExecutionResult{
				DistributionID: id, AccountID: sl.AccountID, Status: models.ResultFailed, Error: err.Error(),
			}); rerr != nil {
				e.logger.Error("recording enqueue failure", "accountID", sl.AccountID, "err", rerr)
			}
			continue
		}
		if err := e.store.MarkSlot(ctx, sl.ID, models.SlotDispatched, jobID); err != nil {
			e.logger.Error("marking dispatched slot", "slotID", sl.ID, "err", err)
		}
		if err := e.store.RecordResult(ctx, &models.ExecutionResult{
			DistributionID: id, AccountID: sl.AccountID, Status: models.ResultQueued,
		}); err != nil {
			e.logger.Error("recording queued result", "accountID", sl.AccountID, "err", err)
		}
		res.Queued++
		accountsQueued.Inc()
	}
}

// RecordOutcome is the result-recording interface the executor reports
// terminal outcomes through. Successful platform actions are the point at
// which quota is consumed, so the rate limiter records here.
func (e *Engine) RecordOutcome(ctx context.Context, distributionID string, accountID uint, success bool, rateLimited bool, errMsg string) error {
	status := models.ResultSucceeded
	if !success {
		status = models.ResultFailed
	}
	if err := e.store.ResolveResult(ctx, distributionID, accountID, status, errMsg); err != nil {
		return err
	}
	if success {
		if err := e.limiter.Record(ctx, accountID, models.ActionPost); err != nil {
			return err
		}
		if err := e.store.TouchAccountAction(ctx, accountID, models.ActionPost, e.cfg.Now()); err != nil {
			return err
		}
	}
	if rateLimited {
		e.risk.NoteRateLimited(distributionID, accountID)
	}
	return nil
}

// Status aggregates execution results for one distribution.
type Status struct {
	DistributionID string
	Status         models.DistributionStatus
	RiskLevel      models.RiskLevel
	Counts         map[models.ResultStatus]int
}

func (e *Engine) GetStatus(ctx context.Context, distributionID string) (*Status, error) {
	d, err := e.store.GetDistribution(ctx, distributionID)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.CountResultsByStatus(ctx, distributionID)
	if err != nil {
		return nil, err
	}
	return &Status{
		DistributionID: d.ID,
		Status:         d.Status,
		RiskLevel:      d.RiskLevel,
		Counts:         counts,
	}, nil
}

// Cancel delegates to the risk manager's emergency halt.
func (e *Engine) Cancel(ctx context.Context, distributionID string) error {
	return e.risk.EmergencyHalt(ctx, distributionID, "cancelled by owner request")
}

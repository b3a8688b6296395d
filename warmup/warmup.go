// Package warmup drives the fixed 14-day onboarding state machine for new
// accounts. Task execution itself (and retry of failed tasks) belongs to the
// external executor; this package only tracks plan state and legal lifecycle
// transitions.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/store"
)

// ErrConfirmationRequired is returned by SkipToActive when the caller has not
// explicitly acknowledged the elevated risk of skipping warmup.
var ErrConfirmationRequired = errors.New("skip to active requires explicit confirmation")

type Engine struct {
	store  store.Store
	logger *slog.Logger

	Now func() time.Time
}

func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, logger: logger, Now: time.Now}
}

// StartWarmup generates the 14-day plan and moves the account to warming_up.
// It fails with store.ErrNotFound for unknown accounts, store.ErrPlanExists
// when warmup was already started, and store.ErrStateConflict when the
// account is not in new_account.
func (e *Engine) StartWarmup(ctx context.Context, accountID uint) error {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if _, _, err := e.store.GetPlan(ctx, accountID); err == nil {
		// a plan with the account still in new_account means an earlier start
		// wrote the plan but lost the transition; finish it instead of
		// wedging the account behind ErrPlanExists
		if acc.State == models.AccountStateNew {
			return e.store.UpdateAccountState(ctx, accountID, models.AccountStateWarmingUp)
		}
		return store.ErrPlanExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if acc.State != models.AccountStateNew {
		return fmt.Errorf("%w: cannot start warmup from %s", store.ErrStateConflict, acc.State)
	}

	// plan before transition: a failed plan write leaves the account in
	// new_account and the call cleanly retryable
	started := e.Now()
	plan := &models.WarmupPlan{AccountID: accountID, StartedAt: started}
	tasks := buildTasks(started)
	if err := e.store.CreatePlan(ctx, plan, tasks); err != nil {
		return err
	}
	if err := e.store.UpdateAccountState(ctx, accountID, models.AccountStateWarmingUp); err != nil {
		return err
	}
	e.logger.Info("warmup started", "accountID", accountID, "days", models.WarmupPlanDays, "tasks", len(tasks))
	return nil
}

type Progress struct {
	Day             int
	PercentComplete float64
	NextTaskAt      *time.Time
	Completed       bool
}

// GetProgress reports warmup progress. The current day is the furthest day
// containing any non-pending task (day 1 when nothing has run yet); wall
// clock elapsed time is deliberately not consulted.
func (e *Engine) GetProgress(ctx context.Context, accountID uint) (*Progress, error) {
	_, tasks, err := e.store.GetPlan(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &Progress{Day: 1, Completed: true}
	done := 0
	for _, t := range tasks {
		if t.Status != models.TaskPending && t.Day > p.Day {
			p.Day = t.Day
		}
		if t.Status == models.TaskCompleted {
			done++
		} else {
			p.Completed = false
		}
		if t.Status == models.TaskPending {
			if p.NextTaskAt == nil || t.ScheduledAt.Before(*p.NextTaskAt) {
				at := t.ScheduledAt
				p.NextTaskAt = &at
			}
		}
	}
	if len(tasks) > 0 {
		p.PercentComplete = float64(done) / float64(len(tasks)) * 100
	}
	return p, nil
}

// PauseWarmup is legal only from warming_up.
func (e *Engine) PauseWarmup(ctx context.Context, accountID uint) error {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.State != models.AccountStateWarmingUp {
		return fmt.Errorf("%w: cannot pause from %s", store.ErrStateConflict, acc.State)
	}
	return e.store.UpdateAccountState(ctx, accountID, models.AccountStatePaused)
}

// ResumeWarmup is legal only from paused.
func (e *Engine) ResumeWarmup(ctx context.Context, accountID uint) error {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.State != models.AccountStatePaused {
		return fmt.Errorf("%w: cannot resume from %s", store.ErrStateConflict, acc.State)
	}
	return e.store.UpdateAccountState(ctx, accountID, models.AccountStateWarmingUp)
}

// SkipToActive force-promotes a warming account and discards its incomplete
// tasks. The caller must pass confirm=true; skipping warmup raises the
// account's exposure and is logged as such.
func (e *Engine) SkipToActive(ctx context.Context, accountID uint, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.State != models.AccountStateWarmingUp {
		return fmt.Errorf("%w: cannot skip to active from %s", store.ErrStateConflict, acc.State)
	}
	if err := e.store.UpdateAccountState(ctx, accountID, models.AccountStateActive); err != nil {
		return err
	}
	dropped, err := e.store.DeleteIncompleteTasks(ctx, accountID)
	if err != nil {
		return err
	}
	e.logger.Warn("warmup skipped, account promoted early", "accountID", accountID, "droppedTasks", dropped)
	return nil
}

// MarkTask records executor-reported task progress. Valid moves are
// pending -> in_progress -> {completed, failed}.
func (e *Engine) MarkTask(ctx context.Context, taskID uint, status models.TaskStatus, completed int) error {
	switch status {
	case models.TaskInProgress, models.TaskCompleted, models.TaskFailed:
	default:
		return fmt.Errorf("%w: task cannot move to %s", store.ErrStateConflict, status)
	}
	return e.store.UpdateTask(ctx, taskID, status, completed)
}

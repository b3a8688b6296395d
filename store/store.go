// Package store persists accounts, warmup plans, scheduled slots, and
// distribution records. Two implementations are provided: a gorm-backed store
// for production and an in-memory store for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hivegrid/hivegrid/models"
)

// ErrNotFound is returned when the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStateConflict is returned for an illegal account lifecycle transition.
var ErrStateConflict = errors.New("illegal state transition")

// ErrPlanExists is returned when a warmup plan was already generated for the account.
var ErrPlanExists = errors.New("warmup plan already exists")

type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	ListAccounts(ctx context.Context, owner string, states []models.AccountState, exclude []uint) ([]*models.Account, error)
	SaveAccount(ctx context.Context, acc *models.Account) error
	// UpdateAccountState enforces the lifecycle graph; an illegal transition
	// returns ErrStateConflict and leaves the record untouched.
	UpdateAccountState(ctx context.Context, id uint, next models.AccountState) error
	TouchAccountAction(ctx context.Context, id uint, action models.ActionType, at time.Time) error

	// Warmup plans. CreatePlan persists the plan and its task rows together
	// and fails with ErrPlanExists if the account already has one.
	CreatePlan(ctx context.Context, plan *models.WarmupPlan, tasks []models.WarmupTask) error
	GetPlan(ctx context.Context, accountID uint) (*models.WarmupPlan, []models.WarmupTask, error)
	UpdateTask(ctx context.Context, taskID uint, status models.TaskStatus, completed int) error
	DeleteIncompleteTasks(ctx context.Context, accountID uint) (int64, error)

	// Distributions
	CreateDistribution(ctx context.Context, d *models.Distribution) error
	GetDistribution(ctx context.Context, id string) (*models.Distribution, error)
	UpdateDistributionStatus(ctx context.Context, id string, status models.DistributionStatus) error
	SetDistributionRisk(ctx context.Context, id string, level models.RiskLevel) error
	CancelDistribution(ctx context.Context, id, reason string) error

	// Scheduled slots
	CreateSlots(ctx context.Context, slots []models.ScheduledSlot) error
	SlotsForDistribution(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error)
	// OpenSlots returns slots that have not been cancelled: both not-yet
	// dispatched and dispatched-but-possibly-unexecuted ones.
	OpenSlots(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error)
	MarkSlot(ctx context.Context, slotID uint, status models.SlotStatus, jobID string) error
	SlotsForFingerprintBetween(ctx context.Context, fingerprint string, from, to time.Time) ([]models.ScheduledSlot, error)
	CountSlotsBetween(ctx context.Context, from, to time.Time) (int64, error)

	// Execution results. Each account in a distribution gets exactly one
	// result row: RecordResult inserts it, ResolveResult moves a queued row
	// to its terminal status once the executor reports back.
	RecordResult(ctx context.Context, res *models.ExecutionResult) error
	ResolveResult(ctx context.Context, distributionID string, accountID uint, status models.ResultStatus, errMsg string) error
	CountResultsByStatus(ctx context.Context, distributionID string) (map[models.ResultStatus]int, error)

	// NextRotation returns the current per-owner round-robin offset modulo n
	// and advances the persisted cursor by one.
	NextRotation(ctx context.Context, owner string, n int) (int, error)
}

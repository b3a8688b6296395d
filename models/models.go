package models

import (
	"time"

	"gorm.io/gorm"
)

// AccountState is the lifecycle stage of a managed account.
type AccountState string

const (
	AccountStateNew       = AccountState("new_account")
	AccountStateWarmingUp = AccountState("warming_up")
	AccountStateActive    = AccountState("active")
	AccountStatePaused    = AccountState("paused")
	AccountStateBanned    = AccountState("banned")
)

func (s AccountState) Valid() bool {
	switch s {
	case AccountStateNew, AccountStateWarmingUp, AccountStateActive, AccountStatePaused, AccountStateBanned:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the legal lifecycle graph. Banned is terminal.
func (s AccountState) CanTransitionTo(next AccountState) bool {
	if s == AccountStateBanned {
		return false
	}
	if next == AccountStateBanned {
		return true
	}
	switch s {
	case AccountStateNew:
		return next == AccountStateWarmingUp
	case AccountStateWarmingUp:
		return next == AccountStateActive || next == AccountStatePaused
	case AccountStatePaused:
		return next == AccountStateWarmingUp
	default:
		return false
	}
}

type ActionType string

const (
	ActionPost      = ActionType("post")
	ActionFollow    = ActionType("follow")
	ActionLike      = ActionType("like")
	ActionComment   = ActionType("comment")
	ActionBrowse    = ActionType("browse")
	ActionStoryView = ActionType("story_view")
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionPost, ActionFollow, ActionLike, ActionComment, ActionBrowse, ActionStoryView:
		return true
	default:
		return false
	}
}

// AllActionTypes supports exhaustive iteration over limit tables.
var AllActionTypes = []ActionType{ActionPost, ActionFollow, ActionLike, ActionComment, ActionBrowse, ActionStoryView}

// AccountTier buckets accounts by follower count for stratified selection.
type AccountTier string

const (
	TierNano  = AccountTier("nano")
	TierMicro = AccountTier("micro")
	TierMid   = AccountTier("mid")
	TierLarge = AccountTier("large")
)

var AllTiers = []AccountTier{TierNano, TierMicro, TierMid, TierLarge}

func TierForFollowers(n int64) AccountTier {
	switch {
	case n < 1_000:
		return TierNano
	case n < 10_000:
		return TierMicro
	case n < 100_000:
		return TierMid
	default:
		return TierLarge
	}
}

// ActionTimes records the last time each action type ran on an account.
type ActionTimes map[ActionType]time.Time

type Account struct {
	gorm.Model
	Owner       string       `gorm:"index"`
	Username    string       `gorm:"uniqueIndex"`
	State       AccountState `gorm:"index"`
	HealthScore int          // 0-100
	Followers   int64
	Tier        AccountTier
	Niche       string `gorm:"index"`
	Timezone    string // IANA zone name, empty when unknown
	WarmupDay   int
	LastActions ActionTimes `gorm:"type:text;serializer:json"`
	Available   bool
}

// Actionable reports whether the account may be handed platform actions at all.
func (a *Account) Actionable() bool {
	return a.Available && (a.State == AccountStateActive || a.State == AccountStateWarmingUp)
}

func (a *Account) LastAction(t ActionType) (time.Time, bool) {
	if a.LastActions == nil {
		return time.Time{}, false
	}
	ts, ok := a.LastActions[t]
	return ts, ok
}

type TaskStatus string

const (
	TaskPending    = TaskStatus("pending")
	TaskInProgress = TaskStatus("in_progress")
	TaskCompleted  = TaskStatus("completed")
	TaskFailed     = TaskStatus("failed")
)

// CanTransitionTo mirrors AccountState.CanTransitionTo for task rows:
// pending -> in_progress -> {completed, failed}, with both outcomes
// terminal. Executor callbacks cannot reopen a settled task.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskInProgress
	case TaskInProgress:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// WarmupPlanDays is the fixed length of the onboarding protocol.
const WarmupPlanDays = 14

type WarmupPlan struct {
	gorm.Model
	AccountID uint `gorm:"uniqueIndex"`
	StartedAt time.Time
}

type WarmupTask struct {
	gorm.Model
	PlanID      uint `gorm:"index"`
	AccountID   uint `gorm:"index"`
	Day         int  // 1-14
	TaskType    ActionType
	TargetCount int
	Completed   int
	Status      TaskStatus
	ScheduledAt time.Time
}

type DistributionStatus string

const (
	DistributionRequested        = DistributionStatus("requested")
	DistributionRiskChecked      = DistributionStatus("risk_checked")
	DistributionBlocked          = DistributionStatus("blocked")
	DistributionAccountsSelected = DistributionStatus("accounts_selected")
	DistributionVariationsReady  = DistributionStatus("variations_created")
	DistributionScheduled        = DistributionStatus("scheduled")
	DistributionDispatching      = DistributionStatus("dispatching")
	DistributionCompleted        = DistributionStatus("completed")
	DistributionPartiallyFailed  = DistributionStatus("partially_failed")
	DistributionCancelled        = DistributionStatus("cancelled")
)

// Terminal reports whether no further status changes are possible, which is
// also the condition for stopping the background progress monitor.
func (s DistributionStatus) Terminal() bool {
	switch s {
	case DistributionBlocked, DistributionCompleted, DistributionPartiallyFailed, DistributionCancelled:
		return true
	default:
		return false
	}
}

type RiskLevel string

const (
	RiskNone     = RiskLevel("none")
	RiskElevated = RiskLevel("elevated")
	RiskCritical = RiskLevel("critical")
)

type Distribution struct {
	ID                 string `gorm:"primarykey"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Owner              string `gorm:"index"`
	ContentRef         string
	ContentFingerprint string `gorm:"index"`
	RequestedCount     int
	SpreadHours        float64
	Niche              string
	Status             DistributionStatus `gorm:"index"`
	RiskLevel          RiskLevel
	CancelReason       string
}

type SlotStatus string

const (
	SlotPending    = SlotStatus("pending")
	SlotDispatched = SlotStatus("dispatched")
	SlotCancelled  = SlotStatus("cancelled")
)

type ScheduledSlot struct {
	gorm.Model
	DistributionID     string `gorm:"index"`
	AccountID          uint   `gorm:"index"`
	ContentFingerprint string `gorm:"index"`
	ScheduledAt        time.Time
	Priority           int
	JobID              string
	Status             SlotStatus
}

type ResultStatus string

const (
	ResultQueued    = ResultStatus("queued")
	ResultSucceeded = ResultStatus("succeeded")
	ResultFailed    = ResultStatus("failed")
	ResultCancelled = ResultStatus("cancelled")
)

type ExecutionResult struct {
	gorm.Model
	DistributionID string `gorm:"index"`
	AccountID      uint
	Status         ResultStatus `gorm:"index"`
	Error          string
}

// RotationCursor persists the per-owner round-robin offset used to rotate
// which accounts lead a selection.
type RotationCursor struct {
	gorm.Model
	Owner    string `gorm:"uniqueIndex"`
	Position int
}

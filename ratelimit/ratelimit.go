package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivegrid/hivegrid/models"
)

type DenyReason string

const (
	ReasonHourlyExhausted = DenyReason("hourly_limit_exceeded")
	ReasonDailyExhausted  = DenyReason("daily_limit_exceeded")
)

// Decision is the outcome of a quota check. Denial is an expected business
// condition, not an error; store failures are returned separately.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

// Limits is the per-window quota for one action type.
type Limits struct {
	Hourly int
	Daily  int
}

type Config struct {
	Limits map[models.ActionType]Limits
	// Accounts younger than YoungAccountAge get their limits scaled by
	// YoungFactor (floored, minimum 1).
	YoungAccountAge time.Duration
	YoungFactor     float64
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Limits: map[models.ActionType]Limits{
			models.ActionPost:      {Hourly: 2, Daily: 10},
			models.ActionFollow:    {Hourly: 10, Daily: 100},
			models.ActionLike:      {Hourly: 30, Daily: 300},
			models.ActionComment:   {Hourly: 10, Daily: 60},
			models.ActionBrowse:    {Hourly: 60, Daily: 500},
			models.ActionStoryView: {Hourly: 60, Daily: 400},
		},
		YoungAccountAge: 30 * 24 * time.Hour,
		YoungFactor:     0.5,
		Now:             time.Now,
	}
}

// Limiter answers quota checks against a CountStore. Check and Record are
// deliberately separate calls: Record only after the guarded action actually
// succeeded. Two concurrent Checks on the same account can both pass before
// either Records; callers serialize actions per account, so the window can
// overshoot by at most one.
type Limiter struct {
	counts CountStore
	cfg    Config
	logger *slog.Logger
}

func NewLimiter(counts CountStore, cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{counts: counts, cfg: cfg, logger: logger}
}

// effectiveLimits scales the base quota down for young accounts.
func (l *Limiter) effectiveLimits(action models.ActionType, createdAt time.Time) Limits {
	base, ok := l.cfg.Limits[action]
	if !ok {
		// unknown action types get the most conservative quota
		base = l.cfg.Limits[models.ActionPost]
	}
	if l.cfg.Now().Sub(createdAt) >= l.cfg.YoungAccountAge {
		return base
	}
	scale := func(n int) int {
		v := int(float64(n) * l.cfg.YoungFactor)
		if v < 1 {
			v = 1
		}
		return v
	}
	return Limits{Hourly: scale(base.Hourly), Daily: scale(base.Daily)}
}

func (l *Limiter) Check(ctx context.Context, accountID uint, action models.ActionType, createdAt time.Time) (Decision, error) {
	now := l.cfg.Now()
	limits := l.effectiveLimits(action, createdAt)

	hourly, err := l.counts.GetCount(ctx, bucketKey(accountID, string(action), WindowHourly, now))
	if err != nil {
		return Decision{}, err
	}
	if hourly >= limits.Hourly {
		return Decision{
			Reason:     ReasonHourlyExhausted,
			RetryAfter: windowReset(WindowHourly, now).Sub(now.UTC()),
		}, nil
	}

	daily, err := l.counts.GetCount(ctx, bucketKey(accountID, string(action), WindowDaily, now))
	if err != nil {
		return Decision{}, err
	}
	if daily >= limits.Daily {
		return Decision{
			Reason:     ReasonDailyExhausted,
			RetryAfter: windowReset(WindowDaily, now).Sub(now.UTC()),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// Record bumps both window counters. Call only after the action succeeded.
func (l *Limiter) Record(ctx context.Context, accountID uint, action models.ActionType) error {
	now := l.cfg.Now()
	if err := l.counts.IncrementWithTTL(ctx, bucketKey(accountID, string(action), WindowHourly, now), WindowHourly.Duration()); err != nil {
		return err
	}
	return l.counts.IncrementWithTTL(ctx, bucketKey(accountID, string(action), WindowDaily, now), WindowDaily.Duration())
}

// Remaining reports how much quota is left in each window.
func (l *Limiter) Remaining(ctx context.Context, accountID uint, action models.ActionType, createdAt time.Time) (hourly, daily int, err error) {
	now := l.cfg.Now()
	limits := l.effectiveLimits(action, createdAt)

	h, err := l.counts.GetCount(ctx, bucketKey(accountID, string(action), WindowHourly, now))
	if err != nil {
		return 0, 0, err
	}
	d, err := l.counts.GetCount(ctx, bucketKey(accountID, string(action), WindowDaily, now))
	if err != nil {
		return 0, 0, err
	}
	hourly = max(0, limits.Hourly-h)
	daily = max(0, limits.Daily-d)
	return hourly, daily, nil
}

// ResetTime reports when the given window next rolls over.
func (l *Limiter) ResetTime(kind WindowKind) time.Time {
	return windowReset(kind, l.cfg.Now())
}

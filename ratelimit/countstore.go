// Package ratelimit enforces per-account, per-action throughput quotas over
// hourly and daily windows. Counters live in a CountStore; the redis-backed
// implementation gives an atomic increment-with-TTL so counters self-expire
// without any explicit reset pass.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

type WindowKind string

const (
	WindowHourly = WindowKind("hourly")
	WindowDaily  = WindowKind("daily")
)

func (w WindowKind) Duration() time.Duration {
	if w == WindowDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

type CountStore interface {
	GetCount(ctx context.Context, key string) (int, error)
	// IncrementWithTTL bumps the counter and arms its expiry. The TTL is only
	// meaningful on the increment that creates the key; buckets are
	// window-aligned so a live key never outlasts its window by much.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) error
}

// bucketKey yields a window-aligned counter key, so every window boundary
// starts a fresh counter and stale ones just age out of the store.
func bucketKey(accountID uint, action string, kind WindowKind, now time.Time) string {
	switch kind {
	case WindowDaily:
		return fmt.Sprintf("rl/%d/%s/%s", accountID, action, now.UTC().Format(time.DateOnly))
	default:
		return fmt.Sprintf("rl/%d/%s/%s", accountID, action, now.UTC().Format(time.RFC3339)[0:13])
	}
}

// windowReset returns when the current aligned window rolls over.
func windowReset(kind WindowKind, now time.Time) time.Time {
	u := now.UTC()
	if kind == WindowDaily {
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	return u.Truncate(time.Hour).Add(time.Hour)
}

// Package selector ranks and filters candidate accounts for a distribution.
// Given a fixed clock and random source the selection is deterministic, so
// tests drive it with seeded inputs.
package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/ratelimit"
	"github.com/hivegrid/hivegrid/store"
)

type Criteria struct {
	ActionType models.ActionType
	Niche      string
	Exclude    []uint
	// Tiers restricts candidates to the given follower buckets when set.
	Tiers []models.AccountTier
	// IncludeWarming admits warming_up accounts, for low-risk action types.
	IncludeWarming bool
}

type Config struct {
	HealthWeight  float64
	IdleWeight    float64
	PerturbWeight float64
	// IdleCap bounds the idle-time contribution; an account idle longer than
	// this scores no extra.
	IdleCap  time.Duration
	CacheTTL time.Duration
	Now      func() time.Time
}

func DefaultConfig() Config {
	return Config{
		HealthWeight:  0.6,
		IdleWeight:    0.3,
		PerturbWeight: 0.1,
		IdleCap:       48 * time.Hour,
		CacheTTL:      30 * time.Second,
		Now:           time.Now,
	}
}

type Selector struct {
	store   store.Store
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *slog.Logger

	// short-TTL cache of per-owner candidate lists; selection runs many times
	// per distribution burst against the same swarm. Nil when CacheTTL <= 0:
	// every lookup then goes to the store.
	cache *expirable.LRU[string, []*models.Account]
}

func New(st store.Store, lim *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Selector{
		store:   st,
		limiter: lim,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.CacheTTL > 0 {
		s.cache = expirable.NewLRU[string, []*models.Account](128, nil, cfg.CacheTTL)
	}
	return s
}

// SelectAccounts returns up to count accounts owned by owner, ranked by
// score, lead-rotated, and tier-balanced. An empty result is not an error.
func (s *Selector) SelectAccounts(ctx context.Context, owner string, count int, criteria Criteria, rng *rand.Rand) ([]*models.Account, error) {
	if count <= 0 {
		return nil, nil
	}

	candidates, err := s.ownerAccounts(ctx, owner)
	if err != nil {
		return nil, err
	}

	candidates = s.applyCriteria(candidates, criteria)
	candidates, err = s.filterUnavailable(ctx, candidates, criteria.ActionType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// score once per account; scoring inside the comparator would re-roll
	// the perturbation and give the sort an inconsistent ordering
	now := s.cfg.Now()
	scores := make(map[uint]float64, len(candidates))
	for _, acc := range candidates {
		scores[acc.ID] = s.Score(acc, now, rng)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i].ID] > scores[candidates[j].ID]
	})

	candidates, err = s.rotateLeadAccounts(ctx, owner, candidates)
	if err != nil {
		return nil, err
	}

	if len(candidates) > count {
		candidates = balanceByTier(candidates, count)
	}
	return candidates, nil
}

func (s *Selector) ownerAccounts(ctx context.Context, owner string) ([]*models.Account, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(owner); ok {
			return cached, nil
		}
	}
	accs, err := s.store.ListAccounts(ctx, owner,
		[]models.AccountState{models.AccountStateActive, models.AccountStateWarmingUp}, nil)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(owner, accs)
	}
	return accs, nil
}

func (s *Selector) applyCriteria(accs []*models.Account, criteria Criteria) []*models.Account {
	excluded := make(map[uint]bool, len(criteria.Exclude))
	for _, id := range criteria.Exclude {
		excluded[id] = true
	}
	wantTier := make(map[models.AccountTier]bool, len(criteria.Tiers))
	for _, tier := range criteria.Tiers {
		wantTier[tier] = true
	}

	var out []*models.Account
	for _, acc := range accs {
		if excluded[acc.ID] {
			continue
		}
		if acc.State == models.AccountStateWarmingUp && !criteria.IncludeWarming {
			continue
		}
		if criteria.Niche != "" && acc.Niche != criteria.Niche {
			continue
		}
		if len(wantTier) > 0 && !wantTier[acc.Tier] {
			continue
		}
		out = append(out, acc)
	}
	return out
}

// filterUnavailable drops paused/banned/unavailable accounts and accounts
// currently rate-limited for the requested action.
func (s *Selector) filterUnavailable(ctx context.Context, accs []*models.Account, action models.ActionType) ([]*models.Account, error) {
	var out []*models.Account
	for _, acc := range accs {
		if !acc.Actionable() {
			continue
		}
		if s.limiter != nil && action.Valid() {
			dec, err := s.limiter.Check(ctx, acc.ID, action, acc.CreatedAt)
			if err != nil {
				return nil, err
			}
			if !dec.Allowed {
				continue
			}
		}
		out = append(out, acc)
	}
	return out, nil
}

// Score is a weighted sum of health, capped idle time, and a bounded random
// perturbation that keeps the ordering from being fully deterministic.
func (s *Selector) Score(acc *models.Account, now time.Time, rng *rand.Rand) float64 {
	health := float64(acc.HealthScore)

	idle := s.cfg.IdleCap
	if last, ok := latestAction(acc); ok {
		idle = now.Sub(last)
	}
	if idle > s.cfg.IdleCap {
		idle = s.cfg.IdleCap
	}
	idleScore := float64(idle) / float64(s.cfg.IdleCap) * 100

	perturb := 0.0
	if rng != nil {
		perturb = rng.Float64() * 100
	}

	return s.cfg.HealthWeight*health + s.cfg.IdleWeight*idleScore + s.cfg.PerturbWeight*perturb
}

func latestAction(acc *models.Account) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, ts := range acc.LastActions {
		if ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found
}

// rotateLeadAccounts shifts the ranked list by the persisted per-owner
// cursor so the same accounts do not always go first.
func (s *Selector) rotateLeadAccounts(ctx context.Context, owner string, accs []*models.Account) ([]*models.Account, error) {
	if len(accs) < 2 {
		return accs, nil
	}
	offset, err := s.store.NextRotation(ctx, owner, len(accs))
	if err != nil {
		return nil, err
	}
	return append(accs[offset:], accs[:offset]...), nil
}

// balanceByTier takes count accounts round-robin across follower tiers,
// preserving rank order within each tier, so one bucket cannot dominate an
// oversubscribed selection.
func balanceByTier(accs []*models.Account, count int) []*models.Account {
	byTier := make(map[models.AccountTier][]*models.Account)
	for _, acc := range accs {
		byTier[acc.Tier] = append(byTier[acc.Tier], acc)
	}

	out := make([]*models.Account, 0, count)
	for len(out) < count {
		took := false
		for _, tier := range models.AllTiers {
			if len(out) == count {
				break
			}
			if bucket := byTier[tier]; len(bucket) > 0 {
				out = append(out, bucket[0])
				byTier[tier] = bucket[1:]
				took = true
			}
		}
		if !took {
			break
		}
	}
	return out
}

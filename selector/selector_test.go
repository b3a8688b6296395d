package selector_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/ratelimit"
	"github.com/hivegrid/hivegrid/selector"
	"github.com/hivegrid/hivegrid/store"
)

const owner = "owner-1"

func seedAccount(t *testing.T, st *store.Memstore, i int, state models.AccountState, health int, tier models.AccountTier) uint {
	t.Helper()
	acc := &models.Account{
		Owner:       owner,
		Username:    fmt.Sprintf("%s-acct-%d", t.Name(), i),
		State:       state,
		HealthScore: health,
		Tier:        tier,
		Available:   true,
	}
	acc.CreatedAt = time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, st.SaveAccount(context.Background(), acc))
	return acc.ID
}

func newSelector(st *store.Memstore, lim *ratelimit.Limiter) *selector.Selector {
	cfg := selector.DefaultConfig()
	cfg.CacheTTL = 0 // disable caching across tests
	return selector.New(st, lim, cfg, nil)
}

// A zero TTL must disable the candidate cache outright rather than feed a
// sub-millisecond expiry into the LRU, so every selection sees fresh rows.
func TestZeroCacheTTLDisablesCaching(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()

	seedAccount(t, st, 1, models.AccountStateActive, 90, models.TierNano)

	sel := newSelector(st, nil)
	rng := rand.New(rand.NewSource(1))

	got, err := sel.SelectAccounts(ctx, owner, 10, selector.Criteria{ActionType: models.ActionPost}, rng)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// a second selection immediately after must pick up the new account
	fresh := seedAccount(t, st, 2, models.AccountStateActive, 80, models.TierNano)
	got, err = sel.SelectAccounts(ctx, owner, 10, selector.Criteria{ActionType: models.ActionPost}, rng)
	require.NoError(t, err)
	require.Len(t, got, 2)

	seen := map[uint]bool{}
	for _, acc := range got {
		seen[acc.ID] = true
	}
	assert.True(seen[fresh])
}

func TestSelectFiltersStatesAndExcludes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemstore()

	active1 := seedAccount(t, st, 1, models.AccountStateActive, 90, models.TierNano)
	seedAccount(t, st, 2, models.AccountStateActive, 80, models.TierNano)
	warming := seedAccount(t, st, 3, models.AccountStateWarmingUp, 95, models.TierNano)
	seedAccount(t, st, 4, models.AccountStatePaused, 99, models.TierNano)
	seedAccount(t, st, 5, models.AccountStateBanned, 99, models.TierNano)

	sel := newSelector(st, nil)
	rng := rand.New(rand.NewSource(1))

	got, err := sel.SelectAccounts(ctx, owner, 10, selector.Criteria{
		ActionType: models.ActionPost,
		Exclude:    []uint{active1},
	}, rng)
	require.NoError(t, err)

	ids := map[uint]bool{}
	for _, acc := range got {
		ids[acc.ID] = true
	}
	assert.False(ids[active1], "excluded account selected")
	assert.False(ids[warming], "warming account selected without IncludeWarming")
	assert.Len(got, 1)

	// warming accounts admitted when the criteria allows them
	got, err = sel.SelectAccounts(ctx, owner, 10, selector.Criteria{
		ActionType:     models.ActionBrowse,
		IncludeWarming: true,
	}, rng)
	require.NoError(t, err)
	assert.Len(got, 3)
}

func TestSelectDropsRateLimited(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemstore()

	limited := seedAccount(t, st, 1, models.AccountStateActive, 90, models.TierNano)
	free := seedAccount(t, st, 2, models.AccountStateActive, 90, models.TierNano)

	cs := ratelimit.NewMemCountStore()
	cfg := ratelimit.DefaultConfig()
	cfg.Limits[models.ActionPost] = ratelimit.Limits{Hourly: 1, Daily: 10}
	lim := ratelimit.NewLimiter(cs, cfg, nil)
	require.NoError(t, lim.Record(ctx, limited, models.ActionPost))

	sel := newSelector(st, lim)
	got, err := sel.SelectAccounts(ctx, owner, 10, selector.Criteria{ActionType: models.ActionPost}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, free, got[0].ID)
}

func TestRotationChangesLead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemstore()
	for i := 0; i < 5; i++ {
		seedAccount(t, st, i, models.AccountStateActive, 90, models.TierNano)
	}

	sel := newSelector(st, nil)
	criteria := selector.Criteria{ActionType: models.ActionPost}

	// identical scores via equal health and a nil-perturbation source; the
	// persisted cursor should still advance the lead between calls
	first, err := sel.SelectAccounts(ctx, owner, 5, criteria, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	second, err := sel.SelectAccounts(ctx, owner, 5, criteria, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	require.Len(t, first, 5)
	require.Len(t, second, 5)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestBalanceByTier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemstore()

	for i := 0; i < 4; i++ {
		seedAccount(t, st, i, models.AccountStateActive, 90, models.TierNano)
	}
	for i := 4; i < 8; i++ {
		seedAccount(t, st, i, models.AccountStateActive, 90, models.TierMicro)
	}

	sel := newSelector(st, nil)
	got, err := sel.SelectAccounts(ctx, owner, 4, selector.Criteria{ActionType: models.ActionPost}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.Len(t, got, 4)

	perTier := map[models.AccountTier]int{}
	for _, acc := range got {
		perTier[acc.Tier]++
	}
	assert.Equal(t, 2, perTier[models.TierNano])
	assert.Equal(t, 2, perTier[models.TierMicro])
}

func TestScoreWeighting(t *testing.T) {
	assert := assert.New(t)
	st := store.NewMemstore()
	sel := newSelector(st, nil)
	now := time.Now()

	healthy := &models.Account{HealthScore: 100}
	sickly := &models.Account{HealthScore: 10}
	// without a perturbation source, health dominates for equally-idle accounts
	assert.Greater(sel.Score(healthy, now, nil), sel.Score(sickly, now, nil))

	// a recently-used account scores below an idle twin
	busy := &models.Account{HealthScore: 50, LastActions: models.ActionTimes{models.ActionPost: now.Add(-time.Minute)}}
	idle := &models.Account{HealthScore: 50, LastActions: models.ActionTimes{models.ActionPost: now.Add(-72 * time.Hour)}}
	assert.Greater(sel.Score(idle, now, nil), sel.Score(busy, now, nil))
}

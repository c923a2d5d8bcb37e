package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"audit-ledger/internal/audit"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseline_ObserveCapsAndDedupes(t *testing.T) {
	b := NewBaseline("u-1")
	for i := 0; i < 8; i++ {
		b.Observe(audit.AuditEvent{Action: audit.ActionRead, IPAddress: fmt.Sprintf("10.0.0.%d", i)}, noon, 12)
	}
	b.Observe(audit.AuditEvent{Action: audit.ActionRead, IPAddress: "10.0.0.7"}, noon, 12)

	assert.Equal(t, []string{"10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6", "10.0.0.7"}, b.NormalLocations)
	assert.Equal(t, []string{"READ"}, b.TypicalActions)
	assert.Equal(t, 9, b.EventCount)
}

func TestBaseline_TypicalActionsFIFO(t *testing.T) {
	b := NewBaseline("u-1")
	actions := []audit.Action{
		audit.ActionRead, audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete,
		audit.ActionLogin, audit.ActionLogout, audit.ActionExport, audit.ActionBulkRead,
		audit.ActionAdminAccess, audit.ActionRoleChange, audit.ActionPermissionChange,
	}
	for _, a := range actions {
		b.Observe(audit.AuditEvent{Action: a}, noon, 12)
	}
	require.Len(t, b.TypicalActions, MaxTypicalActions)
	assert.False(t, b.HasAction(audit.ActionRead), "oldest action is evicted")
	assert.True(t, b.HasAction(audit.ActionPermissionChange))
}

func TestBaseline_PHIBecomesTypical(t *testing.T) {
	b := NewBaseline("u-1")
	b.Observe(audit.AuditEvent{Action: audit.ActionRead, PHIAccessed: true}, noon, 12)
	assert.True(t, b.HasAction(audit.ActionPHIAccess))

	e := audit.AuditEvent{Action: audit.ActionRead, PHIAccessed: true}
	assert.Equal(t, 10, NewScorer(time.UTC).AnomalyScore(e, &b, noon))
}

func TestBaseline_HoursDriftTowardActivity(t *testing.T) {
	b := NewBaseline("u-1")
	b.Observe(audit.AuditEvent{Action: audit.ActionRead}, noon, 20)
	b.Observe(audit.AuditEvent{Action: audit.ActionRead}, noon, 3)
	b.Observe(audit.AuditEvent{Action: audit.ActionRead}, noon, 12)
	assert.Equal(t, [2]int{8, 18}, b.NormalHours)
}

func TestBaseline_SessionAverages(t *testing.T) {
	b := NewBaseline("u-1")
	start := noon
	obs := func(session string, offset time.Duration) {
		b.Observe(audit.AuditEvent{Action: audit.ActionRead, SessionID: session}, start.Add(offset), 12)
	}
	obs("s1", 0)
	obs("s1", 10*time.Minute)
	obs("s1", 20*time.Minute)
	obs("s2", time.Hour)
	obs("s2", time.Hour+40*time.Minute)
	obs("s3", 2*time.Hour)

	assert.Equal(t, 2, b.SessionCount)
	assert.Equal(t, 30*time.Minute, b.AvgSessionDuration)
	assert.InDelta(t, 2.5, b.AvgRequestsPerSession, 0.0001)
	assert.Equal(t, "s3", b.CurrentSession)
}

func testBaselineStores(t *testing.T) map[string]BaselineStore {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]BaselineStore{
		"memory": NewMemoryBaselineStore(),
		"redis":  NewRedisBaselineStore(rdb, time.Hour),
	}
}

func TestBaselineStores_LifeCycle(t *testing.T) {
	for name, store := range testBaselineStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, "u-1")
			require.NoError(t, err)
			assert.False(t, ok, "created lazily")

			got, err := store.Update(ctx, "u-1", func(b *Baseline) {
				b.Observe(audit.AuditEvent{Action: audit.ActionRead, IPAddress: "10.1.1.1"}, noon, 12)
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"READ"}, got.TypicalActions)

			stored, ok, err := store.Get(ctx, "u-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "u-1", stored.UserID)
			assert.Equal(t, []string{"10.1.1.1"}, stored.NormalLocations)
			assert.Equal(t, 1, stored.EventCount)

			require.NoError(t, store.Reset(ctx, "u-1"))
			_, ok, err = store.Get(ctx, "u-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryBaselineStore_LookupsDoNotGrowMap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBaselineStore()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("stranger-%d", i)
		_, ok, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, store.Reset(ctx, id))
	}
	assert.Empty(t, store.users)

	_, err := store.Update(ctx, "u-1", func(b *Baseline) {})
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx, "u-1"))
	assert.Len(t, store.users, 1)
	_, ok, err := store.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBaselineStores_ConcurrentUpdatesAreSerialized(t *testing.T) {
	for name, store := range testBaselineStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 10
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Update(ctx, "u-2", func(b *Baseline) {
						b.Observe(audit.AuditEvent{Action: audit.ActionRead}, noon, 12)
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			b, ok, err := store.Get(ctx, "u-2")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, n, b.EventCount)
		})
	}
}

func TestRedisBaselineStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	store := NewRedisBaselineStore(rdb, time.Minute)
	ctx := context.Background()
	_, err := store.Update(ctx, "u-3", func(b *Baseline) {})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(defaultBaselinePrefix+"u-3"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := store.Get(ctx, "u-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBaselineStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = rdb.Close() }()
	mr.Close()

	_, _, err := NewRedisBaselineStore(rdb, 0).Get(context.Background(), "u-4")
	assert.ErrorIs(t, err, ErrBaselineUnavailable)
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnbcost/fnbcost/internal/shared"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type registryFixture struct {
	store    Store
	registry *Registry
	clk      *clock
	advance  func(time.Duration)
}

type storeFactory func(t *testing.T) registryFixture

func newFixture(store Store) registryFixture {
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	registry := NewRegistry(store, DefaultLifetime(), nil)
	registry.now = clk.Now
	return registryFixture{
		store:    store,
		registry: registry,
		clk:      clk,
		advance:  func(d time.Duration) { clk.now = clk.now.Add(d) },
	}
}

func memoryFactory(t *testing.T) registryFixture {
	return newFixture(NewMemoryStore())
}

func redisFactory(t *testing.T) registryFixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(NewRedisStore(client))
	mr.SetTime(f.clk.now)
	f.advance = func(d time.Duration) {
		f.clk.now = f.clk.now.Add(d)
		mr.SetTime(f.clk.now)
		mr.FastForward(d)
	}
	return f
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func TestSessionLifecycle(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry, clk := f.registry, f.clk
			ctx := context.Background()

			s, err := registry.Issue(ctx, IssueRequest{PrincipalID: 1, DeviceFingerprint: "phone", Permissions: []string{"outlets.view"}})
			require.NoError(t, err)
			assert.Equal(t, clk.now.Add(8*time.Hour), s.ExpiresAt)
			assert.False(t, s.Trusted)

			f.advance(7 * time.Hour)
			touched, err := registry.Resolve(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, clk.now, touched.LastActivity)
			assert.Equal(t, clk.now.Add(8*time.Hour), touched.ExpiresAt, "activity slides the idle bound")

			f.advance(7 * time.Hour)
			touched, err = registry.Resolve(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, clk.now.Add(8*time.Hour), touched.ExpiresAt)

			f.advance(7 * time.Hour)
			touched, err = registry.Resolve(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.IssuedAt.Add(24*time.Hour), touched.ExpiresAt, "idle bound capped by max age")

			f.advance(3 * time.Hour)
			_, err = registry.Resolve(ctx, s.ID)
			assert.Error(t, err)
		})
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry := f.registry
			ctx := context.Background()

			s, err := registry.Issue(ctx, IssueRequest{PrincipalID: 1})
			require.NoError(t, err)

			f.advance(8 * time.Hour)
			_, err = registry.Resolve(ctx, s.ID)
			if name == "memory" {
				assert.ErrorIs(t, err, ErrSessionExpired)
			} else {
				assert.ErrorIs(t, err, ErrSessionNotFound, "redis expires the key itself")
			}

			_, err = registry.Resolve(ctx, s.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound, "expired sessions are removed on access")
		})
	}
}

func TestTrustedDeviceSkipsIdleBound(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry := f.registry
			ctx := context.Background()

			first, err := registry.Issue(ctx, IssueRequest{PrincipalID: 2, DeviceFingerprint: "desk"})
			require.NoError(t, err)
			other, err := registry.Issue(ctx, IssueRequest{PrincipalID: 2, DeviceFingerprint: "kiosk"})
			require.NoError(t, err)

			updated, err := registry.SetDeviceTrust(ctx, 2, "desk", true)
			require.NoError(t, err)
			assert.Equal(t, 1, updated)

			f.advance(12 * time.Hour)
			s, err := registry.Resolve(ctx, first.ID)
			require.NoError(t, err, "trusted device survives idle bound")
			assert.True(t, s.Trusted)
			assert.Equal(t, first.IssuedAt.Add(24*time.Hour), s.ExpiresAt)

			_, err = registry.Resolve(ctx, other.ID)
			assert.Error(t, err)

			again, err := registry.Issue(ctx, IssueRequest{PrincipalID: 2, DeviceFingerprint: "desk"})
			require.NoError(t, err)
			assert.True(t, again.Trusted, "device trust persists across logins")

			_, err = registry.SetDeviceTrust(ctx, 2, " ", true)
			var verr *shared.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestDeviceTrustDoesNotReviveIdleExpiredSession(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry := f.registry
			ctx := context.Background()

			stale, err := registry.Issue(ctx, IssueRequest{PrincipalID: 7, DeviceFingerprint: "laptop"})
			require.NoError(t, err)

			f.advance(9 * time.Hour)
			updated, err := registry.SetDeviceTrust(ctx, 7, "laptop", true)
			require.NoError(t, err)
			assert.Zero(t, updated)

			_, err = registry.Resolve(ctx, stale.ID)
			assert.Error(t, err, "idle-expired session stays dead")

			fresh, err := registry.Issue(ctx, IssueRequest{PrincipalID: 7, DeviceFingerprint: "laptop"})
			require.NoError(t, err)
			assert.True(t, fresh.Trusted)
		})
	}
}

func TestRevokeAndList(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry := f.registry
			ctx := context.Background()

			a, err := registry.Issue(ctx, IssueRequest{PrincipalID: 3})
			require.NoError(t, err)
			f.advance(time.Minute)
			b, err := registry.Issue(ctx, IssueRequest{PrincipalID: 3})
			require.NoError(t, err)
			foreign, err := registry.Issue(ctx, IssueRequest{PrincipalID: 4})
			require.NoError(t, err)

			list, err := registry.List(ctx, 3)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, b.ID, list[0].ID, "newest first")

			_, err = registry.Revoke(ctx, foreign.ID, 3, false)
			var nf *shared.NotFoundError
			assert.ErrorAs(t, err, &nf, "other principals' sessions look absent")

			_, err = registry.Revoke(ctx, foreign.ID, 3, true)
			require.NoError(t, err)

			_, err = registry.Revoke(ctx, a.ID, 3, false)
			require.NoError(t, err)
			list, err = registry.List(ctx, 3)
			require.NoError(t, err)
			require.Len(t, list, 1)

			n, err := registry.RevokeAll(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = registry.Resolve(ctx, b.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestStatsAndPurge(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			f := factory(t)
			registry := f.registry
			ctx := context.Background()

			_, err := registry.Issue(ctx, IssueRequest{PrincipalID: 5})
			require.NoError(t, err)
			f.advance(2 * time.Hour)
			_, err = registry.Issue(ctx, IssueRequest{PrincipalID: 5})
			require.NoError(t, err)
			_, err = registry.Issue(ctx, IssueRequest{PrincipalID: 6})
			require.NoError(t, err)

			stats, err := registry.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Active)
			assert.Equal(t, 2, stats.Principals)
			assert.Equal(t, 2, stats.ByPrincipal[5])
			assert.Equal(t, 2, stats.IssuedLastHour)

			f.advance(7 * time.Hour)
			purged, err := registry.PurgeExpired(ctx)
			require.NoError(t, err)
			if name == "memory" {
				assert.Equal(t, 1, purged)
			}

			stats, err = registry.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Active)
		})
	}
}

func TestRedisStoreDropsExpiredKeys(t *testing.T) {
	f := redisFactory(t)
	ctx := context.Background()

	s, err := f.registry.Issue(ctx, IssueRequest{PrincipalID: 9})
	require.NoError(t, err)

	f.advance(9 * time.Hour)
	_, err = f.store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	list, err := f.store.ListByPrincipal(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, list)

	all, err := f.store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

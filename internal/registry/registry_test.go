package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/orchestrator/internal/apperr"
)

func testKeyProvider(t *testing.T) *MasterKeyProvider {
	t.Helper()
	p, err := NewMasterKeyProvider(t.TempDir(), nil)
	require.NoError(t, err)
	return p
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers a new service", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)

		rec, err := reg.Register(context.Background(), Config{
			Name:     "web-search",
			Endpoint: "http://localhost:9001",
			Capability: []Capability{
				{Action: "search.query", Idempotent: true},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "web-search", rec.Name)
		assert.True(t, rec.Enabled)
		assert.False(t, rec.Core)
		assert.Equal(t, TrustAskOnce, rec.TrustLevel)
		assert.Equal(t, HealthUnknown, rec.Health)
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		cfg := Config{Name: "web-search", Endpoint: "http://localhost:9001"}

		_, err := reg.Register(context.Background(), cfg)
		require.NoError(t, err)

		_, err = reg.Register(context.Background(), cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
	})

	t.Run("marks fixed core services automatically", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		rec, err := reg.Register(context.Background(), Config{
			Name:     "intent-classifier",
			Endpoint: "http://localhost:9000",
		})
		require.NoError(t, err)
		assert.True(t, rec.Core)
	})

	t.Run("encrypts credential at rest and round-trips via Decrypt", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		rec, err := reg.Register(context.Background(), Config{
			Name:       "weather",
			Endpoint:   "http://localhost:9002",
			Credential: "super-secret-api-key",
		})
		require.NoError(t, err)
		require.NotNil(t, rec.Credential)
		assert.NotEqual(t, "super-secret-api-key", string(rec.Credential.Ciphertext))

		plain, err := reg.DecryptCredential("weather")
		require.NoError(t, err)
		assert.Equal(t, "super-secret-api-key", plain)
	})
}

func TestRegistryUpdate(t *testing.T) {
	t.Run("applies partial updates", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		_, err := reg.Register(context.Background(), Config{Name: "weather", Endpoint: "http://old"})
		require.NoError(t, err)

		newEndpoint := "http://new"
		rec, err := reg.Update(context.Background(), "weather", Patch{Endpoint: &newEndpoint})
		require.NoError(t, err)
		assert.Equal(t, "http://new", rec.Endpoint)
	})

	t.Run("refuses to disable a core service", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		_, err := reg.Register(context.Background(), Config{Name: "conversation-store", Endpoint: "http://x"})
		require.NoError(t, err)

		disabled := false
		_, err = reg.Update(context.Background(), "conversation-store", Patch{Enabled: &disabled})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrProtectedCore)
	})

	t.Run("unknown service returns ErrNotFound", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		_, err := reg.Update(context.Background(), "nope", Patch{})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestRegistryRemove(t *testing.T) {
	t.Run("removes a non-core service", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		_, err := reg.Register(context.Background(), Config{Name: "weather", Endpoint: "http://x"})
		require.NoError(t, err)

		require.NoError(t, reg.Remove(context.Background(), "weather"))
		_, err = reg.Get("weather")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("refuses to remove a core service", func(t *testing.T) {
		reg := New(nil, "test", testKeyProvider(t), nil)
		_, err := reg.Register(context.Background(), Config{Name: "long-term-memory", Endpoint: "http://x"})
		require.NoError(t, err)

		err = reg.Remove(context.Background(), "long-term-memory")
		assert.ErrorIs(t, err, apperr.ErrProtectedCore)
	})
}

func TestRegistryListVariants(t *testing.T) {
	reg := New(nil, "test", testKeyProvider(t), nil)
	ctx := context.Background()
	_, err := reg.Register(ctx, Config{Name: "intent-classifier", Endpoint: "http://a"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, Config{Name: "weather", Endpoint: "http://b"})
	require.NoError(t, err)
	disabled := false
	_, err = reg.Update(ctx, "weather", Patch{Enabled: &disabled})
	require.NoError(t, err)

	assert.Len(t, reg.List(), 2)
	assert.Len(t, reg.ListCore(), 1)
	assert.Len(t, reg.ListExternal(), 1)
	assert.Len(t, reg.ListEnabled(), 1)
}

func TestRegistryRecordHealth(t *testing.T) {
	reg := New(nil, "test", testKeyProvider(t), nil)
	ctx := context.Background()
	_, err := reg.Register(ctx, Config{Name: "weather", Endpoint: "http://x"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordHealth(ctx, "weather", HealthUnhealthy, 5*time.Millisecond, assert.AnError))
	rec, err := reg.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, rec.Health)
	assert.Equal(t, 1, rec.ConsecutiveFailures)

	require.NoError(t, reg.RecordHealth(ctx, "weather", HealthHealthy, time.Millisecond, nil))
	rec, err = reg.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, rec.Health)
	assert.Equal(t, 0, rec.ConsecutiveFailures)

	hist := reg.HealthHistory("weather")
	assert.Len(t, hist, 2)
}

func TestRegistryRecordCall(t *testing.T) {
	reg := New(nil, "test", testKeyProvider(t), nil)
	ctx := context.Background()
	_, err := reg.Register(ctx, Config{Name: "weather", Endpoint: "http://x"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordCall(ctx, "weather", true, 100))
	require.NoError(t, reg.RecordCall(ctx, "weather", false, 200))

	rec, err := reg.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Stats.TotalRequests)
	assert.Equal(t, int64(1), rec.Stats.TotalErrors)
	assert.InDelta(t, 150, rec.Stats.AvgLatencyMs, 0.001)
}

func TestRegistryRedisPersistence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := New(rdb, "orch-test", testKeyProvider(t), nil)

	_, err = reg.Register(context.Background(), Config{Name: "weather", Endpoint: "http://x"})
	require.NoError(t, err)

	reloaded := New(rdb, "orch-test", testKeyProvider(t), nil)
	require.NoError(t, reloaded.LoadFromRedis(context.Background()))

	rec, err := reloaded.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "http://x", rec.Endpoint)
}

func TestActionAllowedAndIdempotent(t *testing.T) {
	rec := &Record{
		Capability: []Capability{
			{Action: "search.query", Idempotent: true},
			{Action: "memory.store", Idempotent: false},
		},
		AllowedActions: []string{"search.query"},
	}

	assert.True(t, rec.ActionAllowed("search.query"))
	assert.False(t, rec.ActionAllowed("memory.store"))
	assert.False(t, rec.ActionAllowed("unknown.action"))
	assert.True(t, rec.IsIdempotent("search.query"))
	assert.False(t, rec.IsIdempotent("memory.store"))
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive("memory.delete"))
	assert.False(t, IsSensitive("search.query"))
}

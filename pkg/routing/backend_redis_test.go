package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisBackend_Integration requires a running Redis on localhost.
func TestRedisBackend_Integration(t *testing.T) {
	prefix := fmt.Sprintf("eventfabric-test-%d", time.Now().UnixNano())
	backend := NewRedisBackendFromAddr("localhost:6379", "", 0, prefix)
	ctx := context.Background()
	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = backend.Close() })

	clk := clock.NewMock()
	clk.Set(epoch)
	store := NewPheromoneStore(backend, StoreOptions{Clock: clk, EvaporationFactor: 0.5})

	_, err := store.Deposit(ctx, "orders/billing", Deposit{Success: true, Strength: 8, Latency: 20 * time.Millisecond})
	require.NoError(t, err)
	tr, err := store.Deposit(ctx, "orders/billing", Deposit{Success: false, Latency: 40 * time.Millisecond})
	require.NoError(t, err)

	assert.InDelta(t, 8, tr.Strength, 1e-9)
	assert.Equal(t, uint64(1), tr.SuccessCount)
	assert.Equal(t, uint64(1), tr.FailureCount)
	assert.InDelta(t, float64(30*time.Millisecond), float64(tr.AvgLatency), float64(time.Microsecond))
	assert.Equal(t, epoch, tr.CreatedAt)

	clk.Add(DefaultHalfLife)
	got, err := store.Strength(ctx, "orders/billing")
	require.NoError(t, err)
	assert.InDelta(t, 4, got, 1e-6)

	_, err = store.Deposit(ctx, "weak", Deposit{Success: true, Strength: 0.15})
	require.NoError(t, err)
	removed, err := store.Evaporate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	trails, err := store.Trails(ctx)
	require.NoError(t, err)
	require.Len(t, trails, 1)
	assert.InDelta(t, 2, trails[0].Strength, 1e-6)

	require.NoError(t, store.Forget(ctx, "orders/billing"))
	_, err = store.Trail(ctx, "orders/billing")
	assert.ErrorIs(t, err, ErrTrailNotFound)

	require.NoError(t, store.Restore(ctx, []Trail{tr}))
	restored, err := store.Trail(ctx, "orders/billing")
	require.NoError(t, err)
	assert.Equal(t, tr.SuccessCount, restored.SuccessCount)
	assert.Equal(t, tr.StrengthAt, restored.StrengthAt)

	require.NoError(t, store.Forget(ctx, "orders/billing"))
}

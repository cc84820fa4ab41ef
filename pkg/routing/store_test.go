package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts StoreOptions) (*PheromoneStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	opts.Clock = clk
	return NewPheromoneStore(nil, opts), clk
}

func TestStore_DepositAccumulates(t *testing.T) {
	s, clk := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Deposit(ctx, "orders/billing", Deposit{Success: true, Strength: 10})
		require.NoError(t, err)
	}
	got, err := s.Strength(ctx, "orders/billing")
	require.NoError(t, err)
	assert.InDelta(t, 30, got, 1e-9)

	clk.Add(DefaultHalfLife)
	got, err = s.Strength(ctx, "orders/billing")
	require.NoError(t, err)
	assert.InDelta(t, 15, got, 1e-9)

	tr, err := s.Deposit(ctx, "orders/billing", Deposit{Success: true, Strength: 5})
	require.NoError(t, err)
	assert.InDelta(t, 20, tr.Strength, 1e-9)
	assert.Equal(t, clk.Now(), tr.StrengthAt)
	assert.Equal(t, uint64(4), tr.SuccessCount)
}

func TestStore_FailureRecordedWithoutReinforcing(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	_, err := s.Deposit(ctx, "a/b", Deposit{Success: true})
	require.NoError(t, err)
	tr, err := s.Deposit(ctx, "a/b", Deposit{Success: false, Strength: 3})
	require.NoError(t, err)

	assert.InDelta(t, 1, tr.Strength, 1e-9)
	assert.Equal(t, uint64(1), tr.FailureCount)
	assert.InDelta(t, 3, tr.Signals[SignalFailure], 1e-9)
	assert.InDelta(t, 0.5, tr.Reliability(), 1e-9, "(1+1)/(1+1+2)")
}

func TestStore_RewardAndLoad(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	tr, err := s.Deposit(ctx, "a/b", Deposit{Success: true, Reward: 4, LoadDelta: 2})
	require.NoError(t, err)
	assert.InDelta(t, 5, tr.Strength, 1e-9)
	assert.InDelta(t, 2, tr.CurrentLoad, 1e-9)

	tr, err = s.Deposit(ctx, "a/b", Deposit{Success: true, Reward: -1, LoadDelta: -5})
	require.NoError(t, err)
	assert.InDelta(t, 6, tr.Strength, 1e-9)
	assert.InDelta(t, 3, tr.Signals[SignalReward], 1e-9)
	assert.Zero(t, tr.CurrentLoad)
}

func TestStore_EmptyPathRejected(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	_, err := s.Deposit(context.Background(), "", Deposit{Success: true})
	require.Error(t, err)
}

func TestStore_UnknownPath(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	got, err := s.Strength(ctx, "nowhere")
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = s.Trail(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrTrailNotFound)
}

func TestStore_ConcurrentDeposits(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := s.Deposit(ctx, "hot/path", Deposit{Success: true, Latency: time.Millisecond})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	tr, err := s.Trail(ctx, "hot/path")
	require.NoError(t, err)
	assert.InDelta(t, 1000, tr.Strength, 1e-6)
	assert.Equal(t, uint64(1000), tr.SuccessCount)
	assert.Equal(t, time.Millisecond, tr.AvgLatency)
}

func TestStore_EvaporationRemovesWeakTrails(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{EvaporationFactor: 0.8})
	ctx := context.Background()

	_, err := s.Deposit(ctx, "weak", Deposit{Success: true, Strength: 1})
	require.NoError(t, err)

	for pass := 1; pass <= 10; pass++ {
		removed, err := s.Evaporate(ctx)
		require.NoError(t, err)
		require.Zero(t, removed, "pass %d", pass)
	}
	removed, err := s.Evaporate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Trail(ctx, "weak")
	assert.ErrorIs(t, err, ErrTrailNotFound)
}

func TestStore_DefaultEvaporationTakesTwentyTwoPasses(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	_, err := s.Deposit(ctx, "weak", Deposit{Success: true, Strength: 1})
	require.NoError(t, err)

	passes := 0
	for {
		passes++
		removed, err := s.Evaporate(ctx)
		require.NoError(t, err)
		if removed > 0 {
			break
		}
		require.Less(t, passes, 100)
	}
	assert.Equal(t, 22, passes)
}

func TestStore_EvaporationAppliesTimeDecay(t *testing.T) {
	s, clk := newTestStore(t, StoreOptions{EvaporationFactor: 1})
	ctx := context.Background()

	_, err := s.Deposit(ctx, "p", Deposit{Success: true, Strength: 8})
	require.NoError(t, err)
	clk.Add(DefaultHalfLife)

	_, err = s.Evaporate(ctx)
	require.NoError(t, err)
	tr, err := s.Trail(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 4, tr.Strength, 1e-9)
	assert.Equal(t, clk.Now(), tr.StrengthAt)

	// A second pass at the same instant must not decay twice.
	_, err = s.Evaporate(ctx)
	require.NoError(t, err)
	got, err := s.Strength(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 4, got, 1e-9)
}

func TestStore_EvaporateConcurrentWithDeposits(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{EvaporationFactor: 0.99})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := s.Deposit(ctx, fmt.Sprintf("p/%d", i), Deposit{Success: true, Latency: time.Millisecond})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			_, err := s.Evaporate(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	trails, err := s.Trails(ctx)
	require.NoError(t, err)
	assert.Len(t, trails, 8)
	for _, tr := range trails {
		assert.Equal(t, uint64(50), tr.SuccessCount)
		assert.Greater(t, tr.Strength, 0.0)
	}
}

func TestStore_TopPaths(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	for path, n := range map[string]float64{"a": 5, "b": 900, "c": 60, "d": 60} {
		_, err := s.Deposit(ctx, path, Deposit{Success: true, Strength: n})
		require.NoError(t, err)
	}

	top, err := s.TopPaths(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, PathScore{Path: "b", Strength: 900, Tier: "top"}, top[0])
	assert.Equal(t, "c", top[1].Path)
	assert.Equal(t, "d", top[2].Path)
	assert.Equal(t, "mid", top[1].Tier)

	all, err := s.TopPaths(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_LatencyPercentileWindow(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{MaxSamplesPerKey: 3})
	ctx := context.Background()

	for _, ms := range []int{10, 20, 30, 40} {
		_, err := s.Deposit(ctx, "p", Deposit{Success: true, Latency: time.Duration(ms) * time.Millisecond})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.SampleCount("p"))
	assert.Equal(t, 20*time.Millisecond, s.LatencyPercentile("p", 0))
	assert.Equal(t, 30*time.Millisecond, s.LatencyPercentile("p", 0.5))
	assert.Equal(t, 40*time.Millisecond, s.LatencyPercentile("p", 0.99))
	assert.Zero(t, s.LatencyPercentile("missing", 0.5))
}

func TestStore_EvaporationPrunesSamples(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{EvaporationFactor: 0.01})
	ctx := context.Background()

	_, err := s.Deposit(ctx, "p", Deposit{Success: true, Latency: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 1, s.SampleCount("p"))

	removed, err := s.Evaporate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, s.SampleCount("p"))
}

func TestStore_ForgetAndRestore(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	tr, err := s.Deposit(ctx, "p", Deposit{Success: true, Strength: 7, Latency: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Forget(ctx, "p"))
	assert.Zero(t, s.SampleCount("p"))
	_, err = s.Trail(ctx, "p")
	require.ErrorIs(t, err, ErrTrailNotFound)

	require.NoError(t, s.Restore(ctx, []Trail{tr}))
	got, err := s.Strength(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 7, got, 1e-9)
}

func TestStore_RunEvaporatesOnTicker(t *testing.T) {
	s, clk := newTestStore(t, StoreOptions{EvaporationFactor: 0.01})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.Deposit(ctx, "p", Deposit{Success: true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		_, err := s.Trail(context.Background(), "p")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

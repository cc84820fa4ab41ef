package resiliency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeed() error { return nil }

func newTestBreaker(t *testing.T) (*CircuitBreaker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cb := NewCircuitBreaker("test", Options{Clock: mock})
	return cb, mock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		require.ErrorIs(t, cb.Execute(failing), errBoom)
		require.Equal(t, StateClosed, cb.State(), "failure %d", i+1)
	}

	require.ErrorIs(t, cb.Execute(failing), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenFailsFastWithoutCalling(t *testing.T) {
	cb, mock := newTestBreaker(t)
	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = cb.Execute(failing)
	}

	var calls int
	err := cb.Execute(func() error { calls++; return nil })

	require.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Equal(t, mock.Now().Add(DefaultResetTimeout), openErr.RetryAt)
	assert.Zero(t, calls)
}

func TestCircuitBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	cb, mock := newTestBreaker(t)
	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = cb.Execute(failing)
	}

	mock.Add(DefaultResetTimeout - time.Millisecond)
	require.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)

	mock.Add(time.Millisecond)
	require.NoError(t, cb.Execute(succeed))

	snap := cb.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Zero(t, snap.FailureCount)
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb, mock := newTestBreaker(t)
	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = cb.Execute(failing)
	}
	mock.Add(DefaultResetTimeout)

	require.ErrorIs(t, cb.Execute(failing), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// lastFailure was refreshed, so the full timeout applies again.
	mock.Add(DefaultResetTimeout / 2)
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
	mock.Add(DefaultResetTimeout / 2)
	assert.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb, mock := newTestBreaker(t)
	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = cb.Execute(failing)
	}
	mock.Add(DefaultResetTimeout)

	release := make(chan struct{})
	entered := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = cb.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var admitted atomic.Int32
	for i := 0; i < 10; i++ {
		err := cb.Execute(func() error { admitted.Add(1); return nil })
		require.ErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateHalfOpen, cb.State())

	close(release)
	wg.Wait()
	require.NoError(t, probeErr)
	assert.Zero(t, admitted.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		_ = cb.Execute(failing)
	}
	require.NoError(t, cb.Execute(succeed))
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		_ = cb.Execute(failing)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	mock := clock.NewMock()
	var transitions []string
	cb := NewCircuitBreaker("hooked", Options{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		Clock:            mock,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	mock.Add(time.Second)
	_ = cb.Execute(succeed)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker("race", Options{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(failing)
			} else {
				_ = cb.Execute(succeed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistry_OneBreakerPerKey(t *testing.T) {
	reg := NewRegistry(Options{FailureThreshold: 1, Clock: clock.NewMock()})

	a := reg.Get(Key("orders", "billing"))
	b := reg.Get(Key("orders", "audit"))
	require.Same(t, a, reg.Get("orders#billing"))
	require.NotSame(t, a, b)

	_ = a.Execute(failing)
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "orders#audit", snaps[0].Name)
	assert.Equal(t, "open", snaps[1].State)

	reg.Remove("orders#audit")
	assert.Equal(t, 1, reg.Len())
}

package locker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedPreparation_SharesOutcomeAcrossWaiters(t *testing.T) {
	gate := make(chan struct{})
	var runs int32

	prep := newSharedPreparation(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-gate
		return nil
	}, context.Background(), true)

	first, ok := prep.tryJoin()
	require.True(t, ok)
	second, ok := prep.tryJoin()
	require.True(t, ok)

	prep.start()

	done := make(chan error, 2)
	go func() { done <- first.Wait(context.Background()) }()
	go func() { done <- second.Wait(context.Background()) }()

	close(gate)

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestSharedPreparation_WaiterCancellationDoesNotDisturbOthers(t *testing.T) {
	gate := make(chan struct{})

	prep := newSharedPreparation(func(ctx context.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, context.Background(), true)

	cancelled, ok := prep.tryJoin()
	require.True(t, ok)
	patient, ok := prep.tryJoin()
	require.True(t, ok)

	prep.start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, cancelled.Wait(ctx), context.Canceled)

	// The computation is still running for the remaining
	// waiter.
	assert.False(t, prep.completed())

	close(gate)
	require.NoError(t, patient.Wait(context.Background()))
}

func TestSharedPreparation_LastWaiterCancelsComputation(t *testing.T) {
	observed := make(chan error, 1)

	prep := newSharedPreparation(func(ctx context.Context) error {
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	}, context.Background(), true)

	first, ok := prep.tryJoin()
	require.True(t, ok)
	second, ok := prep.tryJoin()
	require.True(t, ok)

	prep.start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, first.Wait(ctx), context.Canceled)
	require.ErrorIs(t, second.Wait(ctx), context.Canceled)

	// With no waiter left the internal context fires.
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("computation was not cancelled after all waiters resigned")
	}

	// Joining an abandoned computation fails.
	_, ok = prep.tryJoin()
	assert.False(t, ok)
}

func TestSharedPreparation_NonCancellableIgnoresWaiters(t *testing.T) {
	gate := make(chan struct{})

	prep := newSharedPreparation(func(ctx context.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, context.Background(), false)

	ticket, ok := prep.tryJoin()
	require.True(t, ok)

	prep.start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ticket.Wait(ctx), context.Canceled)

	// The computation survives the loss of its only waiter
	// and can still be joined.
	late, ok := prep.tryJoin()
	require.True(t, ok)

	close(gate)
	require.NoError(t, late.Wait(context.Background()))
}

func TestSharedPreparation_FaultReachesEveryWaiter(t *testing.T) {
	boom := fmt.Errorf("preparation went wrong")

	prep := newSharedPreparation(func(ctx context.Context) error {
		return boom
	}, context.Background(), true)

	first, ok := prep.tryJoin()
	require.True(t, ok)

	prep.start()
	require.ErrorIs(t, first.Wait(context.Background()), boom)

	// Waiters joining after completion observe the same
	// failure.
	late, ok := prep.tryJoin()
	require.True(t, ok)
	require.ErrorIs(t, late.Wait(context.Background()), boom)

	assert.True(t, prep.faulted())
}

func TestSharedPreparation_LateJoinObservesSuccess(t *testing.T) {
	prep := newSharedPreparation(func(ctx context.Context) error {
		return nil
	}, context.Background(), true)

	ticket, ok := prep.tryJoin()
	require.True(t, ok)
	prep.start()
	require.NoError(t, ticket.Wait(context.Background()))

	late, ok := prep.tryJoin()
	require.True(t, ok)
	require.NoError(t, late.Wait(context.Background()))
}

func TestSharedPreparation_StartIsIdempotent(t *testing.T) {
	var runs int32

	prep := newSharedPreparation(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, context.Background(), true)

	prep.start()
	prep.start()

	ticket, ok := prep.tryJoin()
	require.True(t, ok)
	require.NoError(t, ticket.Wait(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

package locker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"reslock_server/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopLogger :
// Logger discarding every message, used by the tests.
type nopLogger struct{}

func (nopLogger) Trace(level logger.Severity, module string, message string) {}

// shortCtx :
// Produces a context that fires quickly, used to assert
// that an acquisition blocks.
func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestAsyncReaderWriterLock_ConcurrentReaders(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	first, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)
	second, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)

	require.NoError(t, l.release(first))
	require.NoError(t, l.release(second))
}

func TestAsyncReaderWriterLock_WriteExcludesOthers(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	w, err := l.acquire(context.Background(), modeWrite, LockNone)
	require.NoError(t, err)

	_, err = l.acquire(shortCtx(t), modeRead, LockNone)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = l.acquire(shortCtx(t), modeUpgradeableRead, LockNone)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, l.release(w))

	// Once the write lock released, readers flow again.
	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)
	require.NoError(t, l.release(r))
}

func TestAsyncReaderWriterLock_Reentrancy(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	w, err := l.acquire(context.Background(), modeWrite, LockNone)
	require.NoError(t, err)
	ctx := withHandle(context.Background(), w)

	assert.True(t, l.IsWriteLockHeld(ctx))
	assert.True(t, l.IsAnyLockHeld(ctx))

	// Anything nests within a write lock.
	nestedRead, err := l.acquire(ctx, modeRead, LockNone)
	require.NoError(t, err)
	nestedWrite, err := l.acquire(ctx, modeWrite, LockNone)
	require.NoError(t, err)
	nestedUpgradeable, err := l.acquire(ctx, modeUpgradeableRead, LockNone)
	require.NoError(t, err)

	require.NoError(t, l.release(nestedUpgradeable))
	require.NoError(t, l.release(nestedWrite))

	// The exclusive access survives until the outermost
	// write lock releases.
	assert.True(t, l.IsWriteLockHeld(ctx))

	require.NoError(t, l.release(nestedRead))
	require.NoError(t, l.release(w))
	assert.False(t, l.IsWriteLockHeld(ctx))
}

func TestAsyncReaderWriterLock_DisallowedNesting(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)
	ctx := withHandle(context.Background(), r)

	_, err = l.acquire(ctx, modeWrite, LockNone)
	require.ErrorIs(t, err, ErrDisallowedNesting)

	_, err = l.acquire(ctx, modeUpgradeableRead, LockNone)
	require.ErrorIs(t, err, ErrDisallowedNesting)

	require.NoError(t, l.release(r))
}

func TestAsyncReaderWriterLock_SingleUpgradeable(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	u, err := l.acquire(context.Background(), modeUpgradeableRead, LockNone)
	require.NoError(t, err)

	_, err = l.acquire(shortCtx(t), modeUpgradeableRead, LockNone)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Plain readers coexist with the upgradeable read.
	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)

	require.NoError(t, l.release(r))
	require.NoError(t, l.release(u))

	second, err := l.acquire(context.Background(), modeUpgradeableRead, LockNone)
	require.NoError(t, err)
	require.NoError(t, l.release(second))
}

func TestAsyncReaderWriterLock_PendingWriterBlocksNewReaders(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)

	granted := make(chan *lockHandle, 1)
	go func() {
		w, err := l.acquire(context.Background(), modeWrite, LockNone)
		if err == nil {
			granted <- w
		}
	}()

	select {
	case <-granted:
		t.Fatal("write granted while a reader was active")
	case <-time.After(50 * time.Millisecond):
	}

	// The pending writer acts as a barrier for new readers
	// so that a continuous stream of them cannot starve it.
	_, err = l.acquire(shortCtx(t), modeRead, LockNone)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, l.release(r))

	var w *lockHandle
	select {
	case w = <-granted:
	case <-time.After(time.Second):
		t.Fatal("write was not granted after the readers drained")
	}
	require.NoError(t, l.release(w))
}

func TestAsyncReaderWriterLock_UpgradeFromUpgradeable(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)

	u, err := l.acquire(context.Background(), modeUpgradeableRead, LockNone)
	require.NoError(t, err)
	uctx := withHandle(context.Background(), u)

	granted := make(chan *lockHandle, 1)
	go func() {
		w, err := l.acquire(uctx, modeWrite, LockNone)
		if err == nil {
			granted <- w
		}
	}()

	select {
	case <-granted:
		t.Fatal("upgrade granted while a reader was active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.release(r))

	var w *lockHandle
	select {
	case w = <-granted:
	case <-time.After(time.Second):
		t.Fatal("upgrade was not granted after the readers drained")
	}

	assert.True(t, l.IsWriteLockHeld(withHandle(context.Background(), w)))
	assert.True(t, l.IsWriteLockHeld(uctx))

	require.NoError(t, l.release(w))
	require.NoError(t, l.release(u))
}

func TestAsyncReaderWriterLock_CancelQueuedWaiter(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	w, err := l.acquire(context.Background(), modeWrite, LockNone)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := l.acquire(ctx, modeRead, LockNone)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// The abandoned waiter does not linger in the queue.
	require.NoError(t, l.release(w))
	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)
	require.NoError(t, l.release(r))
}

func TestAsyncReaderWriterLock_StickyWrite(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	var hookRuns int32
	l.onExclusiveLockReleased = func(ctx context.Context) error {
		atomic.AddInt32(&hookRuns, 1)
		return nil
	}

	u, err := l.acquire(context.Background(), modeUpgradeableRead, LockStickyWrite)
	require.NoError(t, err)
	uctx := withHandle(context.Background(), u)

	w, err := l.acquire(uctx, modeWrite, LockNone)
	require.NoError(t, err)
	require.NoError(t, l.release(w))

	// The sticky upgradeable read retains the write access:
	// the release hook has not run yet and the context still
	// owns the exclusive access.
	assert.Equal(t, int32(0), atomic.LoadInt32(&hookRuns))
	assert.True(t, l.IsWriteLockHeld(uctx))

	// A second write nests without queueing.
	again, err := l.acquire(uctx, modeWrite, LockNone)
	require.NoError(t, err)
	require.NoError(t, l.release(again))
	assert.Equal(t, int32(0), atomic.LoadInt32(&hookRuns))

	require.NoError(t, l.release(u))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hookRuns))
	assert.False(t, l.IsWriteLockHeld(uctx))
}

func TestAsyncReaderWriterLock_ReleaseHookBlocksNextWaiter(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	gate := make(chan struct{})
	var hookDone int32
	l.onExclusiveLockReleased = func(ctx context.Context) error {
		<-gate
		atomic.StoreInt32(&hookDone, 1)
		return nil
	}

	w, err := l.acquire(context.Background(), modeWrite, LockNone)
	require.NoError(t, err)

	released := make(chan error, 1)
	go func() { released <- l.release(w) }()

	granted := make(chan int32, 1)
	go func() {
		r, err := l.acquire(context.Background(), modeRead, LockNone)
		if err != nil {
			granted <- -1
			return
		}
		granted <- atomic.LoadInt32(&hookDone)
		l.release(r)
	}()

	select {
	case <-granted:
		t.Fatal("reader admitted while the release hook was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-released)

	select {
	case observed := <-granted:
		// The reader only entered once the hook completed.
		assert.Equal(t, int32(1), observed)
	case <-time.After(time.Second):
		t.Fatal("reader was not admitted after the release hook completed")
	}
}

func TestAsyncReaderWriterLock_DoubleRelease(t *testing.T) {
	l := NewAsyncReaderWriterLock(nopLogger{})

	r, err := l.acquire(context.Background(), modeRead, LockNone)
	require.NoError(t, err)

	require.NoError(t, l.release(r))
	require.ErrorIs(t, l.release(r), ErrAlreadyReleased)
}

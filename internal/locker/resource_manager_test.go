package locker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// managedResource :
// Resource type used by the tests.
type managedResource struct {
	moniker string
}

// stubDelegate :
// Test implementation of the resource lock delegate. It
// caches resources by moniker, records every preparation
// in order and detects overlapping preparations. The
// behavior of the preparations can be customized per test
// through the hook attributes.
type stubDelegate struct {
	mu        sync.Mutex
	resources map[string]*managedResource
	log       []string
	fetches   int

	active     int32
	overlapped int32

	onConcurrent func(ctx context.Context, res *managedResource) error
	onExclusive  func(ctx context.Context, res *managedResource, flags LockFlags) error
}

func (d *stubDelegate) Fetch(ctx context.Context, moniker string) (*managedResource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resources == nil {
		d.resources = make(map[string]*managedResource)
	}
	d.fetches++

	res, ok := d.resources[moniker]
	if !ok {
		res = &managedResource{moniker: moniker}
		d.resources[moniker] = res
	}
	return res, nil
}

func (d *stubDelegate) PrepareConcurrent(ctx context.Context, res *managedResource) error {
	if atomic.AddInt32(&d.active, 1) > 1 {
		atomic.StoreInt32(&d.overlapped, 1)
	}
	defer atomic.AddInt32(&d.active, -1)

	d.mu.Lock()
	d.log = append(d.log, "concurrent:"+res.moniker)
	hook := d.onConcurrent
	d.mu.Unlock()

	if hook != nil {
		return hook(ctx, res)
	}
	return nil
}

func (d *stubDelegate) PrepareExclusive(ctx context.Context, res *managedResource, flags LockFlags) error {
	if atomic.AddInt32(&d.active, 1) > 1 {
		atomic.StoreInt32(&d.overlapped, 1)
	}
	defer atomic.AddInt32(&d.active, -1)

	d.mu.Lock()
	d.log = append(d.log, "exclusive:"+res.moniker)
	hook := d.onExclusive
	d.mu.Unlock()

	if hook != nil {
		return hook(ctx, res, flags)
	}
	return nil
}

// preparations :
// Returns a copy of the preparation log.
func (d *stubDelegate) preparations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	copy(out, d.log)
	return out
}

func newTestLock(d *stubDelegate) *ResourceLock[string, managedResource] {
	return NewResourceLock[string, managedResource](d, nopLogger{})
}

func TestResourceLock_GetResourceRequiresLock(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	rel, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	require.NoError(t, rel.Release())

	// The lock carried by the releaser has been released:
	// the resource access fails synchronously.
	_, err = rel.GetResource(context.Background(), "m")
	require.ErrorIs(t, err, ErrNoLockHeld)
	assert.Empty(t, d.preparations())
}

func TestResourceLock_SharedConcurrentPreparation(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	gate := make(chan struct{})
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		<-gate
		return nil
	}

	type outcome struct {
		res *managedResource
		err error
	}
	results := make(chan outcome, 2)

	for i := 0; i < 2; i++ {
		go func() {
			rel, err := l.ReadLock(context.Background())
			if err != nil {
				results <- outcome{err: err}
				return
			}
			defer rel.Release()

			res, err := rel.GetResource(context.Background(), "m")
			results <- outcome{res: res, err: err}
		}()
	}

	// Let both callers join the in-flight preparation, then
	// let it complete.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.res, second.res)

	assert.Equal(t, []string{"concurrent:m"}, d.preparations())
}

func TestResourceLock_ModeSwitchChainsPreparations(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	reader, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	res, err := reader.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, reader.Release())

	writer, err := l.WriteLock(context.Background(), LockNone)
	require.NoError(t, err)
	same, err := writer.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, writer.Release())

	assert.Same(t, res, same)
	assert.Equal(t, []string{"concurrent:m", "exclusive:m"}, d.preparations())
	assert.Zero(t, atomic.LoadInt32(&d.overlapped))
}

func TestResourceLock_WriteReleaseRestoresUpgradeableResources(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	upgradeable, err := l.UpgradeableReadLock(context.Background(), LockNone)
	require.NoError(t, err)

	_, err = upgradeable.GetResource(context.Background(), "m")
	require.NoError(t, err)

	writer, err := l.WriteLock(upgradeable.Context(), LockNone)
	require.NoError(t, err)
	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)

	// Releasing the write lock must re-prepare the resource
	// for concurrent access before the release returns.
	require.NoError(t, writer.Release())
	assert.Equal(t,
		[]string{"concurrent:m", "exclusive:m", "concurrent:m"},
		d.preparations())

	stats := l.Stats()
	assert.Equal(t, 1, stats.Resources)
	assert.Equal(t, 1, stats.Concurrent)

	require.NoError(t, upgradeable.Release())
}

func TestResourceLock_RestorationBlocksNextAcquirer(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	var restores int32
	gate := make(chan struct{})
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		// Only the restoration triggered by the write release
		// is slowed down.
		if atomic.AddInt32(&restores, 1) == 2 {
			<-gate
		}
		return nil
	}

	upgradeable, err := l.UpgradeableReadLock(context.Background(), LockNone)
	require.NoError(t, err)
	_, err = upgradeable.GetResource(context.Background(), "m")
	require.NoError(t, err)

	writer, err := l.WriteLock(upgradeable.Context(), LockNone)
	require.NoError(t, err)

	released := make(chan error, 1)
	go func() { released <- writer.Release() }()

	granted := make(chan error, 1)
	go func() {
		rel, err := l.ReadLock(context.Background())
		if err == nil {
			rel.Release()
		}
		granted <- err
	}()

	select {
	case <-granted:
		t.Fatal("reader admitted while the restoration was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-released)
	require.NoError(t, <-granted)

	require.NoError(t, upgradeable.Release())
}

func TestResourceLock_WaiterCancellationIsIsolated(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	gate := make(chan struct{})
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type outcome struct {
		err error
	}

	impatientCtx, cancelImpatient := context.WithCancel(context.Background())
	defer cancelImpatient()

	results := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		waiterCtx := context.Background()
		if i == 0 {
			waiterCtx = impatientCtx
		}
		go func(ctx context.Context) {
			rel, err := l.ReadLock(context.Background())
			if err != nil {
				results <- outcome{err: err}
				return
			}
			defer rel.Release()

			_, err = rel.GetResource(ctx, "m")
			results <- outcome{err: err}
		}(waiterCtx)
	}

	// Let the three callers join, then cancel one of them.
	time.Sleep(50 * time.Millisecond)
	cancelImpatient()

	var cancelled, succeeded int
	for i := 0; i < 3; i++ {
		if i == 0 {
			// The cancelled waiter observes its own failure
			// without waiting for the gate.
			out := <-results
			require.ErrorIs(t, out.err, context.Canceled)
			cancelled++
			close(gate)
			continue
		}
		out := <-results
		require.NoError(t, out.err)
		succeeded++
	}

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, []string{"concurrent:m"}, d.preparations())
}

func TestResourceLock_AbandonedPreparationRestarts(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	started := make(chan struct{}, 2)
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rel, err := l.ReadLock(context.Background())
			if err != nil {
				results <- err
				return
			}
			defer rel.Release()

			_, err = rel.GetResource(ctx, "m")
			results <- err
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-results, context.Canceled)
	require.ErrorIs(t, <-results, context.Canceled)

	// The preparation itself observed the cancellation once
	// the last waiter resigned.
	d.mu.Lock()
	d.onConcurrent = nil
	d.mu.Unlock()

	rel, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	_, err = rel.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, rel.Release())

	assert.Equal(t, []string{"concurrent:m", "concurrent:m"}, d.preparations())
}

func TestResourceLock_FaultedPreparationIsRetried(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	boom := fmt.Errorf("preparation exploded")
	var failures int32
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		if atomic.AddInt32(&failures, 1) == 1 {
			return boom
		}
		return nil
	}

	rel, err := l.ReadLock(context.Background())
	require.NoError(t, err)

	_, err = rel.GetResource(context.Background(), "m")
	require.ErrorIs(t, err, boom)

	// The next access chains a fresh preparation which may
	// succeed.
	res, err := rel.GetResource(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "m", res.moniker)

	require.NoError(t, rel.Release())
	assert.Equal(t, []string{"concurrent:m", "concurrent:m"}, d.preparations())
}

func TestResourceLock_MarkAllUnknownForcesRepreparation(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	writer, err := l.WriteLock(context.Background(), LockNone)
	require.NoError(t, err)

	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)

	require.NoError(t, l.MarkAllUnknown(writer.Context()))

	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)

	require.NoError(t, writer.Release())
	assert.Equal(t, []string{"exclusive:m", "exclusive:m"}, d.preparations())

	// After the write release every resource is unknown
	// again: a read access runs a fresh preparation.
	reader, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	_, err = reader.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, reader.Release())

	assert.Equal(t,
		[]string{"exclusive:m", "exclusive:m", "concurrent:m"},
		d.preparations())
}

func TestResourceLock_MarkAllUnknownRequiresWriteLock(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	require.ErrorIs(t, l.MarkAllUnknown(context.Background()), ErrWriteLockRequired)

	reader, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, l.MarkAllUnknown(reader.Context()), ErrWriteLockRequired)
	require.NoError(t, reader.Release())
}

func TestResourceLock_MarkAccessedWhere(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	// Without a write or upgradeable read lock nothing is
	// iterated.
	assert.False(t, l.MarkAccessedWhere(context.Background(), func(res *managedResource) bool {
		return true
	}))

	upgradeable, err := l.UpgradeableReadLock(context.Background(), LockNone)
	require.NoError(t, err)

	// Access the resource under a nested write lock only,
	// so that it is not tagged automatically.
	writer, err := l.WriteLock(upgradeable.Context(), LockNone)
	require.NoError(t, err)
	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, writer.Release())

	// No restoration ran: the resource was never tagged.
	assert.Equal(t, []string{"exclusive:m"}, d.preparations())

	// Tag it explicitly through the predicate, then check
	// that the next write release restores it.
	matched := l.MarkAccessedWhere(upgradeable.Context(), func(res *managedResource) bool {
		return res.moniker == "m"
	})
	assert.True(t, matched)

	assert.False(t, l.MarkAccessedWhere(upgradeable.Context(), func(res *managedResource) bool {
		return false
	}))

	writer, err = l.WriteLock(upgradeable.Context(), LockNone)
	require.NoError(t, err)
	require.NoError(t, writer.Release())

	assert.Equal(t, []string{"exclusive:m", "concurrent:m"}, d.preparations())

	require.NoError(t, upgradeable.Release())
}

func TestResourceLock_SkipInitialPreparationFlagIsForwarded(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	var observed LockFlags
	d.onExclusive = func(ctx context.Context, res *managedResource, flags LockFlags) error {
		observed = flags
		return nil
	}

	writer, err := l.WriteLock(context.Background(), LockSkipInitialPreparation)
	require.NoError(t, err)
	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, writer.Release())

	assert.Equal(t, LockSkipInitialPreparation, observed&LockSkipInitialPreparation)
}

func TestResourceLock_ConcurrentPreparationHidesLocks(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	var sawLock int32
	d.onConcurrent = func(ctx context.Context, res *managedResource) error {
		if l.IsAnyLockHeld(ctx) {
			atomic.StoreInt32(&sawLock, 1)
		}
		return nil
	}

	upgradeable, err := l.UpgradeableReadLock(context.Background(), LockNone)
	require.NoError(t, err)
	_, err = upgradeable.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, upgradeable.Release())

	assert.Zero(t, atomic.LoadInt32(&sawLock))
}

func TestResourceLock_ExclusivePreparationSeesAmbientLock(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	var sawWrite int32
	d.onExclusive = func(ctx context.Context, res *managedResource, flags LockFlags) error {
		if l.IsWriteLockHeld(ctx) {
			atomic.StoreInt32(&sawWrite, 1)
		}
		return nil
	}

	writer, err := l.WriteLock(context.Background(), LockNone)
	require.NoError(t, err)
	_, err = writer.GetResource(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, writer.Release())

	assert.Equal(t, int32(1), atomic.LoadInt32(&sawWrite))
}

func TestResourceLock_StatsAndSweep(t *testing.T) {
	d := &stubDelegate{}
	l := newTestLock(d)

	reader, err := l.ReadLock(context.Background())
	require.NoError(t, err)
	_, err = reader.GetResource(context.Background(), "m")
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Resources)
	assert.Equal(t, 1, stats.Concurrent)
	assert.Equal(t, 0, stats.Exclusive)

	require.NoError(t, reader.Release())

	// Nothing dead to sweep: the delegate still references
	// the resource through its moniker cache.
	assert.Equal(t, 0, l.Sweep())
}

package locker

import (
	"context"
	"fmt"
)

// ambientSnapshot :
// A snapshot of the lock state of one caller, captured
// once before entering the private mutex so that the
// chain walks are not repeated for every decision taken
// while holding it.
//
// The `handle` references the innermost active lock of
// the caller.
//
// The `anyHeld` indicates whether the caller holds any
// lock at all.
//
// The `writeHeld` indicates whether the caller owns the
// exclusive access.
//
// The `upgradeableHeld` indicates whether the caller's
// chain contains an upgradeable read lock.
//
// The `flags` is the union of the flags of all the locks
// of the chain.
type ambientSnapshot struct {
	handle          *lockHandle
	anyHeld         bool
	writeHeld       bool
	upgradeableHeld bool
	flags           LockFlags
}

// ambient :
// Captures the lock state of the input context.
//
// The `ctx` defines the context to inspect.
//
// Returns the captured snapshot.
func (l *ResourceLock[M, R]) ambient(ctx context.Context) ambientSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.pruneLocked(handleFromContext(ctx))
	if h == nil {
		return ambientSnapshot{}
	}

	return ambientSnapshot{
		handle:          h,
		anyHeld:         true,
		writeHeld:       l.writeHeldByLocked(h),
		upgradeableHeld: l.chainHoldsLocked(h, modeUpgradeableRead),
		flags:           l.aggregateFlagsLocked(h),
	}
}

// getResource :
// Retrieves the resource identified by the input moniker
// and ensures it is prepared for the access mode matching
// the locks held by the caller. The preparation is shared:
// concurrent callers requesting the same resource in the
// same mode all await a single invocation of the delegate.
//
// The `ctx` defines the cancellation of this caller and
// its ambient lock state.
//
// The `moniker` identifies the resource to retrieve.
//
// Returns the prepared resource along with any error.
func (l *ResourceLock[M, R]) getResource(ctx context.Context, moniker M) (*R, error) {
	// Capture the ambient lock state once, before taking
	// the mutex.
	amb := l.ambient(ctx)
	if !amb.anyHeld {
		return nil, ErrNoLockHeld
	}

	// Take a nominal read lock for the duration of the
	// operation. The caller already holds a compatible
	// lock so this is always immediately available.
	guard, err := l.acquire(ctx, modeRead, LockNone)
	if err != nil {
		return nil, err
	}
	defer l.release(guard)

	// Produce the resource itself.
	res, err := l.delegate.Fetch(ctx, moniker)
	if err != nil {
		return nil, err
	}

	// Register the access and obtain the preparation to
	// await. No user code runs while the mutex is held:
	// the preparation executes on its own goroutine.
	l.mu.Lock()
	l.markAccessedLocked(amb, res)
	ticket := l.prepareLocked(res, amb, false)
	l.mu.Unlock()

	if err := ticket.Wait(ctx); err != nil {
		return nil, err
	}

	return res, nil
}

// MarkAccessed :
// Records that the input resource was accessed within the
// currently held upgradeable read lock. This is a no-op
// unless an upgradeable read lock is held without a nested
// write lock. Resources recorded this way are restored to
// concurrent mode when a write lock issued within the
// upgradeable read releases.
//
// The `ctx` defines the ambient lock state of the caller.
//
// The `res` defines the resource to record.
func (l *ResourceLock[M, R]) MarkAccessed(ctx context.Context, res *R) {
	amb := l.ambient(ctx)

	l.mu.Lock()
	l.markAccessedLocked(amb, res)
	l.mu.Unlock()
}

// MarkAccessedWhere :
// Applies `MarkAccessed` to every known resource matching
// the input predicate. The predicate runs on a snapshot of
// the preparation table, outside of the private mutex.
// Nothing is iterated unless the caller holds a write or
// an upgradeable read lock.
//
// The `ctx` defines the ambient lock state of the caller.
//
// The `predicate` selects the resources to record.
//
// Returns `true` if at least one resource matched.
func (l *ResourceLock[M, R]) MarkAccessedWhere(ctx context.Context, predicate func(*R) bool) bool {
	amb := l.ambient(ctx)
	if !amb.writeHeld && !amb.upgradeableHeld {
		return false
	}

	l.mu.Lock()
	items := l.table.iterate()
	l.mu.Unlock()

	matched := make([]*R, 0)
	for _, item := range items {
		if predicate(item.key) {
			matched = append(matched, item.key)
		}
	}

	if len(matched) == 0 {
		return false
	}

	l.mu.Lock()
	for _, res := range matched {
		l.markAccessedLocked(amb, res)
	}
	l.mu.Unlock()

	return true
}

// markAccessedLocked :
// Internal version of `MarkAccessed` operating on a
// captured snapshot.
// Assumes that the private mutex is held.
//
// The `amb` defines the lock state of the caller.
//
// The `res` defines the resource to record.
func (l *ResourceLock[M, R]) markAccessedLocked(amb ambientSnapshot, res *R) {
	if !amb.upgradeableHeld || amb.writeHeld {
		return
	}

	l.upgradeableAccessed[res] = struct{}{}
}

// MarkAllUnknown :
// Invalidates the prepared state of every known resource:
// any subsequent access will run a fresh preparation,
// chained after the previous one. May only be called while
// a write lock is held.
//
// The `ctx` defines the ambient lock state of the caller.
//
// Returns an error if no write lock is held.
func (l *ResourceLock[M, R]) MarkAllUnknown(ctx context.Context) error {
	amb := l.ambient(ctx)
	if !amb.writeHeld {
		return ErrWriteLockRequired
	}

	l.mu.Lock()
	l.markAllUnknownLocked()
	l.mu.Unlock()

	return nil
}

// markAllUnknownLocked :
// Replaces the record of every known resource with one
// whose target mode is unknown and whose computation
// simply awaits the previous one. The replacement is not
// started eagerly: it only runs once a caller requests
// the resource again, at which point a fresh preparation
// is chained after it.
// Assumes that the private mutex is held.
func (l *ResourceLock[M, R]) markAllUnknownLocked() {
	for _, item := range l.table.iterate() {
		old := item.value.shared

		factory := func(ctx context.Context) error {
			old.start()
			<-old.done
			return nil
		}

		rec := &preparationRecord{
			target: resourceUnknown,
			shared: newSharedPreparation(factory, context.Background(), false),
		}
		l.table.set(item.key, rec)
	}

	l.trace("Marked all resources as unknown")
}

// preparationFactory :
// Produces the computation invoking the delegate for the
// input resource and mode.
//
// The `res` defines the resource to prepare.
//
// The `mode` defines the target mode.
//
// The `flags` defines the aggregated flags to forward to
// exclusive preparations.
//
// Returns the computation.
func (l *ResourceLock[M, R]) preparationFactory(res *R, mode resourceMode, flags LockFlags) func(ctx context.Context) error {
	if mode == resourceConcurrent {
		return func(ctx context.Context) error {
			return l.delegate.PrepareConcurrent(ctx, res)
		}
	}

	return func(ctx context.Context) error {
		return l.delegate.PrepareExclusive(ctx, res, flags)
	}
}

// prepareLocked :
// Decides how the input resource reaches the mode required
// by the caller: reuse the current preparation, chain a new
// one after it, or start the first one. The returned ticket
// observes the preparation from this caller's perspective.
// The computations themselves always run outside of the
// mutex, on their own goroutine; preparations of a given
// resource are totally ordered through chaining, so the
// delegate never runs concurrently on the same resource.
// Assumes that the private mutex is held.
//
// The `res` defines the resource to prepare.
//
// The `amb` defines the lock state of the caller.
//
// The `force` requests a concurrent-mode preparation
// regardless of the locks held, joined on behalf of the
// lock itself rather than any caller: such a preparation
// cannot be cancelled.
//
// Returns the ticket to await.
func (l *ResourceLock[M, R]) prepareLocked(res *R, amb ambientSnapshot, force bool) *preparationTicket {
	// Decide the target mode.
	mode := resourceExclusive
	if force || !amb.writeHeld {
		mode = resourceConcurrent
	}

	next := l.preparationFactory(res, mode, amb.flags)
	cancellable := !force

	// Concurrent preparations must not observe the locks of
	// their caller; exclusive preparations run with the
	// ambient write lock so they can perform re-entrant
	// operations.
	base := l.HideLocks(context.Background())
	if mode == resourceExclusive {
		base = withHandle(context.Background(), amb.handle)
	}

	rec, ok := l.table.get(res)

	// First preparation for this resource.
	if !ok {
		rec = &preparationRecord{
			target: mode,
			shared: newSharedPreparation(next, base, cancellable),
		}
		l.table.set(res, rec)

		l.trace(fmt.Sprintf("Starting %s preparation for resource %p", mode, res))

		ticket, _ := rec.tryJoinPreparation()
		rec.shared.start()
		return ticket
	}

	// The current preparation targets another mode, or it
	// failed: chain a fresh preparation after it. The new
	// record is stored before the chained computation runs
	// so that its target mode is visible to the joiners
	// that arrive in between.
	if rec.target != mode || rec.shared.faulted() {
		old := rec.shared

		factory := func(ctx context.Context) error {
			old.start()
			<-old.done
			return next(ctx)
		}

		rec = &preparationRecord{
			target: mode,
			shared: newSharedPreparation(factory, base, cancellable),
		}
		l.table.set(res, rec)

		l.trace(fmt.Sprintf("Chaining %s preparation for resource %p", mode, res))

		ticket, _ := rec.tryJoinPreparation()
		rec.shared.start()
		return ticket
	}

	// The current preparation matches: try to join it.
	if ticket, ok := rec.tryJoinPreparation(); ok {
		return ticket
	}

	// The previous computation was cancelled after all its
	// waiters abandoned it: chain a computation that reuses
	// its outcome if it managed to complete and re-runs the
	// delegate otherwise.
	old := rec.shared

	factory := func(ctx context.Context) error {
		old.start()
		<-old.done
		if old.outcome() != nil {
			return next(ctx)
		}
		return nil
	}

	rec = &preparationRecord{
		target: mode,
		shared: newSharedPreparation(factory, base, cancellable),
	}
	l.table.set(res, rec)

	l.trace(fmt.Sprintf("Restarting %s preparation for resource %p", mode, res))

	ticket, _ := rec.tryJoinPreparation()
	rec.shared.start()
	return ticket
}

// handleExclusiveLockReleased :
// Invoked by the underlying lock when the exclusive access
// ends, before any queued waiter is admitted. Every record
// transitions to the unknown mode; additionally, when an
// upgradeable read lock is still held, every resource that
// was accessed within it is prepared for concurrent access
// again and the method only returns once these
// preparations have completed.
//
// The `ctx` carries the surrounding upgradeable read lock
// if any.
//
// Returns the first restoration failure if any.
func (l *ResourceLock[M, R]) handleExclusiveLockReleased(ctx context.Context) error {
	amb := l.ambient(ctx)

	l.mu.Lock()

	l.markAllUnknownLocked()

	tickets := make([]*preparationTicket, 0, len(l.upgradeableAccessed))
	if amb.upgradeableHeld {
		for res := range l.upgradeableAccessed {
			tickets = append(tickets, l.prepareLocked(res, amb, true))
		}
	}

	l.mu.Unlock()

	// Await the restorations outside of the mutex. These
	// computations have no caller to cancel them.
	var firstErr error
	for _, ticket := range tickets {
		if err := ticket.Wait(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// handleUpgradeableReadLockReleased :
// Invoked by the underlying lock when a top level
// upgradeable read lock is released: the set of resources
// accessed within it is discarded.
func (l *ResourceLock[M, R]) handleUpgradeableReadLockReleased() {
	l.mu.Lock()
	l.upgradeableAccessed = make(map[*R]struct{})
	l.mu.Unlock()
}

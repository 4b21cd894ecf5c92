package locker

import (
	"context"
	"fmt"
	"sync"

	"reslock_server/pkg/logger"
)

// AsyncReaderWriterLock :
// Provides an asynchronous reader/writer lock with three
// modes: read, upgradeable read and write. All modes are
// re-entrant: a goroutine that already holds a lock can
// acquire compatible nested locks by passing the context
// returned with its lock back to the acquire operations.
// The lock context is carried through `context.Context`
// values, which plays the role of the ambient state that
// identifies which locks the current call chain holds.
// Compared to a plain `sync.RWMutex` this lock supports
// waiting with cancellation, an intermediate upgradeable
// mode and release hooks that are serialized with the
// admission of the next waiters. The general state based
// approach is similar to intention locks where a request
// is compared against the set of currently held modes to
// decide whether it can be admitted or has to wait.
//
// The `mu` is the private mutex of the lock. It guards
// every piece of mutable state of this object and is
// shared with the resource management layer so that the
// preparation table and the lock state are updated under
// a single lock.
//
// The `readers` counts the top level read locks that are
// currently active. Nested read locks do not contribute
// to this count as they cannot outlive their parent.
//
// The `upgradeable` references the currently active top
// level upgradeable read lock. At most one such lock is
// active at any time.
//
// The `writeDepth` counts the currently active write
// locks, including nested ones.
//
// The `writeHeld` indicates whether exclusive access is
// currently established. Note that this value can remain
// `true` while `writeDepth` is `0` in the case of a
// sticky upgradeable read that already issued a write.
//
// The `exclusiveOwner` references the handle that owns
// the exclusive access: either the top level write lock
// or the upgradeable read within which the write was
// issued.
//
// The `reissuing` indicates that the exclusive release
// hook is executing. While it is `true` no waiter can be
// admitted, which guarantees that the next holder only
// observes the lock once the hook has completed.
//
// The `queue` contains the waiters that could not be
// admitted immediately, in arrival order.
//
// The `onExclusiveLockReleased` is invoked whenever the
// exclusive access ends, after the lock state has been
// updated but before any new waiter is admitted. The
// context provided to the hook carries the upgradeable
// read lock that surrounded the write lock if any.
//
// The `onUpgradeableReadLockReleased` is invoked when a
// top level upgradeable read lock is released.
//
// The `cout` allows to notify errors and information
// about the internal processes of this lock.
type AsyncReaderWriterLock struct {
	mu             sync.Mutex
	readers        int
	upgradeable    *lockHandle
	writeDepth     int
	writeHeld      bool
	exclusiveOwner *lockHandle
	reissuing      bool
	queue          []*lockWaiter

	onExclusiveLockReleased       func(ctx context.Context) error
	onUpgradeableReadLockReleased func()

	cout logger.Logger
}

// lockHandle :
// Represents one issued lock. Handles form a chain through
// their `parent` attribute which mirrors the nesting of the
// acquire operations: the ambient state of a call chain is
// the handle carried by its context plus all its ancestors.
//
// The `lock` references the lock that issued this handle.
//
// The `parent` references the lock that was ambient when
// this handle was issued, or `nil` for a top level lock.
//
// The `mode` defines the access mode of this handle.
//
// The `flags` defines the options the handle was acquired
// with.
//
// The `released` indicates whether this handle has already
// been released. It is guarded by the lock's mutex.
type lockHandle struct {
	lock     *AsyncReaderWriterLock
	parent   *lockHandle
	mode     lockMode
	flags    LockFlags
	released bool
}

// lockWaiter :
// Represents a pending acquire operation waiting for the
// lock state to become compatible with its request.
//
// The `mode` defines the requested access mode.
//
// The `parent` references the ambient handle of the caller
// at the time of the request. It is `nil` for a top level
// request and references the surrounding upgradeable read
// for an upgrade request.
//
// The `flags` defines the options of the request.
//
// The `ready` receives the issued handle when the waiter
// is admitted. It is buffered so that the granting side
// never blocks.
//
// The `granted` indicates that a handle was sent on the
// `ready` channel.
//
// The `removed` indicates that the waiter abandoned the
// request following a cancellation and that it should be
// skipped by the admission scan.
type lockWaiter struct {
	mode    lockMode
	parent  *lockHandle
	flags   LockFlags
	ready   chan *lockHandle
	granted bool
	removed bool
}

// lockContextKey :
// Private key under which the ambient lock handle is stored
// in a context.
type lockContextKey struct{}

// ErrAlreadyReleased : Indicates that a lock was released
// more than once.
var ErrAlreadyReleased = fmt.Errorf("Cannot release lock, seems already released")

// ErrDisallowedNesting : Indicates that the requested mode
// cannot be acquired within the locks currently held (for
// example an upgradeable read or a write within a plain
// read lock).
var ErrDisallowedNesting = fmt.Errorf("Cannot acquire lock within the locks currently held")

// ErrNestedLockActive : Indicates that a lock was released
// while a lock nested within it was still active.
var ErrNestedLockActive = fmt.Errorf("Cannot release lock while a nested write lock is still active")

// ErrForeignHandle : Indicates that the context provided
// to an operation carries a lock issued by another lock
// instance.
var ErrForeignHandle = fmt.Errorf("Cannot operate on a lock issued by another instance")

// NewAsyncReaderWriterLock :
// Creates a new reader/writer lock with no holder.
//
// The `log` will be assigned as the internal logging mean
// for this lock.
//
// Returns the created lock.
func NewAsyncReaderWriterLock(log logger.Logger) *AsyncReaderWriterLock {
	return &AsyncReaderWriterLock{
		queue: make([]*lockWaiter, 0),
		cout:  log,
	}
}

// withHandle :
// Produces a context carrying the input handle as the new
// ambient lock.
//
// The `ctx` defines the parent context.
//
// The `h` defines the handle to install.
//
// Returns the derived context.
func withHandle(ctx context.Context, h *lockHandle) context.Context {
	return context.WithValue(ctx, lockContextKey{}, h)
}

// handleFromContext :
// Retrieves the ambient lock handle carried by the input
// context if any.
//
// The `ctx` defines the context to inspect.
//
// Returns the handle or `nil` if the context carries none
// or if the lock context was hidden.
func handleFromContext(ctx context.Context) *lockHandle {
	h, _ := ctx.Value(lockContextKey{}).(*lockHandle)
	return h
}

// HideLocks :
// Produces a context whose ambient lock appears empty to
// all the queries of this package, no matter which locks
// the input context carries. It is typically used before
// invoking code that should not be able to observe (and
// thus re-enter) the locks held by its caller.
//
// The `ctx` defines the context to suppress the lock
// state of.
//
// Returns the derived context.
func (l *AsyncReaderWriterLock) HideLocks(ctx context.Context) context.Context {
	return context.WithValue(ctx, lockContextKey{}, (*lockHandle)(nil))
}

// pruneLocked :
// Walks up the input handle chain until a handle that has
// not been released yet is found. This makes the ambient
// queries resilient to contexts that outlive the locks
// they were created with.
// Assumes that the private mutex is held.
//
// The `h` defines the handle to prune.
//
// Returns the first still active handle of the chain or
// `nil`.
func (l *AsyncReaderWriterLock) pruneLocked(h *lockHandle) *lockHandle {
	for h != nil && (h.lock != l || h.released) {
		h = h.parent
	}
	return h
}

// chainHoldsLocked :
// Determines whether the input handle chain contains an
// active handle with the specified mode.
// Assumes that the private mutex is held.
//
// The `h` defines the start of the chain.
//
// The `mode` defines the mode to look for.
//
// Returns `true` if the chain holds the mode.
func (l *AsyncReaderWriterLock) chainHoldsLocked(h *lockHandle, mode lockMode) bool {
	for ; h != nil; h = h.parent {
		if !h.released && h.mode == mode {
			return true
		}
	}
	return false
}

// chainContainsLocked :
// Determines whether the input handle chain contains the
// specified handle.
// Assumes that the private mutex is held.
//
// The `h` defines the start of the chain.
//
// The `target` defines the handle to look for.
//
// Returns `true` if `target` is part of the chain.
func (l *AsyncReaderWriterLock) chainContainsLocked(h *lockHandle, target *lockHandle) bool {
	if target == nil {
		return false
	}
	for ; h != nil; h = h.parent {
		if h == target {
			return true
		}
	}
	return false
}

// writeHeldByLocked :
// Determines whether the input handle chain currently owns
// the exclusive access. This is the case when the chain
// contains an active write lock, or when it contains the
// upgradeable read that retains the write access after a
// sticky write was released.
// Assumes that the private mutex is held.
//
// The `h` defines the start of the chain.
//
// Returns `true` if the chain owns the exclusive access.
func (l *AsyncReaderWriterLock) writeHeldByLocked(h *lockHandle) bool {
	return l.writeHeld && l.chainContainsLocked(h, l.exclusiveOwner)
}

// IsAnyLockHeld :
// Determines whether the input context holds any lock
// issued by this object.
//
// The `ctx` defines the context to inspect.
//
// Returns `true` if at least one lock is held.
func (l *AsyncReaderWriterLock) IsAnyLockHeld(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(handleFromContext(ctx)) != nil
}

// IsWriteLockHeld :
// Determines whether the input context owns the exclusive
// access of this lock.
//
// The `ctx` defines the context to inspect.
//
// Returns `true` if a write lock is held.
func (l *AsyncReaderWriterLock) IsWriteLockHeld(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeHeldByLocked(l.pruneLocked(handleFromContext(ctx)))
}

// IsUpgradeableReadLockHeld :
// Determines whether the input context holds an upgradeable
// read lock issued by this object.
//
// The `ctx` defines the context to inspect.
//
// Returns `true` if an upgradeable read lock is held.
func (l *AsyncReaderWriterLock) IsUpgradeableReadLockHeld(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainHoldsLocked(l.pruneLocked(handleFromContext(ctx)), modeUpgradeableRead)
}

// AggregateLockFlags :
// Computes the bitwise union of the flags of all the locks
// held by the input context.
//
// The `ctx` defines the context to inspect.
//
// Returns the combined flags.
func (l *AsyncReaderWriterLock) AggregateLockFlags(ctx context.Context) LockFlags {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aggregateFlagsLocked(l.pruneLocked(handleFromContext(ctx)))
}

// aggregateFlagsLocked :
// Internal version of `AggregateLockFlags` operating on a
// handle chain directly.
// Assumes that the private mutex is held.
//
// The `h` defines the start of the chain.
//
// Returns the combined flags.
func (l *AsyncReaderWriterLock) aggregateFlagsLocked(h *lockHandle) LockFlags {
	flags := LockNone
	for ; h != nil; h = h.parent {
		if !h.released {
			flags |= h.flags
		}
	}
	return flags
}

// canGrantLocked :
// Determines whether the input waiter is compatible with
// the current lock state. Only top level requests and
// upgrade requests reach this method: re-entrant requests
// are admitted directly by `acquire`.
// Assumes that the private mutex is held.
//
// The `w` defines the waiter to check.
//
// Returns `true` if the waiter can be admitted.
func (l *AsyncReaderWriterLock) canGrantLocked(w *lockWaiter) bool {
	switch w.mode {
	case modeRead:
		return !l.writeHeld
	case modeUpgradeableRead:
		return !l.writeHeld && l.upgradeable == nil
	case modeWrite:
		if w.parent != nil {
			// Upgrade from an upgradeable read: only the
			// remaining plain readers need to drain.
			return !l.writeHeld && l.readers == 0
		}
		return !l.writeHeld && l.readers == 0 && l.upgradeable == nil
	}

	return false
}

// admitLocked :
// Issues a handle for the input waiter and updates the
// lock state accordingly.
// Assumes that the private mutex is held.
//
// The `w` defines the waiter to admit.
func (l *AsyncReaderWriterLock) admitLocked(w *lockWaiter) {
	h := &lockHandle{
		lock:   l,
		parent: w.parent,
		mode:   w.mode,
		flags:  w.flags,
	}

	switch w.mode {
	case modeRead:
		l.readers++
	case modeUpgradeableRead:
		l.upgradeable = h
	case modeWrite:
		l.writeHeld = true
		l.writeDepth++
		if w.parent == nil {
			l.exclusiveOwner = h
		} else {
			// The exclusive access is owned by the surrounding
			// upgradeable read so that sticky retention can be
			// applied when the write releases.
			owner := w.parent
			for owner != nil && owner.mode != modeUpgradeableRead {
				owner = owner.parent
			}
			l.exclusiveOwner = owner
		}
	}

	w.granted = true
	w.ready <- h
}

// grantLocked :
// Scans the waiter queue in arrival order and admits every
// waiter compatible with the current state. A write waiter
// that cannot be admitted acts as a barrier for the waiters
// queued after it so that a continuous stream of readers
// cannot starve it.
// Assumes that the private mutex is held.
func (l *AsyncReaderWriterLock) grantLocked() {
	if l.reissuing {
		return
	}

	barrier := false
	remaining := l.queue[:0]

	for _, w := range l.queue {
		if w.removed {
			continue
		}
		// An upgrade request ignores the barrier: a top level
		// write waiter queued before it can only proceed once
		// the upgradeable read it is part of has released.
		if (!barrier || w.parent != nil) && l.canGrantLocked(w) {
			l.admitLocked(w)
			continue
		}
		if w.mode == modeWrite {
			barrier = true
		}
		remaining = append(remaining, w)
	}

	l.queue = remaining
}

// acquire :
// Common implementation of the three acquire operations.
// The ambient lock of the input context decides whether
// the request is re-entrant (admitted immediately), an
// upgrade (queued until the readers drain), a disallowed
// nesting (failed) or a top level request (queued).
//
// The `ctx` defines the context of the caller, carrying
// both the cancellation of the request and the ambient
// lock state.
//
// The `mode` defines the requested mode.
//
// The `flags` defines the options of the request.
//
// Returns the issued handle along with any error.
func (l *AsyncReaderWriterLock) acquire(ctx context.Context, mode lockMode, flags LockFlags) (*lockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()

	ambient := l.pruneLocked(handleFromContext(ctx))

	// Handle re-entrant requests: they never wait and do not
	// go through the queue.
	if ambient != nil {
		switch mode {
		case modeRead:
			h := &lockHandle{lock: l, parent: ambient, mode: mode, flags: flags}
			l.mu.Unlock()
			return h, nil
		case modeUpgradeableRead:
			if l.chainHoldsLocked(ambient, modeUpgradeableRead) || l.writeHeldByLocked(ambient) {
				h := &lockHandle{lock: l, parent: ambient, mode: mode, flags: flags}
				l.mu.Unlock()
				return h, nil
			}
			l.mu.Unlock()
			return nil, ErrDisallowedNesting
		case modeWrite:
			if l.writeHeldByLocked(ambient) {
				h := &lockHandle{lock: l, parent: ambient, mode: mode, flags: flags}
				l.writeDepth++
				l.mu.Unlock()
				return h, nil
			}
			if !l.chainHoldsLocked(ambient, modeUpgradeableRead) {
				l.mu.Unlock()
				return nil, ErrDisallowedNesting
			}
			// Upgrade request: fall through to the queue with
			// the ambient chain as parent.
		}
	}

	var parent *lockHandle
	if mode == modeWrite && ambient != nil {
		parent = ambient
	}

	w := &lockWaiter{
		mode:   mode,
		parent: parent,
		flags:  flags,
		ready:  make(chan *lockHandle, 1),
	}
	l.queue = append(l.queue, w)
	l.grantLocked()
	l.mu.Unlock()

	select {
	case h := <-w.ready:
		return h, nil
	case <-ctx.Done():
		// The request may have been granted concurrently with
		// the cancellation, in which case we need to give the
		// lock back.
		l.mu.Lock()
		granted := w.granted
		w.removed = true
		l.mu.Unlock()

		if granted {
			h := <-w.ready
			l.release(h)
		}
		return nil, ctx.Err()
	}
}

// release :
// Releases the input handle and updates the lock state.
// Releasing the handle that ends the exclusive access
// triggers the exclusive release hook; the hook completes
// before any queued waiter is admitted.
//
// The `h` defines the handle to release.
//
// Returns any error, including the error produced by the
// release hooks.
func (l *AsyncReaderWriterLock) release(h *lockHandle) error {
	if h == nil {
		return nil
	}
	if h.lock != l {
		return ErrForeignHandle
	}

	l.mu.Lock()

	if h.released {
		l.mu.Unlock()
		return ErrAlreadyReleased
	}
	h.released = true

	switch h.mode {
	case modeRead:
		if h.parent == nil {
			l.readers--
		}
		l.grantLocked()
		l.mu.Unlock()
		return nil

	case modeWrite:
		l.writeDepth--
		if l.writeDepth > 0 {
			l.mu.Unlock()
			return nil
		}

		// The outermost write lock is releasing. A sticky
		// upgradeable read retains the exclusive access.
		owner := l.exclusiveOwner
		if owner != nil && owner.mode == modeUpgradeableRead &&
			owner.flags&LockStickyWrite != 0 && !owner.released {
			l.mu.Unlock()
			return nil
		}

		err := l.exclusiveReleaseLocked(owner)
		l.grantLocked()
		l.mu.Unlock()
		return err

	case modeUpgradeableRead:
		if h.parent != nil {
			l.mu.Unlock()
			return nil
		}

		if l.writeHeld && l.exclusiveOwner == h && l.writeDepth > 0 {
			// Undo the release so that the caller can retry
			// once the nested write has been released.
			h.released = false
			l.mu.Unlock()
			return ErrNestedLockActive
		}

		var err error
		if l.writeHeld && l.exclusiveOwner == h {
			// Sticky retention ends together with this lock.
			err = l.exclusiveReleaseLocked(h)
		}

		l.upgradeable = nil
		l.grantLocked()
		l.mu.Unlock()

		if l.onUpgradeableReadLockReleased != nil {
			l.onUpgradeableReadLockReleased()
		}
		return err
	}

	l.mu.Unlock()
	return nil
}

// exclusiveReleaseLocked :
// Ends the exclusive access and runs the exclusive release
// hook. While the hook is running no waiter can be admitted
// so the next holder of any lock observes the state left by
// the hook.
// Assumes that the private mutex is held; the mutex is
// released for the duration of the hook and held again when
// the method returns.
//
// The `owner` defines the handle that owned the exclusive
// access. When it is an upgradeable read that is still
// active, the hook runs with this handle as its ambient
// lock.
//
// Returns the error produced by the hook if any.
func (l *AsyncReaderWriterLock) exclusiveReleaseLocked(owner *lockHandle) error {
	l.writeHeld = false
	l.exclusiveOwner = nil
	l.reissuing = true

	hook := l.onExclusiveLockReleased
	l.mu.Unlock()

	var err error
	if hook != nil {
		hookCtx := context.Background()
		if owner != nil && owner.mode == modeUpgradeableRead && !owner.released {
			hookCtx = withHandle(hookCtx, owner)
		}
		err = hook(hookCtx)
		if err != nil {
			l.cout.Trace(logger.Error, "locker", fmt.Sprintf("Caught error while running exclusive release hook (err: %v)", err))
		}
	}

	l.mu.Lock()
	l.reissuing = false
	return err
}

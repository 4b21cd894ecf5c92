package locker

import (
	"context"
	"fmt"

	"reslock_server/pkg/logger"

	"github.com/spf13/viper"
)

// ResourceLockDelegate :
// Defines the extension points a user of the resource lock
// must provide. The delegate is responsible for producing
// resources from monikers and for transitioning resources
// into the access mode requested by the lock. Preparation
// operations can be expensive and asynchronous; the lock
// guarantees that for a given resource they never overlap
// and that each one runs at most once per mode transition,
// shared among all the concurrent waiters.
//
// The `Fetch` produces the resource identified by the
// input moniker. Caching resources by moniker is the
// delegate's concern: the lock itself only tracks the
// returned objects by identity.
//
// The `PrepareConcurrent` transitions the input resource
// into a state suitable for concurrent read access. The
// provided context carries no ambient lock so that the
// delegate cannot accidentally re-enter its caller's
// locks.
//
// The `PrepareExclusive` transitions the input resource
// into a state suitable for exclusive write access. The
// provided context carries the ambient write lock of the
// caller that triggered the preparation; the `flags`
// argument is the union of the flags of all its nested
// locks.
type ResourceLockDelegate[M comparable, R any] interface {
	Fetch(ctx context.Context, moniker M) (*R, error)
	PrepareConcurrent(ctx context.Context, resource *R) error
	PrepareExclusive(ctx context.Context, resource *R, flags LockFlags) error
}

// ResourceLock :
// A reader/writer lock that guards not only the access to
// a critical section but also the state of the resources
// accessed while holding it. Resources are prepared for
// either concurrent or exclusive access before being
// handed to callers; the preparation runs at most once per
// mode transition and its outcome is shared among all the
// concurrent waiters. Releasing a write lock invalidates
// the prepared state of every known resource, and the
// resources that were accessed within a surrounding
// upgradeable read are re-prepared for concurrent access
// before the release completes.
// The preparation table only holds weak references to the
// resources so that dropping the last strong reference
// outside the lock reclaims a resource together with its
// bookkeeping.
//
// The `delegate` provides the fetch and preparation
// operations.
//
// The `table` maps each known resource to its current
// preparation record. It is guarded by the private mutex
// of the underlying lock.
//
// The `upgradeableAccessed` contains the resources that
// were accessed within the currently held upgradeable
// read lock, outside of any nested write lock. These are
// the resources that must be restored to concurrent mode
// when a write lock issued within the upgradeable read
// releases. Also guarded by the private mutex.
//
// The `traceResources` gates the per-resource trace
// output of the lock.
//
// The `cout` allows to notify errors and information to
// the user about the processes going on internally.
type ResourceLock[M comparable, R any] struct {
	*AsyncReaderWriterLock

	delegate            ResourceLockDelegate[M, R]
	table               weakKeyTable[R, *preparationRecord]
	upgradeableAccessed map[*R]struct{}
	traceResources      bool
	cout                logger.Logger
}

// ResourceReleaser :
// The value returned by the acquire operations of the
// resource lock. It gives access to the resources guarded
// by the lock and releases the lock when done. The context
// it carries holds the issued lock and should be used for
// every operation performed within the lock, in particular
// nested acquisitions.
//
// The `lock` references the lock that issued this value.
//
// The `handle` references the issued lock.
//
// The `ctx` is the context of the caller augmented with
// the issued lock.
type ResourceReleaser[M comparable, R any] struct {
	lock   *ResourceLock[M, R]
	handle *lockHandle
	ctx    context.Context
}

// ResourceLockStats :
// A snapshot of the bookkeeping of the lock, exposed for
// diagnostics purposes.
//
// The `Resources` counts the live entries of the
// preparation table.
//
// The `Concurrent`, `Exclusive` and `Unknown` count the
// live entries per target mode.
//
// The `PendingWaiters` counts the acquire operations
// currently waiting for the lock.
type ResourceLockStats struct {
	Resources      int `json:"resources"`
	Concurrent     int `json:"concurrent"`
	Exclusive      int `json:"exclusive"`
	Unknown        int `json:"unknown"`
	PendingWaiters int `json:"pending_waiters"`
}

// ErrNoLockHeld : Indicates that a resource was requested
// by a caller that does not hold any lock.
var ErrNoLockHeld = fmt.Errorf("Cannot access resource without holding a lock")

// ErrWriteLockRequired : Indicates that an operation that
// needs a write lock was invoked without one.
var ErrWriteLockRequired = fmt.Errorf("Cannot perform operation without holding a write lock")

// configuration :
// Used internally to regroup the variables that can be
// used to customize the behavior of a resource lock.
//
// The `TraceResources` enables the per-resource trace
// output of the lock. This is mainly useful to diagnose
// preparation issues in development environments.
// The default value is `false`.
type configuration struct {
	TraceResources bool
}

// parseConfiguration :
// Used to parse the configuration file and environment
// variables provided when executing this server to get
// the values of the resource lock properties.
//
// Returns the parsed configuration where all non-set
// properties have their default values.
func parseConfiguration() configuration {
	// Create the default configuration.
	config := configuration{
		TraceResources: false,
	}

	// Parse custom properties.
	if viper.IsSet("Locker.TraceResources") {
		config.TraceResources = viper.GetBool("Locker.TraceResources")
	}

	return config
}

// NewResourceLock :
// Creates a new resource lock using the input delegate to
// fetch and prepare resources. Configuration values are
// retrieved from the environment variables and conf file
// provided to the server.
//
// The `delegate` provides the fetch and preparation
// operations of the lock.
//
// The `log` will be assigned as the internal logging mean
// for this lock.
//
// Returns the created lock.
func NewResourceLock[M comparable, R any](delegate ResourceLockDelegate[M, R], log logger.Logger) *ResourceLock[M, R] {
	// Parse the config.
	config := parseConfiguration()

	l := &ResourceLock[M, R]{
		AsyncReaderWriterLock: NewAsyncReaderWriterLock(log),

		delegate:            delegate,
		table:               newWeakKeyTable[R, *preparationRecord](),
		upgradeableAccessed: make(map[*R]struct{}),
		traceResources:      config.TraceResources,
		cout:                log,
	}

	// Route the release events of the underlying lock into
	// the resource management layer.
	l.onExclusiveLockReleased = l.handleExclusiveLockReleased
	l.onUpgradeableReadLockReleased = l.handleUpgradeableReadLockReleased

	return l
}

// ReadLock :
// Acquires a read lock. Multiple read locks can be held
// concurrently; resources obtained through the returned
// value are prepared for concurrent access.
//
// The `ctx` defines the cancellation of the request and
// the ambient lock state of the caller.
//
// Returns the releaser giving access to the guarded
// resources along with any error.
func (l *ResourceLock[M, R]) ReadLock(ctx context.Context) (*ResourceReleaser[M, R], error) {
	h, err := l.acquire(ctx, modeRead, LockNone)
	if err != nil {
		return nil, err
	}

	return &ResourceReleaser[M, R]{
		lock:   l,
		handle: h,
		ctx:    withHandle(ctx, h),
	}, nil
}

// UpgradeableReadLock :
// Acquires an upgradeable read lock. At most one such lock
// is active at any time; it is compatible with read locks
// and can be upgraded by acquiring a nested write lock.
//
// The `ctx` defines the cancellation of the request and
// the ambient lock state of the caller.
//
// The `flags` defines the options of the lock, typically
// `LockStickyWrite`.
//
// Returns the releaser along with any error.
func (l *ResourceLock[M, R]) UpgradeableReadLock(ctx context.Context, flags LockFlags) (*ResourceReleaser[M, R], error) {
	h, err := l.acquire(ctx, modeUpgradeableRead, flags)
	if err != nil {
		return nil, err
	}

	return &ResourceReleaser[M, R]{
		lock:   l,
		handle: h,
		ctx:    withHandle(ctx, h),
	}, nil
}

// WriteLock :
// Acquires a write lock, granting exclusive access to the
// guarded resources. Resources obtained through the
// returned value are prepared for exclusive access. When
// the outermost write lock releases, the prepared state of
// every known resource is invalidated.
//
// The `ctx` defines the cancellation of the request and
// the ambient lock state of the caller.
//
// The `flags` defines the options of the lock.
//
// Returns the releaser along with any error.
func (l *ResourceLock[M, R]) WriteLock(ctx context.Context, flags LockFlags) (*ResourceReleaser[M, R], error) {
	h, err := l.acquire(ctx, modeWrite, flags)
	if err != nil {
		return nil, err
	}

	return &ResourceReleaser[M, R]{
		lock:   l,
		handle: h,
		ctx:    withHandle(ctx, h),
	}, nil
}

// Stats :
// Produces a snapshot of the bookkeeping of this lock.
//
// Returns the statistics.
func (l *ResourceLock[M, R]) Stats() ResourceLockStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := ResourceLockStats{}

	for _, item := range l.table.iterate() {
		stats.Resources++
		switch item.value.target {
		case resourceConcurrent:
			stats.Concurrent++
		case resourceExclusive:
			stats.Exclusive++
		case resourceUnknown:
			stats.Unknown++
		}
	}

	for _, w := range l.queue {
		if !w.removed && !w.granted {
			stats.PendingWaiters++
		}
	}

	return stats
}

// Sweep :
// Elides the entries of the preparation table whose
// resource has been reclaimed. The table already elides
// dead entries lazily when it is mutated or iterated;
// this method provides an eager variant meant to be run
// periodically so that tombstones do not accumulate on
// an idle lock.
//
// Returns the number of elided entries.
func (l *ResourceLock[M, R]) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.table.purge()
}

// trace :
// Notifies the input message through the internal logger
// when per-resource tracing is enabled.
//
// The `msg` defines the message to log.
func (l *ResourceLock[M, R]) trace(msg string) {
	if l.traceResources {
		l.cout.Trace(logger.Debug, "locker", msg)
	}
}

// Context :
// Returns the context carrying the lock issued with this
// value. It should be used for every operation performed
// within the lock, in particular nested acquisitions.
func (r *ResourceReleaser[M, R]) Context() context.Context {
	return r.ctx
}

// GetResource :
// Retrieves the resource identified by the input moniker,
// prepared for the access mode matching the lock held by
// this value.
//
// The `ctx` defines the cancellation of this particular
// request. Cancelling it abandons this caller's interest
// in the preparation without disturbing other waiters.
//
// The `moniker` identifies the resource to retrieve.
//
// Returns the prepared resource along with any error.
func (r *ResourceReleaser[M, R]) GetResource(ctx context.Context, moniker M) (*R, error) {
	return r.lock.getResource(withHandle(ctx, r.handle), moniker)
}

// Release :
// Releases the lock held by this value. The call returns
// once the release has fully completed, including the
// restoration work performed when an exclusive lock ends.
//
// Returns any error, including failures of the resource
// restoration performed on exclusive release.
func (r *ResourceReleaser[M, R]) Release() error {
	return r.lock.release(r.handle)
}

package locker

import (
	"context"
	"sync"
)

// sharedPreparation :
// Represents one in-flight asynchronous computation joined
// by any number of waiters. Each waiter observes the shared
// outcome through its own ticket and can abandon it with
// its own context without disturbing the other waiters: the
// computation itself is only cancelled when every joined
// waiter has abandoned it.
// The mechanism is close to a reference counted shared
// fetch: the waiter count plays the role of the reference
// count and reaching zero cancels the inner work instead of
// closing a cached value.
//
// The `mu` protects the mutable state below. It is a
// dedicated mutex: a shared preparation has no knowledge
// of the lock it serves.
//
// The `factory` holds the computation to run. It is set to
// `nil` once the computation has finished so that values
// captured by the closure can be reclaimed.
//
// The `inner` is the context seen by the computation. It
// is decoupled from every waiter's context and is only
// cancelled when the waiter count drops to zero.
//
// The `cancel` fires the `inner` context.
//
// The `done` is closed when the computation has returned.
//
// The `started` records whether the computation goroutine
// has been launched. Construction does not start the work
// so that replacement records can stay dormant until a
// caller actually requests the resource.
//
// The `finished` and `err` describe the outcome once the
// `done` channel is closed.
//
// The `waiters` counts the joined waiters that have not
// abandoned the computation yet.
//
// The `cancellable` defines whether the computation can be
// cancelled at all. Internal re-preparations that have no
// caller are created non cancellable, in which case joining
// always succeeds.
//
// The `abandoned` indicates that every waiter abandoned the
// computation before it finished and that the inner context
// was fired because of it. Once set, no new waiter can
// join.
type sharedPreparation struct {
	mu          sync.Mutex
	factory     func(ctx context.Context) error
	inner       context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	started     bool
	finished    bool
	err         error
	waiters     int
	cancellable bool
	abandoned   bool
}

// preparationTicket :
// The view of a shared preparation from the perspective of
// one joined waiter.
//
// The `prep` references the joined computation.
//
// The `once` guarantees that the waiter resigns at most
// once no matter how many times `Wait` observes the same
// cancellation.
type preparationTicket struct {
	prep *sharedPreparation
	once sync.Once
}

// newSharedPreparation :
// Creates a new shared computation running the input
// factory. The computation is not started: the caller is
// expected to call `start` once the bookkeeping that
// references the computation is in place.
//
// The `factory` defines the work to run. It receives the
// internal context of the computation and should honor
// its cancellation.
//
// The `base` defines the context the internal context is
// derived from. It carries values only; its cancellation
// is never consulted. This is where the ambient lock is
// either forwarded (exclusive preparations) or hidden
// (concurrent preparations).
//
// The `cancellable` defines whether abandonment by every
// waiter cancels the computation.
//
// Returns the created computation.
func newSharedPreparation(factory func(ctx context.Context) error, base context.Context, cancellable bool) *sharedPreparation {
	inner, cancel := context.WithCancel(base)

	return &sharedPreparation{
		factory:     factory,
		inner:       inner,
		cancel:      cancel,
		done:        make(chan struct{}),
		cancellable: cancellable,
	}
}

// start :
// Launches the computation if it has not been launched
// yet. Subsequent calls are no-ops.
func (s *sharedPreparation) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	factory := s.factory
	s.mu.Unlock()

	go func() {
		err := factory(s.inner)

		s.mu.Lock()
		s.factory = nil
		s.finished = true
		s.err = err
		s.mu.Unlock()

		close(s.done)
	}()
}

// tryJoin :
// Attempts to register a new waiter on this computation.
// Joining fails only when the computation was cancelled
// because every previous waiter abandoned it; a finished
// computation can still be joined and yields the shared
// outcome immediately.
//
// Returns the ticket for the new waiter along with a
// boolean indicating whether the join succeeded.
func (s *sharedPreparation) tryJoin() (*preparationTicket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nil, false
	}

	s.waiters++
	return &preparationTicket{prep: s}, true
}

// resign :
// Unregisters a waiter following the cancellation of its
// own context. When the last waiter of a cancellable
// computation resigns before the computation has finished,
// the internal context is fired and the computation is
// marked abandoned; a non cancellable computation keeps
// running.
func (s *sharedPreparation) resign() {
	s.mu.Lock()
	s.waiters--
	fire := s.cancellable && s.waiters == 0 && !s.finished
	if fire {
		s.abandoned = true
	}
	s.mu.Unlock()

	if fire {
		s.cancel()
	}
}

// completed :
// Indicates whether the computation has finished, whatever
// the outcome.
func (s *sharedPreparation) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// faulted :
// Indicates whether the computation finished with an error
// (including a cancellation error surfaced by the factory).
func (s *sharedPreparation) faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && s.err != nil
}

// outcome :
// Returns the error the computation finished with. Only
// meaningful once `completed` reports `true`.
func (s *sharedPreparation) outcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait :
// Blocks until the shared computation finishes or the
// input context fires, whichever comes first. The shared
// outcome is returned in the former case and the waiter's
// own cancellation in the latter. A waiter abandoning the
// computation resigns from it, which cancels the inner
// work only if it was the last waiter.
//
// The `ctx` defines this waiter's cancellation.
//
// Returns the outcome observed by this waiter.
func (t *preparationTicket) Wait(ctx context.Context) error {
	select {
	case <-t.prep.done:
		return t.prep.outcome()
	case <-ctx.Done():
		t.once.Do(t.prep.resign)
		return ctx.Err()
	}
}

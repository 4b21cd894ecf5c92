package locker

// resourceMode :
// Describes the access pattern a resource was last prepared
// for. A resource whose mode is unknown has no established
// fit for either pattern and must be prepared again before
// being handed to a caller.
type resourceMode int

const (
	resourceUnknown resourceMode = iota
	resourceConcurrent
	resourceExclusive
)

// String :
// Returns a human readable name for this mode, used when
// producing traces.
func (m resourceMode) String() string {
	return [...]string{
		"unknown",
		"concurrent",
		"exclusive",
	}[m]
}

// preparationRecord :
// The bookkeeping entry associated to one resource in the
// preparation table. A record ties the mode the current or
// most recent preparation targets to the shared computation
// running it. At most one record exists per resource at any
// time and records are only replaced under the private
// mutex of the lock; the computation of a replacement
// record always waits for the computation of the record it
// replaces, which serializes all the preparations of a
// given resource.
//
// The `target` defines the mode the preparation produces.
// An unknown target marks a pending invalidation: the next
// access will chain a fresh preparation after this one.
//
// The `shared` references the computation.
type preparationRecord struct {
	target resourceMode
	shared *sharedPreparation
}

// tryJoinPreparation :
// Attempts to register a new waiter on the preparation of
// this record. This simply delegates to the underlying
// shared computation.
//
// Returns the ticket for the new waiter along with a
// boolean indicating whether the join succeeded.
func (r *preparationRecord) tryJoinPreparation() (*preparationTicket, bool) {
	return r.shared.tryJoin()
}

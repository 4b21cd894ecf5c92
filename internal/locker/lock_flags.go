package locker

// LockFlags :
// Defines a set of options that can be attached to a lock
// when it is acquired. Flags are remembered for the whole
// lifetime of the lock they were issued with and combined
// across nested locks through the `AggregateLockFlags`
// query.
type LockFlags int

const (
	// LockNone : no particular behavior requested.
	LockNone LockFlags = 0

	// LockStickyWrite : may be set on an upgradeable read
	// lock. Once a write lock has been issued within the
	// upgradeable read, the write access is retained by
	// the upgradeable read even after the nested write is
	// released. The exclusive access then only ends when
	// the upgradeable read itself is released.
	LockStickyWrite LockFlags = 1 << 0

	// LockSkipInitialPreparation : consulted by resource
	// preparation delegates only. The core forwards it
	// through the aggregated flags but does not itself
	// act on it.
	LockSkipInitialPreparation LockFlags = 1 << 1
)

// lockMode :
// Internal identifier of the three access modes supported
// by the reader/writer lock.
type lockMode int

const (
	modeRead lockMode = iota
	modeUpgradeableRead
	modeWrite
)

// String :
// Returns a human readable name for this mode, used when
// producing traces.
func (m lockMode) String() string {
	return [...]string{
		"read",
		"upgradeable-read",
		"write",
	}[m]
}

package locker

import "weak"

// weakKeyTable :
// Maps resources to values without keeping the resources
// alive: the keys are weak pointers so that dropping the
// last strong reference to a resource outside the lock
// eventually reclaims the resource and its entry. Entries
// whose key has been reclaimed are elided lazily, on
// mutation and on iteration; no deterministic cleanup is
// attempted.
// The table performs no locking on its own: all accesses
// are expected to happen under the private mutex of the
// lock that owns it.
//
// The `entries` maps the weak identity of a resource to
// its value. Two weak pointers compare equal exactly when
// they were created from the same object, which provides
// the reference identity semantics the table needs.
type weakKeyTable[R any, V any] struct {
	entries map[weak.Pointer[R]]V
}

// weakTableItem :
// One live entry of the table as produced by `iterate`,
// carrying a strong reference to the key.
type weakTableItem[R any, V any] struct {
	key   *R
	value V
}

// newWeakKeyTable :
// Creates an empty table.
//
// Returns the created table.
func newWeakKeyTable[R any, V any]() weakKeyTable[R, V] {
	return weakKeyTable[R, V]{
		entries: make(map[weak.Pointer[R]]V),
	}
}

// get :
// Retrieves the value associated to the input resource.
//
// The `key` defines the resource to look up.
//
// Returns the value along with a boolean indicating
// whether an entry exists.
func (t *weakKeyTable[R, V]) get(key *R) (V, bool) {
	v, ok := t.entries[weak.Make(key)]
	return v, ok
}

// set :
// Associates the input value to the input resource,
// replacing any previous association. Dead entries are
// elided on the way.
//
// The `key` defines the resource.
//
// The `value` defines the value to associate.
func (t *weakKeyTable[R, V]) set(key *R, value V) {
	t.purge()
	t.entries[weak.Make(key)] = value
}

// remove :
// Drops the entry associated to the input resource if
// any.
//
// The `key` defines the resource.
func (t *weakKeyTable[R, V]) remove(key *R) {
	delete(t.entries, weak.Make(key))
}

// iterate :
// Produces a snapshot of the live entries of the table.
// Entries whose key has been reclaimed are elided. The
// returned slice holds strong references to the keys so
// callers can operate on it without the table mutating
// under them.
//
// Returns the snapshot.
func (t *weakKeyTable[R, V]) iterate() []weakTableItem[R, V] {
	items := make([]weakTableItem[R, V], 0, len(t.entries))

	for wp, v := range t.entries {
		key := wp.Value()
		if key == nil {
			delete(t.entries, wp)
			continue
		}
		items = append(items, weakTableItem[R, V]{key: key, value: v})
	}

	return items
}

// purge :
// Elides every entry whose key has been reclaimed.
//
// Returns the number of elided entries.
func (t *weakKeyTable[R, V]) purge() int {
	elided := 0

	for wp := range t.entries {
		if wp.Value() == nil {
			delete(t.entries, wp)
			elided++
		}
	}

	return elided
}

// size :
// Returns the number of entries currently stored in the
// table, including entries whose key is dead but has not
// been elided yet.
func (t *weakKeyTable[R, V]) size() int {
	return len(t.entries)
}

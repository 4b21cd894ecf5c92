package locker

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableResource struct {
	name string
}

func TestWeakKeyTable_SetGetRemove(t *testing.T) {
	table := newWeakKeyTable[tableResource, int]()

	first := &tableResource{name: "first"}
	second := &tableResource{name: "second"}

	table.set(first, 1)
	table.set(second, 2)

	v, ok := table.get(first)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = table.get(second)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	// Replacing an entry keeps a single association.
	table.set(first, 3)
	v, ok = table.get(first)
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, table.size())

	table.remove(first)
	_, ok = table.get(first)
	assert.False(t, ok)
	assert.Equal(t, 1, table.size())
}

func TestWeakKeyTable_IterateSnapshotsLiveEntries(t *testing.T) {
	table := newWeakKeyTable[tableResource, int]()

	first := &tableResource{name: "first"}
	second := &tableResource{name: "second"}

	table.set(first, 1)
	table.set(second, 2)

	items := table.iterate()
	require.Len(t, items, 2)

	seen := make(map[string]int)
	for _, item := range items {
		seen[item.key.name] = item.value
	}
	assert.Equal(t, map[string]int{"first": 1, "second": 2}, seen)
}

func TestWeakKeyTable_ElidesReclaimedKeys(t *testing.T) {
	table := newWeakKeyTable[tableResource, int]()

	kept := &tableResource{name: "kept"}
	table.set(kept, 1)

	// Insert an entry whose key escapes this scope with no
	// remaining strong reference.
	func() {
		doomed := &tableResource{name: "doomed"}
		table.set(doomed, 2)
	}()

	// Collection is not deterministic: retry a few cycles
	// before concluding.
	for i := 0; i < 50 && table.size() > 1; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
		table.iterate()
	}

	items := table.iterate()
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0].key.name)

	// The surviving key can still be looked up in the
	// table.
	v, ok := table.get(kept)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWeakKeyTable_PurgeReportsElisions(t *testing.T) {
	table := newWeakKeyTable[tableResource, int]()

	func() {
		doomed := &tableResource{name: "doomed"}
		table.set(doomed, 1)
	}()

	elided := 0
	for i := 0; i < 50 && elided == 0; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
		elided = table.purge()
	}

	assert.Equal(t, 1, elided)
	assert.Equal(t, 0, table.size())
}

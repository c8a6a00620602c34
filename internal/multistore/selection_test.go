package multistore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobin_CyclesInOrder(t *testing.T) {
	t.Parallel()

	stores := []*Store{{Identifier: "a"}, {Identifier: "b"}, {Identifier: "c"}}
	rr := NewRoundRobin()

	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, rr.Select(stores).Identifier)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestRoundRobin_EmptyReturnsNil(t *testing.T) {
	t.Parallel()

	rr := NewRoundRobin()
	assert.Nil(t, rr.Select(nil))
}

func TestDrainFirst_SticksUntilEmpty(t *testing.T) {
	t.Parallel()

	stores := []*Store{{Identifier: "a"}, {Identifier: "b"}, {Identifier: "c"}}
	df := NewDrainFirst()

	// First pick rotates; a non-empty claim pins the store.
	s := df.Select(stores)
	assert.Equal(t, "a", s.Identifier)
	df.Report(s, 5)

	assert.Equal(t, "a", df.Select(stores).Identifier)
	df.Report(s, 3)
	assert.Equal(t, "a", df.Select(stores).Identifier)

	// An empty claim releases the pin; the next pick advances.
	df.Report(s, 0)
	assert.Equal(t, "b", df.Select(stores).Identifier)
}

func TestDrainFirst_StickyStoreRemovedFallsBackToRotation(t *testing.T) {
	t.Parallel()

	a := &Store{Identifier: "a"}
	b := &Store{Identifier: "b"}
	df := NewDrainFirst()

	s := df.Select([]*Store{a, b})
	df.Report(s, 1)

	// The pinned store disappears from the snapshot.
	got := df.Select([]*Store{b})
	assert.Equal(t, "b", got.Identifier)
}

func TestDrainFirst_EmptyReturnsNil(t *testing.T) {
	t.Parallel()

	df := NewDrainFirst()
	assert.Nil(t, df.Select(nil))
}

func TestRoundRobin_ExhaustsSnapshotWithinOneRotation(t *testing.T) {
	t.Parallel()

	// A dispatcher invocation tries len(stores) picks before giving up;
	// every store must be visited exactly once when all claims come back
	// empty.
	stores := []*Store{{Identifier: "a"}, {Identifier: "b"}, {Identifier: "c"}}
	rr := NewRoundRobin()

	seen := make(map[string]int)

	for range stores {
		s := rr.Select(stores)
		rr.Report(s, 0)
		seen[s.Identifier]++
	}

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestDrainFirst_ExhaustsSnapshotWithinOneRotation(t *testing.T) {
	t.Parallel()

	stores := []*Store{{Identifier: "a"}, {Identifier: "b"}, {Identifier: "c"}}
	df := NewDrainFirst()

	seen := make(map[string]int)

	for range stores {
		s := df.Select(stores)
		df.Report(s, 0)
		seen[s.Identifier]++
	}

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestDrainFirst_ReportFromOtherStoreKeepsPin(t *testing.T) {
	t.Parallel()

	a := &Store{Identifier: "a"}
	b := &Store{Identifier: "b"}
	df := NewDrainFirst()

	df.Report(a, 4)
	df.Report(b, 0)

	assert.Equal(t, "a", df.Select([]*Store{a, b}).Identifier)
}

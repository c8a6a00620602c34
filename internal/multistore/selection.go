package multistore

import (
	"sync"
	"sync/atomic"
)

// SelectionStrategy picks one store out of a snapshot for a single unit of
// dispatch work. After claiming, the dispatcher reports how many rows the
// chosen store yielded so stateful strategies can steer the next pick.
type SelectionStrategy interface {
	Select(stores []*Store) *Store
	Report(s *Store, claimed int)
}

// RoundRobin cycles through the stores in provider order, one per call,
// starting from a cached next index.
type RoundRobin struct {
	counter uint64
}

// NewRoundRobin constructs a RoundRobin selector.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Select returns the next store in rotation, or nil if stores is empty.
func (r *RoundRobin) Select(stores []*Store) *Store {
	if len(stores) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&r.counter, 1) - 1

	return stores[int(idx%uint64(len(stores)))]
}

// Report is a no-op; rotation advances on every Select.
func (r *RoundRobin) Report(*Store, int) {}

// DrainFirst sticks to the last store that yielded a non-empty claim until
// it comes back empty, then advances to the next store in provider order.
type DrainFirst struct {
	mu     sync.Mutex
	sticky string
	next   int
}

// NewDrainFirst constructs a DrainFirst selector.
func NewDrainFirst() *DrainFirst { return &DrainFirst{} }

// Select returns the sticky store while one is set, falling back to plain
// rotation when there is none or the sticky store left the snapshot.
func (d *DrainFirst) Select(stores []*Store) *Store {
	if len(stores) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sticky != "" {
		for _, s := range stores {
			if s.Identifier == d.sticky {
				return s
			}
		}

		d.sticky = ""
	}

	s := stores[d.next%len(stores)]
	d.next++

	return s
}

// Report pins the store while it keeps yielding rows and releases it on an
// empty claim.
func (d *DrainFirst) Report(s *Store, claimed int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if claimed > 0 {
		d.sticky = s.Identifier

		return
	}

	if d.sticky == s.Identifier {
		d.sticky = ""
	}
}

package dispatch

import (
	"sync"
	"sync/atomic"
)

// InboxRoundRobin cycles through InboxStores in provider order, one per
// call, mirroring multistore.RoundRobin for the inbox side.
type InboxRoundRobin struct {
	counter uint64
}

// NewInboxRoundRobin constructs an InboxRoundRobin selector.
func NewInboxRoundRobin() *InboxRoundRobin { return &InboxRoundRobin{} }

// Select returns the next store in rotation, or nil if stores is empty.
func (r *InboxRoundRobin) Select(stores []*InboxStore) *InboxStore {
	if len(stores) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&r.counter, 1) - 1

	return stores[int(idx%uint64(len(stores)))]
}

// Report is a no-op; rotation advances on every Select.
func (r *InboxRoundRobin) Report(*InboxStore, int) {}

// InboxDrainFirst sticks to the last inbox store that yielded a non-empty
// claim until it comes back empty, then advances, mirroring
// multistore.DrainFirst.
type InboxDrainFirst struct {
	mu     sync.Mutex
	sticky string
	next   int
}

// NewInboxDrainFirst constructs an InboxDrainFirst selector.
func NewInboxDrainFirst() *InboxDrainFirst { return &InboxDrainFirst{} }

// Select returns the sticky store while one is set, falling back to plain
// rotation when there is none or the sticky store left the snapshot.
func (d *InboxDrainFirst) Select(stores []*InboxStore) *InboxStore {
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
func (d *InboxDrainFirst) Report(s *InboxStore, claimed int) {
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

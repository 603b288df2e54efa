package resource

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reservation is an exclusive claim on a set of slots. It is released exactly
// once; further Release calls are no-ops so that crash-recovery replays stay
// harmless.
type Reservation struct {
	ID    string
	Slots SlotSet

	released bool
}

// Released reports whether the reservation has been returned to the registry.
func (r *Reservation) Released() bool {
	return r.released
}

// Registry tracks node capacity and the slots currently allocated to live
// kernels. All consumers hold a handle to one Registry instance; there is no
// package-level state.
type Registry struct {
	mu        sync.Mutex
	capacity  SlotSet
	allocated SlotSet
}

// NewRegistry creates a registry with the given node capacity. The capacity
// is cloned and never mutated afterwards.
func NewRegistry(capacity SlotSet) *Registry {
	// Allocated carries an explicit zero per kind so capacity reports and
	// heartbeats always list every slot.
	alloc := make(SlotSet, len(capacity))
	for name := range capacity {
		alloc[name] = decimal.Zero
	}
	return &Registry{
		capacity:  capacity.Clone(),
		allocated: alloc,
	}
}

// Reserve atomically claims the requested slots. Either every kind is
// satisfied and the allocated totals grow by exactly req, or nothing changes
// and an *InsufficientResourcesError identifies the exhausted kind.
func (r *Registry) Reserve(req SlotSet) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range req.Names() {
		q := req[name]
		avail := r.capacity.Get(name).Sub(r.allocated.Get(name))
		if avail.LessThan(q) {
			return nil, &InsufficientResourcesError{
				Slot:      name,
				Requested: q,
				Available: avail,
			}
		}
	}

	r.allocated.Add(req)
	return &Reservation{
		ID:    uuid.NewString(),
		Slots: req.Clone(),
	}, nil
}

// Release returns a reservation's slots to the pool. Idempotent: releasing a
// reservation twice has the same effect as releasing it once.
func (r *Registry) Release(res *Reservation) {
	if res == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if res.released {
		return
	}
	res.released = true
	r.allocated.Sub(res.Slots)
}

// Restore re-establishes a reservation recorded before an agent restart while
// its container is still live. Unlike Reserve it fails with
// ErrCapacityExceeded rather than a rejectable insufficient-resources error,
// because the slots are already in use by a real container.
func (r *Registry) Restore(slots SlotSet) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.allocated.Clone()
	next.Add(slots)
	if !r.capacity.Covers(next) {
		return nil, ErrCapacityExceeded
	}

	r.allocated = next
	return &Reservation{
		ID:    uuid.NewString(),
		Slots: slots.Clone(),
	}, nil
}

// Capacity returns a copy of the node capacity.
func (r *Registry) Capacity() SlotSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity.Clone()
}

// Allocated returns a copy of the currently allocated totals.
func (r *Registry) Allocated() SlotSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocated.Clone()
}

// Available returns capacity minus allocated per kind.
func (r *Registry) Available() SlotSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.capacity.Clone()
	out.Sub(r.allocated)
	return out
}

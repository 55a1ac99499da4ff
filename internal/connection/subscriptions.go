package connection

import (
	"sort"
	"sync"

	"github.com/truvis/pricestream/internal/model"
)

// SubscriptionRegistry records the instruments the feed should deliver.
// It is the desired set: entries survive send failures and reconnects, and
// only Remove takes one out.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[model.InstrumentID]bool // instrument -> acknowledged on current connection
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[model.InstrumentID]bool)}
}

// Add records id. Returns false if it was already present.
func (r *SubscriptionRegistry) Add(id model.InstrumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; ok {
		return false
	}
	r.subs[id] = false
	return true
}

// Remove deletes id. Returns false if it was not present.
func (r *SubscriptionRegistry) Remove(id model.InstrumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Contains reports whether id is in the desired set.
func (r *SubscriptionRegistry) Contains(id model.InstrumentID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id]
	return ok
}

// MarkSubscribed records a feed acknowledgement. Unknown instruments are ignored.
func (r *SubscriptionRegistry) MarkSubscribed(id model.InstrumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	r.subs[id] = true
	return true
}

// ResetAcks clears every acknowledgement, keeping the set itself.
func (r *SubscriptionRegistry) ResetAcks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.subs {
		r.subs[id] = false
	}
}

// Instruments returns the desired set in sorted order.
func (r *SubscriptionRegistry) Instruments() []model.InstrumentID {
	r.mu.RLock()
	ids := make([]model.InstrumentID, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// States returns a sorted snapshot of every entry.
func (r *SubscriptionRegistry) States() []model.SubscriptionState {
	r.mu.RLock()
	states := make([]model.SubscriptionState, 0, len(r.subs))
	for id, acked := range r.subs {
		states = append(states, model.SubscriptionState{Instrument: id, Subscribed: acked})
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Instrument < states[j].Instrument })
	return states
}

// Len returns the size of the desired set.
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Acknowledged returns how many entries the feed has confirmed.
func (r *SubscriptionRegistry) Acknowledged() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, acked := range r.subs {
		if acked {
			n++
		}
	}
	return n
}

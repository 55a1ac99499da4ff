package market

import (
	"sort"
	"sync"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

type entry struct {
	source    Source
	trackedAt time.Time
}

// registryState holds the thread-safe tracked set.
type registryState struct {
	mu sync.RWMutex

	// Tracked instruments indexed by code.
	tracked map[model.InstrumentID]entry

	// Last successful durable sync timestamp.
	lastSyncAt time.Time

	// Output channel for the connection manager.
	changes chan Change
}

func newState() *registryState {
	return &registryState{
		tracked: make(map[model.InstrumentID]entry),
		changes: make(chan Change, ChangeBufferSize),
	}
}

// track adds or upgrades id (write-locked). Returns the change to emit, if any.
func (s *registryState) track(id model.InstrumentID, source Source) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.trackLocked(id, source)
}

// trackLocked adds or upgrades id (caller must hold write lock).
func (s *registryState) trackLocked(id model.InstrumentID, source Source) (Change, bool) {
	existing, ok := s.tracked[id]
	if ok {
		// Durable-only entries become streamed once a streaming source asks.
		if existing.source.Streams() || !source.Streams() {
			return Change{}, false
		}
		existing.source = source
		s.tracked[id] = existing
		return Change{Instrument: id, EventType: EventTracked, Source: source}, true
	}

	s.tracked[id] = entry{source: source, trackedAt: time.Now()}
	return Change{Instrument: id, EventType: EventTracked, Source: source}, true
}

// untrack removes id (write-locked).
func (s *registryState) untrack(id model.InstrumentID) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tracked[id]
	if !ok {
		return Change{}, false
	}
	delete(s.tracked, id)
	return Change{Instrument: id, EventType: EventUntracked, Source: existing.source}, true
}

func (s *registryState) contains(id model.InstrumentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tracked[id]
	return ok
}

// list returns a sorted copy of tracked ids matching keep (read-locked).
func (s *registryState) list(keep func(entry) bool) []model.InstrumentID {
	s.mu.RLock()
	ids := make([]model.InstrumentID, 0, len(s.tracked))
	for id, e := range s.tracked {
		if keep == nil || keep(e) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *registryState) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracked)
}

// notifyChange sends a change to the changes channel (non-blocking).
// Changes for durable-only instruments never affect the feed and are not sent.
func (s *registryState) notifyChange(change Change) {
	if !change.Source.Streams() {
		return
	}

	select {
	case s.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- change:
		default:
		}
	}
}

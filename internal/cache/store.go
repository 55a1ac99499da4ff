package cache

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// Store holds the latest price per instrument.
type Store interface {
	// Get returns the entry for id. ok is false when nothing is cached.
	Get(ctx context.Context, id model.InstrumentID) (entry model.CurrentPriceEntry, ok bool, err error)

	// Set overwrites the entry for its instrument.
	Set(ctx context.Context, entry model.CurrentPriceEntry) error

	// All returns every cached entry.
	All(ctx context.Context) ([]model.CurrentPriceEntry, error)
}

// Durable is the persistent price table behind the cache.
type Durable interface {
	// GetPrice returns model.ErrNotFound when the instrument has no row.
	GetPrice(ctx context.Context, id model.InstrumentID) (model.CurrentPriceEntry, error)
	UpsertPrice(ctx context.Context, entry model.CurrentPriceEntry) error
	UpsertPrices(ctx context.Context, entries []model.CurrentPriceEntry) error
}

// Provider fetches a price on demand from the upstream REST API.
type Provider interface {
	GetPrice(ctx context.Context, id model.InstrumentID) (decimal.Decimal, error)
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[model.InstrumentID]model.CurrentPriceEntry
}

// MemoryStore is an in-process Store split into lock shards.
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[model.InstrumentID]model.CurrentPriceEntry)}
	}
	return s
}

func (s *MemoryStore) shardFor(id model.InstrumentID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id model.InstrumentID) (model.CurrentPriceEntry, bool, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, entry model.CurrentPriceEntry) error {
	sh := s.shardFor(entry.Instrument)
	sh.mu.Lock()
	sh.entries[entry.Instrument] = entry
	sh.mu.Unlock()
	return nil
}

// All implements Store. Entries are sorted by instrument.
func (s *MemoryStore) All(ctx context.Context) ([]model.CurrentPriceEntry, error) {
	var out []model.CurrentPriceEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// Len returns the number of cached instruments.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// KeyPrefix is prepended to the instrument code to form the Redis key.
const KeyPrefix = "stock:price:"

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

type redisEntry struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RedisStore keeps entries as JSON strings with an expiry.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a store on client. A zero ttl keeps keys forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func key(id model.InstrumentID) string {
	return KeyPrefix + string(id)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id model.InstrumentID) (model.CurrentPriceEntry, bool, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CurrentPriceEntry{}, false, nil
	}
	if err != nil {
		return model.CurrentPriceEntry{}, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.CurrentPriceEntry{}, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return model.CurrentPriceEntry{Instrument: id, Price: e.Price, UpdatedAt: e.UpdatedAt}, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, entry model.CurrentPriceEntry) error {
	data, err := json.Marshal(redisEntry{Price: entry.Price, UpdatedAt: entry.UpdatedAt})
	if err != nil {
		return fmt.Errorf("marshal price failed: %w", err)
	}
	return s.client.Set(ctx, key(entry.Instrument), data, s.ttl).Err()
}

// All implements Store by scanning the key prefix.
func (s *RedisStore) All(ctx context.Context) ([]model.CurrentPriceEntry, error) {
	var out []model.CurrentPriceEntry

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := model.InstrumentID(strings.TrimPrefix(iter.Val(), KeyPrefix))
		e, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

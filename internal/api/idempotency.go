package api

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

// MemoryIdempotency keeps idempotency keys in process for ttl. It backs the
// purchase endpoint when no database is configured.
type MemoryIdempotency struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{cache: cache.New(ttl, 2*ttl)}
}

func (m *MemoryIdempotency) BeginRequest(_ context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache.Get(key); ok {
		rec := v.(domain.IdempotencyRecord)
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Status != domain.IdempotencyCompleted {
			return nil, domain.ErrIdempotencyConflict
		}
		return &rec, nil
	}

	m.cache.Set(key, domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyInProgress,
	}, cache.DefaultExpiration)
	return nil, nil
}

func (m *MemoryIdempotency) CompleteRequest(_ context.Context, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return nil
	}
	rec := v.(domain.IdempotencyRecord)
	rec.Status = domain.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	m.cache.Set(key, rec, cache.DefaultExpiration)
	return nil
}

func (m *MemoryIdempotency) AbandonRequest(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache.Get(key); ok && v.(domain.IdempotencyRecord).Status == domain.IdempotencyInProgress {
		m.cache.Delete(key)
	}
	return nil
}

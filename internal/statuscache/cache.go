// Package statuscache holds a short-lived read cache over outbox statistics.
// It is never the source of truth: any mutation invalidates it and the next
// read falls through to storage.
package statuscache

import (
	"context"
	"sync"
	"time"

	"offsync/internal/models"
)

// Cache serves GetStatus reads without hitting storage. Get returns nil on a
// miss or an expired entry.
type Cache interface {
	Get(ctx context.Context) (*models.QueueStats, error)
	Set(ctx context.Context, stats models.QueueStats) error
	Invalidate(ctx context.Context) error
}

// Memory is a single-entry TTL cache.
type Memory struct {
	mu        sync.Mutex
	stats     *models.QueueStats
	expiresAt time.Time
	ttl       time.Duration
}

// NewMemory builds an in-process cache with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl}
}

func (m *Memory) Get(ctx context.Context) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats == nil || time.Now().After(m.expiresAt) {
		return nil, nil
	}
	copied := *m.stats
	return &copied, nil
}

func (m *Memory) Set(ctx context.Context, stats models.QueueStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = &stats
	m.expiresAt = time.Now().Add(m.ttl)
	return nil
}

func (m *Memory) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = nil
	return nil
}

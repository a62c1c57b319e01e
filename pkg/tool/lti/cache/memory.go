// pkg/tool/lti/cache/memory.go
package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

/*
Package cache holds the lti.Cache backends:

  - Memory: process-local, backed by go-cache. Fine for a single replica.
  - Redis:  shared between replicas; Take maps to GETDEL.

Both honour per-entry TTLs, so launch data lifetime can be tuned.
*/

// Memory is an in-process lti.Cache.
type Memory struct {
	// mu serialises Take against Set so read+delete is atomic per key.
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemory returns a Memory cache that purges expired entries every cleanup.
func NewMemory(cleanup time.Duration) *Memory {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return b, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.mu.Lock()
	m.c.Set(key, append([]byte(nil), value...), ttl)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	m.c.Delete(key)
	b, _ := v.([]byte)
	return b, true, nil
}

func (m *Memory) CanExpire() bool { return true }

// Len is the number of live entries (expired-but-unpurged included).
func (m *Memory) Len() int { return m.c.ItemCount() }

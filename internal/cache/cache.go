package cache

import (
	"context"
	"sync"
	"time"
)

// SubmissionGuard remembers form submission tokens for a while so a replayed
// post is rejected instead of recording the same sale twice.
type SubmissionGuard interface {
	// Claim reports whether key was free and is now held for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type NoopSubmissionGuard struct{}

func (NoopSubmissionGuard) Claim(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (NoopSubmissionGuard) Release(_ context.Context, _ string) error {
	return nil
}

// MemorySubmissionGuard is the single-process guard used when no Redis is
// configured.
type MemorySubmissionGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemorySubmissionGuard() *MemorySubmissionGuard {
	return &MemorySubmissionGuard{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (g *MemorySubmissionGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, held := g.expires[key]; held && now.Before(until) {
		return false, nil
	}
	g.expires[key] = now.Add(ttl)

	if len(g.expires) > 1024 {
		for k, until := range g.expires {
			if !now.Before(until) {
				delete(g.expires, k)
			}
		}
	}
	return true, nil
}

func (g *MemorySubmissionGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.expires, key)
	return nil
}

// Package guard rejects repeated submissions that carry the same
// idempotency key within a time window.
package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"retratai/internal/domain"
)

// Guard claims idempotency keys.
type Guard interface {
	// Claim records key for ttl. It fails with domain.ErrDuplicateOperation
	// when key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) error
	// Release frees key early, typically after the request failed validation.
	Release(ctx context.Context, key string) error
}

// Key scopes a client supplied idempotency key to its user.
func Key(userID, idempotencyKey string) string {
	return "idem:" + userID + ":" + strings.TrimSpace(idempotencyKey)
}

func duplicate(key string) error {
	return fmt.Errorf("guard: %s: %w", key, domain.ErrDuplicateOperation)
}

// MemoryGuard keeps keys in process memory.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.keys {
		if !exp.After(now) {
			delete(g.keys, k)
		}
	}
	if _, ok := g.keys[key]; ok {
		return duplicate(key)
	}
	g.keys[key] = now.Add(ttl)
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

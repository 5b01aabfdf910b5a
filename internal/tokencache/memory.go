// Package tokencache stores credentials keyed by owner with a TTL
// equal to their remaining lifetime.
package tokencache

import (
	"context"
	"sync"

	"github.com/contentharvest/harvester/internal/harvest"
)

// Memory is an in-process TokenCache for development and tests.
type Memory struct {
	mu     sync.RWMutex
	tokens map[int64]harvest.Token
	clock  harvest.Clock
}

// NewMemory constructs a Memory cache.
func NewMemory(clock harvest.Clock) *Memory {
	return &Memory{
		tokens: make(map[int64]harvest.Token),
		clock:  clock,
	}
}

// Get implements harvest.TokenCache. Expired entries read as misses.
func (m *Memory) Get(_ context.Context, ownerID int64) (harvest.Token, bool, error) {
	m.mu.RLock()
	token, ok := m.tokens[ownerID]
	m.mu.RUnlock()
	if !ok || !token.ExpiresAt.After(m.clock.Now()) {
		return harvest.Token{}, false, nil
	}
	return token, true, nil
}

// Set implements harvest.TokenCache.
func (m *Memory) Set(_ context.Context, token harvest.Token) error {
	m.mu.Lock()
	m.tokens[token.OwnerID] = token
	m.mu.Unlock()
	return nil
}

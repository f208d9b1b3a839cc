// Package claims tracks which execution currently owns each source
// server. Admission claims every server of an execution before it starts;
// a claim held elsewhere means the server is double-booked.
package claims

import (
	"context"
	"sync"
	"time"
)

// Registry is the server-claim store.
type Registry interface {
	// Claim takes ownership of serverID for ownerID. When the server is
	// already owned it returns false and the current owner.
	Claim(ctx context.Context, serverID, ownerID string, ttl time.Duration) (bool, string, error)

	// Release drops the claim iff ownerID still holds it.
	Release(ctx context.Context, serverID, ownerID string) error

	// Owner returns the current owner of serverID, or "" when unclaimed.
	Owner(ctx context.Context, serverID string) (string, error)
}

// Memory is a process-local registry used when redis is not configured.
type Memory struct {
	mu     sync.Mutex
	owners map[string]memoryClaim
}

type memoryClaim struct {
	owner   string
	expires time.Time
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]memoryClaim)}
}

func (m *Memory) Claim(ctx context.Context, serverID, ownerID string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.owners[serverID]; ok && time.Now().Before(c.expires) && c.owner != ownerID {
		return false, c.owner, nil
	}
	m.owners[serverID] = memoryClaim{owner: ownerID, expires: time.Now().Add(ttl)}
	return true, ownerID, nil
}

func (m *Memory) Release(ctx context.Context, serverID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.owners[serverID]; ok && c.owner == ownerID {
		delete(m.owners, serverID)
	}
	return nil
}

func (m *Memory) Owner(ctx context.Context, serverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.owners[serverID]
	if !ok || time.Now().After(c.expires) {
		return "", nil
	}
	return c.owner, nil
}

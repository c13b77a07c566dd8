package lease

import (
	"context"
	"sync"
	"time"

	"github.com/jun/agentsync/internal/model"
)

// MemoryLeaser implements Leaser using an in-memory map.
type MemoryLeaser struct {
	leases map[string]*model.Lease
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryLeaser creates a MemoryLeaser. A non-positive ttl uses DefaultTTL.
func NewMemoryLeaser(ttl time.Duration) *MemoryLeaser {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLeaser{
		leases: make(map[string]*model.Lease),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *MemoryLeaser) Acquire(ctx context.Context, agentID, owner string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	if existing, ok := m.leases[agentID]; ok {
		if existing.ExpiresAt >= now && existing.Owner != owner {
			return nil, ErrHeld
		}
	}

	l := &model.Lease{
		AgentID:   agentID,
		Owner:     owner,
		ExpiresAt: now + int64(m.ttl.Seconds()),
	}
	m.leases[agentID] = l
	c := *l
	return &c, nil
}

func (m *MemoryLeaser) Release(ctx context.Context, agentID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[agentID]; ok && existing.Owner == owner {
		delete(m.leases, agentID)
	}
	return nil
}

// Holder returns the current owner of an unexpired lease, or "".
func (m *MemoryLeaser) Holder(agentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.leases[agentID]
	if !ok || existing.ExpiresAt < m.now().Unix() {
		return ""
	}
	return existing.Owner
}

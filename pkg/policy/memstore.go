package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by the one-shot CLI path and
// tests. It applies the same version and immutability rules as the
// SQLite store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, exists := m.policies[p.ID]; exists {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	m.policies[p.ID] = p.Clone()
	m.order = append(m.order, p.ID)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id, orgID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok || p.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// Update implements Store. The stored type wins over whatever the
// caller put in p.Type; a mismatch is rejected.
func (m *MemoryStore) Update(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.policies[p.ID]
	if !ok || existing.OrganizationID != p.OrganizationID {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if p.Type != existing.Type {
		return fmt.Errorf("%w: cannot change %q to %q", ErrTypeImmutable, existing.Type, p.Type)
	}
	// Activation-time validation keeps malformed configs out of the
	// evaluation path.
	if p.Status == StatusActive {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	updated := p.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.CreatedBy = existing.CreatedBy
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	m.policies[p.ID] = updated

	p.Version = updated.Version
	p.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[id]
	if !ok || p.OrganizationID != orgID {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.policies, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, orgID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Policy, 0, len(m.order))
	for _, id := range m.order {
		if p := m.policies[id]; p.OrganizationID == orgID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(ctx context.Context, orgID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scoped := make([]*Policy, 0, len(m.order))
	for _, id := range m.order {
		if p := m.policies[id]; p.OrganizationID == orgID {
			scoped = append(scoped, p)
		}
	}
	return NewSnapshot(scoped), nil
}

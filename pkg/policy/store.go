package policy

import (
	"context"
	"time"
)

// Store is the persistence boundary for policies. Implementations must
// bump Version on every mutation and reject type changes.
type Store interface {
	// Create stores a new policy. The store assigns ID, Version and
	// timestamps when unset.
	Create(ctx context.Context, p *Policy) error

	// Get returns the policy with the given id scoped to an organization.
	Get(ctx context.Context, id, orgID string) (*Policy, error)

	// Update mutates name, description, status, config and tags of an
	// existing policy and increments its version. Changing the type
	// returns ErrTypeImmutable. Activating a policy with an invalid
	// config fails with ErrInvalidConfig.
	Update(ctx context.Context, p *Policy) error

	// Delete removes a policy.
	Delete(ctx context.Context, id, orgID string) error

	// List returns all policies for an organization in creation order.
	List(ctx context.Context, orgID string) ([]*Policy, error)

	// Snapshot returns an immutable point-in-time view of the
	// organization's policies. Mutations committed after the snapshot
	// is taken never affect evaluations running against it.
	Snapshot(ctx context.Context, orgID string) (*Snapshot, error)
}

// Snapshot is a read-only, point-in-time view of a policy store scoped
// to one organization. Policies are deep copies; callers may read them
// concurrently without synchronization.
type Snapshot struct {
	takenAt time.Time
	ordered []*Policy
	byID    map[string]*Policy
}

// NewSnapshot builds a snapshot from policies in store order. The
// policies are cloned so the snapshot is isolated from later edits.
func NewSnapshot(policies []*Policy) *Snapshot {
	s := &Snapshot{
		takenAt: time.Now().UTC(),
		ordered: make([]*Policy, 0, len(policies)),
		byID:    make(map[string]*Policy, len(policies)),
	}
	for _, p := range policies {
		cp := p.Clone()
		s.ordered = append(s.ordered, cp)
		s.byID[cp.ID] = cp
	}
	return s
}

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Get returns the policy with the given id, if present.
func (s *Snapshot) Get(id string) (*Policy, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Active returns the active policies in stable store order.
func (s *Snapshot) Active() []*Policy {
	out := make([]*Policy, 0, len(s.ordered))
	for _, p := range s.ordered {
		if p.Status == StatusActive {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the total number of policies in the snapshot.
func (s *Snapshot) Len() int { return len(s.ordered) }

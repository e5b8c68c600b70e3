package milestone

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow and milestone store.
type MemoryStore struct {
	escrows    map[string]*Escrow
	milestones map[string]*Milestone
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string]*Milestone),
	}
}

func (m *MemoryStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByIntent(ctx context.Context, intentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.escrows {
		if e.GatewayIntentID == intentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) CreateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[ms.EscrowID]; !ok {
		return ErrEscrowNotFound
	}
	m.milestones[ms.ID] = copyMilestone(ms)
	return nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return copyMilestone(ms), nil
}

func (m *MemoryStore) ListMilestones(ctx context.Context, f Filter) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if f.EscrowID != "" && ms.EscrowID != f.EscrowID {
			continue
		}
		if f.SessionID != "" && ms.SessionID != f.SessionID {
			continue
		}
		result = append(result, copyMilestone(ms))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EscrowID != result[j].EscrowID {
			return result[i].EscrowID < result[j].EscrowID
		}
		if result[i].Index != result[j].Index {
			return result[i].Index < result[j].Index
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []*Milestone{}, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) SaveProof(ctx context.Context, id string, proof json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	switch ms.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusReleasing:
		return ErrReleaseInFlight
	}
	ms.ProofData = append(json.RawMessage(nil), proof...)
	ms.Status = StatusProofSubmitted
	ms.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ClaimCompletion(ctx context.Context, id string, at time.Time) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return "", ErrMilestoneNotFound
	}
	switch ms.Status {
	case StatusCompleted:
		return "", ErrAlreadyCompleted
	case StatusReleasing:
		return "", ErrReleaseInFlight
	}
	e, ok := m.escrows[ms.EscrowID]
	if !ok {
		return "", ErrEscrowNotFound
	}
	released := decimal.NewFromFloat(e.ReleasedAmount).Add(decimal.NewFromFloat(ms.Amount))
	if released.GreaterThan(decimal.NewFromFloat(e.LockedAmount)) {
		return "", ErrReleaseExceedsEscrow
	}

	prev := ms.Status
	ms.Status = StatusReleasing
	ms.UpdatedAt = at
	e.ReleasedAmount = released.InexactFloat64()
	e.UpdatedAt = at
	return prev, nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, id string, prev Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	if ms.Status != StatusReleasing {
		return nil
	}
	e, ok := m.escrows[ms.EscrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	ms.Status = prev
	ms.UpdatedAt = at
	e.ReleasedAmount = decimal.NewFromFloat(e.ReleasedAmount).Sub(decimal.NewFromFloat(ms.Amount)).InexactFloat64()
	e.UpdatedAt = at
	return nil
}

func (m *MemoryStore) FinishCompletion(ctx context.Context, id, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	if ms.Status != StatusReleasing {
		return ErrAlreadyCompleted
	}
	e, ok := m.escrows[ms.EscrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	ms.Status = StatusCompleted
	ms.ReleaseTxID = txID
	ms.CompletedAt = &at
	ms.UpdatedAt = at
	if decimal.NewFromFloat(e.ReleasedAmount).GreaterThanOrEqual(decimal.NewFromFloat(e.LockedAmount)) {
		e.Status = EscrowReleased
	}
	e.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyMilestone(ms *Milestone) *Milestone {
	cp := *ms
	if ms.ProofData != nil {
		cp.ProofData = append(json.RawMessage(nil), ms.ProofData...)
	}
	if ms.CompletedAt != nil {
		t := *ms.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session
	payments map[string][]*Payment // by session ID, append order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		payments: make(map[string][]*Payment),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session, lock *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(s.StudentID, s.ListingID) {
		return ErrActiveSessionExists
	}
	m.sessions[s.ID] = copySession(s)
	if lock != nil {
		cp := *lock
		m.payments[s.ID] = append(m.payments[s.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) HasActive(ctx context.Context, studentID, listingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(studentID, listingID), nil
}

// activeLocked treats settling as active: the reserve is still held.
// Caller holds m.mu.
func (m *MemoryStore) activeLocked(studentID, listingID string) bool {
	for _, s := range m.sessions {
		if s.StudentID == studentID && s.ListingID == listingID &&
			(s.Status == StatusActive || s.Status == StatusSettling) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) BeginSettlement(ctx context.Context, id string, at time.Time) error {
	return m.transition(id, StatusActive, StatusSettling, ErrNotActive, at)
}

func (m *MemoryStore) RollbackSettlement(ctx context.Context, id string, at time.Time) error {
	return m.transition(id, StatusSettling, StatusActive, ErrNotSettling, at)
}

func (m *MemoryStore) transition(id string, from, to Status, mismatch error, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != from {
		return mismatch
	}
	s.Status = to
	s.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CompleteSettlement(ctx context.Context, s *Session, settle, refund *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Status != StatusSettling {
		return ErrNotSettling
	}
	m.sessions[s.ID] = copySession(s)
	for _, p := range []*Payment{settle, refund} {
		cp := *p
		m.payments[s.ID] = append(m.payments[s.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, sessionID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Payment, 0, len(m.payments[sessionID]))
	for _, p := range m.payments[sessionID] {
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.StartTime.Before(cutoff) {
			result = append(result, copySession(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copySession(s *Session) *Session {
	cp := *s
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	cp.DurationMin = copyFloat(s.DurationMin)
	cp.CompletionPercentage = copyFloat(s.CompletionPercentage)
	cp.FinalAmountCharged = copyFloat(s.FinalAmountCharged)
	cp.RefundAmount = copyFloat(s.RefundAmount)
	if s.EngagementMetrics != nil {
		cp.EngagementMetrics = append(json.RawMessage(nil), s.EngagementMetrics...)
	}
	return &cp
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

var _ Store = (*MemoryStore)(nil)

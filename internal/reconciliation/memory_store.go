package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps gaps in memory.
type MemoryStore struct {
	gaps map[string]*Gap
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gaps: make(map[string]*Gap)}
}

func (m *MemoryStore) Create(ctx context.Context, gap *Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[gap.ID] = copyGap(gap)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Gap
	for _, g := range m.gaps {
		if unresolvedOnly && g.Resolved() {
			continue
		}
		out = append(out, copyGap(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, at time.Time) (*Gap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gaps[id]
	if !ok {
		return nil, ErrGapNotFound
	}
	if g.ResolvedAt == nil {
		g.ResolvedAt = &at
	}
	return copyGap(g), nil
}

func copyGap(g *Gap) *Gap {
	cp := *g
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

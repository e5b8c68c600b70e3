package catalog

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory catalog for demo/development mode.
type MemoryStore struct {
	users    map[string]*User
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		listings: make(map[string]*Listing),
	}
}

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

// PutListing inserts or replaces a listing.
func (m *MemoryStore) PutListing(l *Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = copyListing(l)
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return copyListing(l), nil
}

func (m *MemoryStore) AssignWallet(ctx context.Context, userID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.WalletAddress = address
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyListing(l *Listing) *Listing {
	cp := *l
	if l.ReserveAmount != nil {
		r := *l.ReserveAmount
		cp.ReserveAmount = &r
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

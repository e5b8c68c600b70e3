// Package catalog is the read side of the user and listing directory that
// sessions are opened against. Profiles and listings are owned elsewhere;
// the only write this package performs is assigning a connected wallet.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("catalog: user not found")
	ErrListingNotFound = errors.New("catalog: listing not found")
)

// Role of a user.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ListingPublished is the only listing status a session can be opened on.
const ListingPublished = "published"

// User is a marketplace participant.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email,omitempty"`
	Role          Role      `json:"role"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasWallet reports whether a wallet has been connected.
func (u *User) HasWallet() bool { return u.WalletAddress != "" }

// Listing is a priced piece of content.
type Listing struct {
	ID               string    `json:"id"`
	TeacherID        string    `json:"teacher_id"`
	Title            string    `json:"title"`
	PricePerMin      float64   `json:"price_per_min"`
	TotalDurationMin float64   `json:"total_duration_min"`
	ReserveAmount    *float64  `json:"reserve_amount,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsPublished reports whether sessions may be opened on the listing.
func (l *Listing) IsPublished() bool { return l.Status == ListingPublished }

// Store provides access to users and listings.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetListing(ctx context.Context, id string) (*Listing, error)
	AssignWallet(ctx context.Context, userID, address string) error
	Ping(ctx context.Context) error
}

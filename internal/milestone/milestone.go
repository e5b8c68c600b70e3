// Package milestone runs the escrow variant of a paid session: the reserve
// is backed by a gateway payment intent and paid out in milestones, each
// released once proof of delivery has been submitted.
package milestone

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/reconciliation"
	"github.com/murphlabs/murph/internal/session"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrMilestoneNotFound    = errors.New("milestone not found")
	ErrAlreadyCompleted     = errors.New("milestone already completed")
	ErrReleaseInFlight      = errors.New("milestone release already in progress")
	ErrReleaseExceedsEscrow = errors.New("release would exceed escrow locked amount")
)

// EscrowStatus represents the state of an escrow.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "active"
	EscrowReleased EscrowStatus = "released" // everything locked has been paid out
	EscrowFailed   EscrowStatus = "failed"
)

// Status represents the state of a milestone.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProofSubmitted Status = "proof_submitted"
	StatusReleasing      Status = "releasing" // claimed by a Complete in flight
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Escrow backs one session's reserve at the gateway.
type Escrow struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	GatewayIntentID string       `json:"gateway_intent_id"`
	GatewayEscrowID string       `json:"gateway_escrow_id"`
	TotalAmount     float64      `json:"total_amount"`
	LockedAmount    float64      `json:"locked_amount"`
	ReleasedAmount  float64      `json:"released_amount"`
	Status          EscrowStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Milestone is one payout step of an escrow.
type Milestone struct {
	ID                 string          `json:"id"`
	EscrowID           string          `json:"escrow_id"`
	SessionID          string          `json:"session_id"`
	GatewayMilestoneID string          `json:"gateway_milestone_id"`
	Index              int             `json:"index"`
	Description        string          `json:"description"`
	Amount             float64         `json:"amount"`
	Percentage         float64         `json:"percentage"`
	Status             Status          `json:"status"`
	ProofData          json.RawMessage `json:"proof_data,omitempty"`
	ReleaseTxID        string          `json:"release_tx_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Filter narrows List.
type Filter struct {
	EscrowID  string
	SessionID string
	Limit     int
	Offset    int
}

// Store persists escrows and milestones.
type Store interface {
	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByIntent(ctx context.Context, intentID string) (*Escrow, error)

	CreateMilestone(ctx context.Context, m *Milestone) error
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, f Filter) ([]*Milestone, error)
	// SaveProof stores proof and moves the milestone to proof_submitted.
	SaveProof(ctx context.Context, id string, proof json.RawMessage, at time.Time) error

	// ClaimCompletion moves the milestone to releasing and adds its amount
	// to the escrow's released total, failing with ErrReleaseExceedsEscrow
	// when that would pass the locked amount. It returns the status the
	// milestone had before the claim.
	ClaimCompletion(ctx context.Context, id string, at time.Time) (Status, error)
	// ReleaseClaim undoes ClaimCompletion, restoring prev.
	ReleaseClaim(ctx context.Context, id string, prev Status, at time.Time) error
	// FinishCompletion records the release and marks the escrow released
	// once nothing locked remains.
	FinishCompletion(ctx context.Context, id, txID string, at time.Time) error
	Ping(ctx context.Context) error
}

// SessionLookup resolves the session a milestone belongs to.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// GapRecorder records gateway side effects that could not be persisted.
type GapRecorder interface {
	Record(ctx context.Context, gap reconciliation.Gap) *reconciliation.Gap
}

// CreateRequest contains the parameters for creating a milestone.
type CreateRequest struct {
	EscrowID    string  `json:"escrow_id" binding:"required"`
	SessionID   string  `json:"session_id" binding:"required"`
	Index       int     `json:"milestone_index"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Percentage  float64 `json:"percentage"`
}

// Proof is the delivery evidence submitted for a milestone.
type Proof struct {
	VideoURL string `json:"video_url" binding:"required"`
	Notes    string `json:"notes,omitempty"`
}

// EscrowView is an escrow as seen by GetEscrowByIntent. Escrow and
// Milestones are set when the intent is known locally, Gateway otherwise.
type EscrowView struct {
	Source     string              `json:"source"`
	Escrow     *Escrow             `json:"escrow,omitempty"`
	Milestones []*Milestone        `json:"milestones,omitempty"`
	Gateway    *paygate.EscrowInfo `json:"gateway,omitempty"`
}

// CompletionResult is returned by Complete.
type CompletionResult struct {
	Milestone      *Milestone `json:"milestone"`
	Escrow         *Escrow    `json:"escrow"`
	AmountReleased float64    `json:"amount_released"`
	TxID           string     `json:"transaction_id"`
}

// Service implements the milestone escrow flow.
type Service struct {
	store    Store
	sessions SessionLookup
	gateway  paygate.Gateway
	gaps     GapRecorder
	currency string
	logger   *slog.Logger
	now      func() time.Time

	followUpTimeout time.Duration
}

// NewService creates a new milestone service.
func NewService(store Store, sessions SessionLookup, gateway paygate.Gateway, gaps GapRecorder) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		gateway:  gateway,
		gaps:     gaps,
		currency: "USD",
		logger:   slog.Default(),
		now:      time.Now,

		followUpTimeout: 30 * time.Second,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

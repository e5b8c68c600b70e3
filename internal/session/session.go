// Package session meters a paid viewing session from the moment funds are
// locked until the usage-based charge is settled and the remainder refunded.
//
// Flow:
//  1. Start → reserve locked at the gateway, session row + lock payment written
//  2. End   → session claimed (active → settling), charge computed,
//     teacher paid, remainder refunded, session row + payments written
//
// Every gateway call carries a reference derived from the session ID so a
// retried call never moves money twice.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/catalog"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/reconciliation"
	"github.com/murphlabs/murph/internal/syncutil"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrNotActive           = errors.New("session is not active")
	ErrNotSettling         = errors.New("session is not settling")
	ErrActiveSessionExists = errors.New("student already has an active session for this listing")
)

// Status represents the state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSettling  Status = "settling" // claimed by an End in flight
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Session is one metered viewing of a listing.
type Session struct {
	ID                   string          `json:"id"`
	StudentID            string          `json:"student_id"`
	TeacherID            string          `json:"teacher_id"`
	ListingID            string          `json:"listing_id"`
	Status               Status          `json:"status"`
	StartTime            time.Time       `json:"start_time"`
	EndTime              *time.Time      `json:"end_time,omitempty"`
	DurationMin          *float64        `json:"duration_min,omitempty"`
	CompletionPercentage *float64        `json:"completion_percentage,omitempty"`
	EngagementMetrics    json.RawMessage `json:"engagement_metrics,omitempty"`
	FinalAmountCharged   *float64        `json:"final_amount_charged,omitempty"`
	RefundAmount         *float64        `json:"refund_amount,omitempty"`
	ReserveAmount        float64         `json:"reserve_amount"`
	TransactionID        string          `json:"transaction_id"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsTerminal returns true once the session can no longer change.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusEnded || s.Status == StatusCancelled
}

// PaymentType is the kind of money movement a payment row records.
type PaymentType string

const (
	PaymentLock   PaymentType = "lock"
	PaymentSettle PaymentType = "settle"
	PaymentRefund PaymentType = "refund"
)

// Payment is an append-only record of one gateway transaction.
type Payment struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Type        PaymentType `json:"type"`
	Amount      float64     `json:"amount"`
	Status      string      `json:"status"`
	GatewayTxID string      `json:"gateway_tx_id"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store persists sessions and their payments. Each method that writes more
// than one row does so atomically.
type Store interface {
	// Create inserts an active session and its lock payment. It returns
	// ErrActiveSessionExists when the student already has an active
	// session on the listing.
	Create(ctx context.Context, s *Session, lock *Payment) error
	Get(ctx context.Context, id string) (*Session, error)
	HasActive(ctx context.Context, studentID, listingID string) (bool, error)
	// BeginSettlement moves an active session to settling. Exactly one
	// concurrent caller wins; the rest get ErrNotActive.
	BeginSettlement(ctx context.Context, id string, at time.Time) error
	// RollbackSettlement returns a settling session to active.
	RollbackSettlement(ctx context.Context, id string, at time.Time) error
	// CompleteSettlement writes the ended session and both payments.
	CompleteSettlement(ctx context.Context, s *Session, settle, refund *Payment) error
	ListPayments(ctx context.Context, sessionID string) ([]*Payment, error)
	// ListStale returns active sessions that started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	Ping(ctx context.Context) error
}

// Directory resolves the users and listings a session refers to.
type Directory interface {
	GetUser(ctx context.Context, id string) (*catalog.User, error)
	GetListing(ctx context.Context, id string) (*catalog.Listing, error)
}

// EscrowOpener opens the milestone escrow that backs a new session.
type EscrowOpener interface {
	OpenForSession(ctx context.Context, sessionID string, amount float64) (escrowID, intentID string, err error)
}

// GapRecorder records gateway side effects that could not be persisted.
type GapRecorder interface {
	Record(ctx context.Context, gap reconciliation.Gap) *reconciliation.Gap
}

// StartRequest contains the parameters for starting a session.
type StartRequest struct {
	StudentID     string   `json:"student_id" binding:"required"`
	ListingID     string   `json:"listing_id" binding:"required"`
	ReserveAmount *float64 `json:"reserve_amount,omitempty"`
}

// PostStep reports the outcome of the escrow opened after a start.
type PostStep struct {
	EscrowID string `json:"escrow_id,omitempty"`
	IntentID string `json:"intent_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID     string    `json:"session_id"`
	Status        Status    `json:"status"`
	ReserveAmount float64   `json:"reserve_amount"`
	TransactionID string    `json:"transaction_id"`
	StartTime     time.Time `json:"start_time"`
	Escrow        PostStep  `json:"escrow"`
}

// EndRequest contains the parameters for ending a session.
type EndRequest struct {
	SessionID            string          `json:"session_id" binding:"required"`
	CompletionPercentage *float64        `json:"completion_percentage,omitempty"`
	EngagementMetrics    json.RawMessage `json:"engagement_metrics,omitempty"`
}

// Breakdown is the itemised result of ending a session.
type Breakdown struct {
	SessionID            string    `json:"session_id"`
	ListingID            string    `json:"listing_id"`
	TeacherID            string    `json:"teacher_id"`
	StudentID            string    `json:"student_id"`
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	DurationMin          float64   `json:"duration_min"`
	CompletionPercentage float64   `json:"completion_percentage"`
	ReserveAmount        float64   `json:"reserve_amount"`
	FinalAmountCharged   float64   `json:"final_amount_charged"`
	RefundAmount         float64   `json:"refund_amount"`
	SettleTxID           string    `json:"settle_tx_id"`
	RefundTxID           string    `json:"refund_tx_id"`
}

// Config carries the reserve policy.
type Config struct {
	DefaultReserve float64
	MinReserve     float64
}

// Service implements the session lifecycle.
type Service struct {
	store     Store
	directory Directory
	gateway   paygate.Gateway
	gaps      GapRecorder
	escrows   EscrowOpener
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	locks     *syncutil.KeyLock // per student+listing, keeps a double submit from locking twice

	// followUpTimeout bounds the store writes and refunds that run after
	// the gateway has moved money, once detached from the caller.
	followUpTimeout time.Duration
}

// NewService creates a new session service.
func NewService(store Store, directory Directory, gateway paygate.Gateway, gaps GapRecorder, cfg Config) *Service {
	if cfg.DefaultReserve <= 0 {
		cfg.DefaultReserve = 30
	}
	if cfg.MinReserve <= 0 {
		cfg.MinReserve = 1
	}
	return &Service{
		store:     store,
		directory: directory,
		gateway:   gateway,
		gaps:      gaps,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		locks:     syncutil.NewKeyLock(),

		followUpTimeout: DefaultFollowUpTimeout,
	}
}

// DefaultFollowUpTimeout bounds the work that completes a gateway side effect.
const DefaultFollowUpTimeout = 30 * time.Second

// detach returns a context that keeps ctx's values but survives its
// cancellation. A client hanging up must not stop a refund or the write
// recording money that already moved.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.followUpTimeout)
}

// WithEscrowOpener sets the escrow opened after each start.
func (s *Service) WithEscrowOpener(o EscrowOpener) *Service {
	s.escrows = o
	return s
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

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError("get session", id, err)
	}
	return sess, nil
}

// Payments returns the payment rows of a session, oldest first.
func (s *Service) Payments(ctx context.Context, sessionID string) ([]*Payment, error) {
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, storeError("get session", sessionID, err)
	}
	payments, err := s.store.ListPayments(ctx, sessionID)
	if err != nil {
		return nil, apierror.Internal("failed to list payments", fmt.Errorf("list payments %s: %w", sessionID, err))
	}
	return payments, nil
}

// storeError classifies a store failure for a session lookup.
func storeError(action, id string, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return apierror.NotFound(apierror.CodeSessionNotFound, "session not found").Wrap(err)
	case errors.Is(err, ErrNotActive):
		return apierror.InvalidState(apierror.CodeSessionNotActive, "session is not active").Wrap(err)
	default:
		return apierror.Internal("session store failure", fmt.Errorf("%s %s: %w", action, id, err))
	}
}

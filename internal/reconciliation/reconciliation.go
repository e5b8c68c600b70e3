// Package reconciliation records money movements that the payment gateway
// completed but the application failed to persist. Each gap needs an
// operator to reconcile the gateway ledger against the store by hand.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/murphlabs/murph/internal/idgen"
	"github.com/murphlabs/murph/internal/logging"
)

var ErrGapNotFound = errors.New("reconciliation: gap not found")

// Kind classifies where in a flow the gap opened.
type Kind string

const (
	// KindLockUnpersisted: funds locked, session row never written.
	KindLockUnpersisted Kind = "lock_unpersisted"
	// KindRefundFailed: settle succeeded, refund of the remainder did not.
	KindRefundFailed Kind = "refund_failed"
	// KindSettlementUnpersisted: settle and refund succeeded, end state not written.
	KindSettlementUnpersisted Kind = "settlement_unpersisted"
	// KindCompensationFailed: the compensating refund after a lock gap failed too.
	KindCompensationFailed Kind = "compensation_failed"
	// KindReleaseUnpersisted: milestone paid out, release not recorded.
	KindReleaseUnpersisted Kind = "release_unpersisted"
	// KindSettleUnknown: settle failed ambiguously; the teacher may have been paid.
	KindSettleUnknown Kind = "settle_unknown"
	// KindReleaseUnknown: milestone release failed ambiguously.
	KindReleaseUnknown Kind = "release_unknown"
)

// Gap is one unreconciled gateway side effect.
type Gap struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	EntityID    string     `json:"entity_id"`
	GatewayTxID string     `json:"gateway_tx_id,omitempty"`
	Amount      float64    `json:"amount"`
	Detail      string     `json:"detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether an operator has closed the gap.
func (g *Gap) Resolved() bool { return g.ResolvedAt != nil }

// Store persists gaps.
type Store interface {
	Create(ctx context.Context, gap *Gap) error
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]*Gap, error)
	Resolve(ctx context.Context, id string, at time.Time) (*Gap, error)
}

// Recorder is the write side used by the money-moving controllers.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record persists gap and raises a CRITICAL log line. It never fails: the
// caller is already on an error path and has nothing better to do with a
// second error, so a store failure is logged alongside the gap instead.
func (r *Recorder) Record(ctx context.Context, gap Gap) *Gap {
	if gap.ID == "" {
		gap.ID = idgen.WithPrefix(idgen.Gap)
	}
	if gap.CreatedAt.IsZero() {
		gap.CreatedAt = r.now().UTC()
	}
	gapsTotal.WithLabelValues(string(gap.Kind)).Inc()

	logging.Critical(ctx, r.logger, "reconciliation gap",
		"gap_id", gap.ID,
		"kind", gap.Kind,
		"entity_id", gap.EntityID,
		"gateway_tx_id", gap.GatewayTxID,
		"amount", gap.Amount,
		"detail", gap.Detail,
	)

	if err := r.store.Create(ctx, &gap); err != nil {
		gapStoreErrors.Inc()
		logging.Critical(ctx, r.logger, "failed to persist reconciliation gap",
			"gap_id", gap.ID, "kind", gap.Kind, "entity_id", gap.EntityID, "error", err)
	}
	return &gap
}

// List returns gaps newest first.
func (r *Recorder) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*Gap, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.List(ctx, unresolvedOnly, limit)
}

// Resolve marks a gap as reconciled. Resolving twice keeps the first timestamp.
func (r *Recorder) Resolve(ctx context.Context, id string) (*Gap, error) {
	gap, err := r.store.Resolve(ctx, id, r.now().UTC())
	if err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation gap resolved", "gap_id", id, "kind", gap.Kind)
	return gap, nil
}

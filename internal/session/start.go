package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/catalog"
	"github.com/murphlabs/murph/internal/idgen"
	"github.com/murphlabs/murph/internal/logging"
	"github.com/murphlabs/murph/internal/metering"
	"github.com/murphlabs/murph/internal/metrics"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/reconciliation"
	"github.com/murphlabs/murph/internal/traces"
	"github.com/murphlabs/murph/internal/validation"
)

// Start locks the reserve for a new session and records it.
func (s *Service) Start(ctx context.Context, req StartRequest) (result *StartResult, err error) {
	ctx, span := traces.StartSpan(ctx, "session.start", traces.ListingID(req.ListingID))
	defer func() {
		metrics.SessionsStartedTotal.WithLabelValues(resultLabel(err)).Inc()
		traces.End(span, err)
	}()

	if errs := validation.Validate(
		validation.Required("student_id", req.StudentID),
		validation.Required("listing_id", req.ListingID),
		validation.ValidID("student_id", req.StudentID),
		validation.ValidID("listing_id", req.ListingID),
		validation.OptionalPositiveAmount("reserve_amount", req.ReserveAmount),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}

	student, err := s.directory.GetUser(ctx, req.StudentID)
	switch {
	case errors.Is(err, catalog.ErrUserNotFound):
		return nil, apierror.NotFound(apierror.CodeStudentNotFound, "student not found").Wrap(err)
	case err != nil:
		return nil, apierror.Internal("failed to load student", fmt.Errorf("get user %s: %w", req.StudentID, err))
	case student.Role != catalog.RoleStudent:
		return nil, apierror.NotFound(apierror.CodeStudentNotFound, "student not found")
	}

	listing, err := s.directory.GetListing(ctx, req.ListingID)
	switch {
	case errors.Is(err, catalog.ErrListingNotFound):
		return nil, apierror.NotFound(apierror.CodeListingNotFound, "listing not found").Wrap(err)
	case err != nil:
		return nil, apierror.Internal("failed to load listing", fmt.Errorf("get listing %s: %w", req.ListingID, err))
	case !listing.IsPublished():
		return nil, apierror.NotFound(apierror.CodeListingNotFound, "listing not found")
	}

	if !student.HasWallet() {
		return nil, apierror.Precondition(apierror.CodeWalletNotConnected, "student wallet not connected")
	}

	unlock, err := s.locks.Lock(ctx, student.ID+"|"+listing.ID)
	if err != nil {
		return nil, apierror.Transient("start request cancelled", err)
	}
	defer unlock()

	active, err := s.store.HasActive(ctx, student.ID, listing.ID)
	if err != nil {
		return nil, apierror.Internal("session store failure", fmt.Errorf("check active %s/%s: %w", student.ID, listing.ID, err))
	}
	if active {
		return nil, apierror.InvalidState(apierror.CodeSessionAlreadyActive, "an active session already exists for this listing")
	}

	reserve := metering.ResolveReserve(req.ReserveAmount, listing.ReserveAmount, s.cfg.DefaultReserve, s.cfg.MinReserve)

	balance, err := s.gateway.GetBalance(ctx, student.WalletAddress)
	if err != nil {
		return nil, paygate.Classify(paygate.OpGetBalance, err)
	}
	if balance < reserve {
		return nil, apierror.Precondition(apierror.CodeInsufficientBalance,
			fmt.Sprintf("insufficient balance: %.2f available, %.2f required", balance, reserve))
	}

	id := idgen.WithPrefix(idgen.Session)
	span.SetAttributes(traces.SessionID(id), traces.Amount(reserve))

	lockTx, err := s.gateway.LockFunds(ctx, student.WalletAddress, reserve, id)
	if err != nil {
		return nil, paygate.Classify(paygate.OpLockFunds, err)
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	now := s.now().UTC()
	sess := &Session{
		ID:            id,
		StudentID:     student.ID,
		TeacherID:     listing.TeacherID,
		ListingID:     listing.ID,
		Status:        StatusActive,
		StartTime:     now,
		ReserveAmount: reserve,
		TransactionID: lockTx.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	lock := &Payment{
		ID:          idgen.WithPrefix(idgen.Payment),
		SessionID:   id,
		Type:        PaymentLock,
		Amount:      reserve,
		Status:      lockTx.Status,
		GatewayTxID: lockTx.ID,
		CreatedAt:   now,
	}

	if err := s.store.Create(ctx, sess, lock); err != nil {
		return nil, s.compensateLock(ctx, sess, student.WalletAddress, err)
	}

	metrics.ActiveSessions.Inc()
	logging.L(ctx).Info("session started",
		"session_id", id, "student_id", student.ID, "listing_id", listing.ID,
		"reserve", reserve, "lock_tx", lockTx.ID)

	return &StartResult{
		SessionID:     id,
		Status:        sess.Status,
		ReserveAmount: reserve,
		TransactionID: lockTx.ID,
		StartTime:     now,
		Escrow:        s.openEscrow(ctx, id, reserve),
	}, nil
}

// compensateLock undoes a lock whose session could not be written. A
// lost race against a concurrent start is refunded quietly; any other
// store failure leaves one reconciliation gap whatever the refund outcome.
// ctx is already detached from the caller.
func (s *Service) compensateLock(ctx context.Context, sess *Session, wallet string, storeErr error) error {
	refundTx, refundErr := s.gateway.Refund(ctx, wallet, sess.ReserveAmount, sess.ID+":refund")

	if errors.Is(storeErr, ErrActiveSessionExists) {
		if refundErr != nil {
			s.gaps.Record(ctx, reconciliation.Gap{
				Kind:        reconciliation.KindCompensationFailed,
				EntityID:    sess.ID,
				GatewayTxID: sess.TransactionID,
				Amount:      sess.ReserveAmount,
				Detail:      "duplicate start refund failed: " + refundErr.Error(),
			})
		}
		return apierror.InvalidState(apierror.CodeSessionAlreadyActive,
			"an active session already exists for this listing").Wrap(storeErr)
	}

	kind, detail := reconciliation.KindLockUnpersisted, "compensating refund "+txID(refundTx)
	if refundErr != nil {
		kind, detail = reconciliation.KindCompensationFailed, "compensating refund failed: "+refundErr.Error()
	}
	s.gaps.Record(ctx, reconciliation.Gap{
		Kind:        kind,
		EntityID:    sess.ID,
		GatewayTxID: sess.TransactionID,
		Amount:      sess.ReserveAmount,
		Detail:      detail + "; store error: " + storeErr.Error(),
	})
	return apierror.Gap("session could not be recorded after funds were locked",
		fmt.Errorf("create session %s: %w", sess.ID, storeErr))
}

// openEscrow is best-effort: a start that locked funds is never failed by it.
func (s *Service) openEscrow(ctx context.Context, sessionID string, amount float64) PostStep {
	if s.escrows == nil {
		return PostStep{Skipped: true}
	}
	escrowID, intentID, err := s.escrows.OpenForSession(ctx, sessionID, amount)
	if err != nil {
		metrics.EscrowPostStepFailures.Inc()
		logging.L(ctx).Warn("escrow post-step failed", "session_id", sessionID, "error", err)
		return PostStep{Error: err.Error()}
	}
	return PostStep{EscrowID: escrowID, IntentID: intentID}
}

func txID(tx *paygate.Tx) string {
	if tx == nil {
		return ""
	}
	return tx.ID
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return apierror.KindOf(err).String()
}

func minutesBetween(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

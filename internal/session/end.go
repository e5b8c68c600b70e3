package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

const (
	triggerRequest = "request"
	triggerReaper  = "reaper"
)

// End meters the session, pays the teacher and refunds the remainder of
// the reserve to the student.
func (s *Service) End(ctx context.Context, req EndRequest) (*Breakdown, error) {
	return s.end(ctx, req, triggerRequest)
}

func (s *Service) end(ctx context.Context, req EndRequest, trigger string) (b *Breakdown, err error) {
	ctx, span := traces.StartSpan(ctx, "session.end", traces.SessionID(req.SessionID))
	defer func() {
		metrics.SessionsEndedTotal.WithLabelValues(resultLabel(err), trigger).Inc()
		traces.End(span, err)
	}()

	if errs := validation.Validate(
		validation.Required("session_id", req.SessionID),
		validation.ValidID("session_id", req.SessionID),
		validation.Percentage("completion_percentage", req.CompletionPercentage),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}

	sess, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, storeError("get session", req.SessionID, err)
	}
	if sess.Status != StatusActive {
		return nil, apierror.InvalidState(apierror.CodeSessionNotActive,
			fmt.Sprintf("session is %s", sess.Status))
	}

	listing, err := s.directory.GetListing(ctx, sess.ListingID)
	if err != nil {
		return nil, integrityError("listing", sess.ListingID, catalog.ErrListingNotFound, err)
	}
	student, err := s.directory.GetUser(ctx, sess.StudentID)
	if err != nil {
		return nil, integrityError("student", sess.StudentID, catalog.ErrUserNotFound, err)
	}
	teacher, err := s.directory.GetUser(ctx, sess.TeacherID)
	if err != nil {
		return nil, integrityError("teacher", sess.TeacherID, catalog.ErrUserNotFound, err)
	}
	if !student.HasWallet() {
		return nil, apierror.Precondition(apierror.CodeWalletNotConnected, "student wallet not connected")
	}

	now := s.now().UTC()
	if err := s.store.BeginSettlement(ctx, sess.ID, now); err != nil {
		return nil, storeError("claim session", sess.ID, err)
	}

	engagement := sess.EngagementMetrics
	if hasJSON(req.EngagementMetrics) {
		engagement = req.EngagementMetrics
	}
	completion := metering.CompletionPercentage(engagement)
	if req.CompletionPercentage != nil {
		completion = *req.CompletionPercentage
	}
	reserve := sess.ReserveAmount
	if reserve <= 0 {
		reserve = metering.ResolveReserve(nil, listing.ReserveAmount, s.cfg.DefaultReserve, s.cfg.MinReserve)
	}
	duration := minutesBetween(sess.StartTime, now)

	charge := metering.ComputeCharge(metering.ChargeInput{
		DurationMin:          duration,
		CompletionPercentage: completion,
		PricePerMin:          listing.PricePerMin,
		TotalDurationMin:     listing.TotalDurationMin,
		ReserveAmount:        reserve,
	})
	final, refund := charge.FinalAmount(), charge.RefundAmount()
	span.SetAttributes(traces.Amount(final))

	settleTx, err := s.gateway.Settle(ctx, student.WalletAddress, teacher.WalletAddress, final, sess.ID+":settle")
	if err != nil {
		return nil, s.settleFailed(ctx, sess, final, refund, err)
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	refundTx, err := s.gateway.Refund(ctx, student.WalletAddress, refund, sess.ID+":refund")
	if err != nil {
		s.gaps.Record(ctx, reconciliation.Gap{
			Kind:        reconciliation.KindRefundFailed,
			EntityID:    sess.ID,
			GatewayTxID: settleTx.ID,
			Amount:      refund,
			Detail:      fmt.Sprintf("settled %.2f, refund of %.2f failed: %v", final, refund, err),
		})
		return nil, apierror.Gap("refund failed after settlement",
			fmt.Errorf("refund session %s: %w", sess.ID, err))
	}

	durationRounded := metering.RoundFloat(duration)
	completionRounded := metering.RoundFloat(completion)
	ended := *sess
	ended.Status = StatusEnded
	ended.EndTime = &now
	ended.DurationMin = &durationRounded
	ended.CompletionPercentage = &completionRounded
	ended.EngagementMetrics = engagement
	ended.FinalAmountCharged = &final
	ended.RefundAmount = &refund
	ended.ReserveAmount = reserve
	ended.UpdatedAt = now

	settlePay := &Payment{
		ID:          idgen.WithPrefix(idgen.Payment),
		SessionID:   sess.ID,
		Type:        PaymentSettle,
		Amount:      final,
		Status:      settleTx.Status,
		GatewayTxID: settleTx.ID,
		CreatedAt:   now,
	}
	refundPay := &Payment{
		ID:          idgen.WithPrefix(idgen.Payment),
		SessionID:   sess.ID,
		Type:        PaymentRefund,
		Amount:      refund,
		Status:      refundTx.Status,
		GatewayTxID: refundTx.ID,
		CreatedAt:   now,
	}

	if err := s.store.CompleteSettlement(ctx, &ended, settlePay, refundPay); err != nil {
		s.gaps.Record(ctx, reconciliation.Gap{
			Kind:        reconciliation.KindSettlementUnpersisted,
			EntityID:    sess.ID,
			GatewayTxID: settleTx.ID,
			Amount:      reserve,
			Detail:      fmt.Sprintf("settle %.2f, refund %.2f (%s): %v", final, refund, refundTx.ID, err),
		})
		return nil, apierror.Gap("settlement could not be recorded",
			fmt.Errorf("complete session %s: %w", sess.ID, err))
	}

	metrics.ActiveSessions.Dec()
	metrics.AmountChargedTotal.Add(final)
	metrics.AmountRefundedTotal.Add(refund)
	metrics.SessionDuration.Observe(duration)

	logging.L(ctx).Info("session ended",
		"session_id", sess.ID, "trigger", trigger, "duration_min", durationRounded,
		"completion", completionRounded, "charged", final, "refunded", refund,
		"settle_tx", settleTx.ID, "refund_tx", refundTx.ID)

	return &Breakdown{
		SessionID:            sess.ID,
		ListingID:            sess.ListingID,
		TeacherID:            sess.TeacherID,
		StudentID:            sess.StudentID,
		StartTime:            sess.StartTime,
		EndTime:              now,
		DurationMin:          durationRounded,
		CompletionPercentage: completionRounded,
		ReserveAmount:        reserve,
		FinalAmountCharged:   final,
		RefundAmount:         refund,
		SettleTxID:           settleTx.ID,
		RefundTxID:           refundTx.ID,
	}, nil
}

// settleFailed releases the claim only when the gateway provably moved
// nothing, so a later End can bill again. Any other failure may have paid
// the teacher: the session stays settling behind a gap, because a retry
// would replay the first settlement under a newly metered amount.
func (s *Service) settleFailed(ctx context.Context, sess *Session, final, refund float64, err error) error {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	if paygate.MovedNoFunds(err) {
		if rbErr := s.store.RollbackSettlement(ctx, sess.ID, s.now().UTC()); rbErr != nil {
			logging.L(ctx).Error("failed to release settlement claim",
				"session_id", sess.ID, "error", rbErr)
		}
		return paygate.Classify(paygate.OpSettle, err)
	}

	s.gaps.Record(ctx, reconciliation.Gap{
		Kind:     reconciliation.KindSettleUnknown,
		EntityID: sess.ID,
		Amount:   final,
		Detail: fmt.Sprintf("settle of %.2f (ref %s:settle) outcome unknown, refund of %.2f not attempted: %v",
			final, sess.ID, refund, err),
	})
	return apierror.Gap("settlement outcome unknown",
		fmt.Errorf("settle session %s: %w", sess.ID, err))
}

// integrityError reports a session whose referenced record has vanished.
func integrityError(what, id string, notFound, err error) error {
	if errors.Is(err, notFound) {
		return apierror.Integrity(fmt.Sprintf("session references missing %s %s", what, id)).Wrap(err)
	}
	return apierror.Internal("failed to load "+what, fmt.Errorf("get %s %s: %w", what, id, err))
}

func hasJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

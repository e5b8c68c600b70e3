package milestone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/idgen"
	"github.com/murphlabs/murph/internal/logging"
	"github.com/murphlabs/murph/internal/metrics"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/reconciliation"
	"github.com/murphlabs/murph/internal/session"
	"github.com/murphlabs/murph/internal/traces"
	"github.com/murphlabs/murph/internal/validation"
)

// Open creates a gateway payment intent for amount and records an active
// escrow for the session. The session ID is the intent's reference, so a
// retried open returns the same intent.
func (s *Service) Open(ctx context.Context, sessionID string, amount float64) (*Escrow, error) {
	intent, err := s.gateway.CreatePaymentIntent(ctx, paygate.IntentRequest{
		Amount:      amount,
		Currency:    s.currency,
		Description: "Escrow for session " + sessionID,
		Metadata:    map[string]any{"session_id": sessionID},
		Reference:   sessionID,
	})
	if err != nil {
		return nil, paygate.Classify(paygate.OpCreateIntent, err)
	}

	now := s.now().UTC()
	e := &Escrow{
		ID:              idgen.WithPrefix(idgen.Escrow),
		SessionID:       sessionID,
		GatewayIntentID: intent.IntentID,
		GatewayEscrowID: intent.EscrowID,
		TotalAmount:     amount,
		LockedAmount:    amount,
		Status:          EscrowActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateEscrow(ctx, e); err != nil {
		return nil, apierror.Internal("failed to record escrow", fmt.Errorf("create escrow for %s: %w", sessionID, err))
	}
	logging.L(ctx).Info("escrow opened", "escrow_id", e.ID, "session_id", sessionID,
		"intent_id", intent.IntentID, "amount", amount)
	return e, nil
}

// OpenForSession is Open in the shape the session lifecycle expects.
func (s *Service) OpenForSession(ctx context.Context, sessionID string, amount float64) (string, string, error) {
	e, err := s.Open(ctx, sessionID, amount)
	if err != nil {
		return "", "", err
	}
	return e.ID, e.GatewayIntentID, nil
}

// CreatePaymentIntent passes an intent request through to the gateway.
func (s *Service) CreatePaymentIntent(ctx context.Context, req paygate.IntentRequest) (*paygate.Intent, error) {
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}
	if req.Currency == "" {
		req.Currency = s.currency
	}
	intent, err := s.gateway.CreatePaymentIntent(ctx, req)
	if err != nil {
		return nil, paygate.Classify(paygate.OpCreateIntent, err)
	}
	return intent, nil
}

// GetEscrowByIntent looks the intent up locally first and falls back to
// the gateway for escrows opened elsewhere.
func (s *Service) GetEscrowByIntent(ctx context.Context, intentID string) (*EscrowView, error) {
	e, err := s.store.GetEscrowByIntent(ctx, intentID)
	switch {
	case err == nil:
		ms, err := s.store.ListMilestones(ctx, Filter{EscrowID: e.ID})
		if err != nil {
			return nil, apierror.Internal("failed to list milestones", fmt.Errorf("list milestones %s: %w", e.ID, err))
		}
		return &EscrowView{Source: "store", Escrow: e, Milestones: ms}, nil
	case !errors.Is(err, ErrEscrowNotFound):
		return nil, apierror.Internal("escrow store failure", fmt.Errorf("get escrow by intent %s: %w", intentID, err))
	}

	info, err := s.gateway.GetEscrow(ctx, intentID)
	if err != nil {
		if errors.Is(err, paygate.ErrNotFound) {
			return nil, apierror.NotFound(apierror.CodeEscrowNotFound, "escrow not found").Wrap(err)
		}
		return nil, paygate.Classify(paygate.OpGetEscrow, err)
	}
	return &EscrowView{Source: "gateway", Gateway: info}, nil
}

// CreateMilestone registers a payout step against an escrow.
func (s *Service) CreateMilestone(ctx context.Context, req CreateRequest) (*Milestone, error) {
	pct := req.Percentage
	if errs := validation.Validate(
		validation.Required("escrow_id", req.EscrowID),
		validation.Required("session_id", req.SessionID),
		validation.ValidID("escrow_id", req.EscrowID),
		validation.ValidID("session_id", req.SessionID),
		validation.NonNegative("milestone_index", req.Index),
		validation.PositiveAmount("amount", req.Amount),
		validation.Percentage("percentage", &pct),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}

	e, err := s.escrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Get(ctx, req.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, apierror.NotFound(apierror.CodeSessionNotFound, "session not found").Wrap(err)
		}
		return nil, err
	}
	if e.SessionID != req.SessionID {
		return nil, apierror.Validation("escrow does not belong to session")
	}

	info, err := s.gateway.CreateMilestone(ctx, paygate.MilestoneRequest{
		EscrowID:    e.GatewayEscrowID,
		Index:       req.Index,
		Description: req.Description,
		Amount:      req.Amount,
		Percentage:  req.Percentage,
	})
	if err != nil {
		return nil, paygate.Classify(paygate.OpCreateMilestone, err)
	}

	now := s.now().UTC()
	m := &Milestone{
		ID:                 idgen.WithPrefix(idgen.Milestone),
		EscrowID:           e.ID,
		SessionID:          req.SessionID,
		GatewayMilestoneID: info.MilestoneID,
		Index:              req.Index,
		Description:        validation.SanitizeString(req.Description, validation.MaxStringLength),
		Amount:             req.Amount,
		Percentage:         req.Percentage,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateMilestone(ctx, m); err != nil {
		return nil, apierror.Internal("failed to record milestone", fmt.Errorf("create milestone on %s: %w", e.ID, err))
	}
	return m, nil
}

// SubmitProof records delivery evidence for a milestone.
func (s *Service) SubmitProof(ctx context.Context, id string, proof Proof) (*Milestone, error) {
	if errs := validation.Validate(
		validation.Required("video_url", proof.VideoURL),
		validation.ValidURL("video_url", proof.VideoURL),
		validation.MaxLength("notes", proof.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, apierror.Validation(errs.Error())
	}

	m, err := s.milestone(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := completable(m); err != nil {
		return nil, err
	}
	if _, err := s.escrow(ctx, m.EscrowID); err != nil {
		return nil, err
	}

	receipt, err := s.gateway.SubmitProof(ctx, m.GatewayMilestoneID, paygate.Proof{VideoURL: proof.VideoURL, Notes: proof.Notes})
	if err != nil {
		return nil, paygate.Classify(paygate.OpSubmitProof, err)
	}

	data, _ := json.Marshal(map[string]string{
		"video_url":  proof.VideoURL,
		"notes":      proof.Notes,
		"proof_hash": receipt.ProofHash,
	})
	if err := s.store.SaveProof(ctx, id, data, s.now().UTC()); err != nil {
		return nil, milestoneError("save proof", id, err)
	}
	return s.milestone(ctx, id)
}

// Complete releases a milestone's amount from its escrow.
func (s *Service) Complete(ctx context.Context, id string) (result *CompletionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "milestone.complete", traces.MilestoneID(id))
	defer func() {
		label := "success"
		if err != nil {
			label = apierror.KindOf(err).String()
		}
		metrics.MilestoneReleasesTotal.WithLabelValues(label).Inc()
		traces.End(span, err)
	}()

	m, err := s.milestone(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := completable(m); err != nil {
		return nil, err
	}
	e, err := s.escrow(ctx, m.EscrowID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(e.ID), traces.Amount(m.Amount))

	if exceedsLocked(e, m.Amount) {
		return nil, releaseExceeds(e, m.Amount)
	}

	prev, err := s.store.ClaimCompletion(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrReleaseExceedsEscrow) {
			return nil, releaseExceeds(e, m.Amount).Wrap(err)
		}
		return nil, milestoneError("claim milestone", id, err)
	}

	release, err := s.gateway.CompleteMilestone(ctx, m.GatewayMilestoneID, e.GatewayEscrowID, m.Amount)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.followUpTimeout)
	defer cancel()

	if err != nil {
		if !paygate.MovedNoFunds(err) {
			// The payout may have gone through; keep the claim so the
			// amount stays counted against the escrow.
			s.gaps.Record(ctx, reconciliation.Gap{
				Kind:     reconciliation.KindReleaseUnknown,
				EntityID: id,
				Amount:   m.Amount,
				Detail:   fmt.Sprintf("escrow %s: release outcome unknown: %v", e.ID, err),
			})
			return nil, apierror.Gap("milestone release outcome unknown",
				fmt.Errorf("complete milestone %s: %w", id, err))
		}
		if rbErr := s.store.ReleaseClaim(ctx, id, prev, s.now().UTC()); rbErr != nil {
			logging.L(ctx).Error("failed to release milestone claim", "milestone_id", id, "error", rbErr)
		}
		return nil, paygate.Classify(paygate.OpCompleteMilestone, err)
	}

	if err := s.store.FinishCompletion(ctx, id, release.TxID, s.now().UTC()); err != nil {
		s.gaps.Record(ctx, reconciliation.Gap{
			Kind:        reconciliation.KindReleaseUnpersisted,
			EntityID:    id,
			GatewayTxID: release.TxID,
			Amount:      m.Amount,
			Detail:      fmt.Sprintf("escrow %s: %v", e.ID, err),
		})
		return nil, apierror.Gap("milestone release could not be recorded",
			fmt.Errorf("finish milestone %s: %w", id, err))
	}

	m, err = s.milestone(ctx, id)
	if err != nil {
		return nil, err
	}
	e, err = s.escrow(ctx, m.EscrowID)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("milestone released", "milestone_id", id, "escrow_id", e.ID,
		"amount", m.Amount, "tx", release.TxID, "escrow_status", e.Status)

	return &CompletionResult{Milestone: m, Escrow: e, AmountReleased: m.Amount, TxID: release.TxID}, nil
}

// SubmitProofAndComplete submits proof and releases the milestone in one step.
func (s *Service) SubmitProofAndComplete(ctx context.Context, id string, proof Proof) (*CompletionResult, error) {
	if _, err := s.SubmitProof(ctx, id, proof); err != nil {
		return nil, err
	}
	return s.Complete(ctx, id)
}

// Get returns a milestone by ID.
func (s *Service) Get(ctx context.Context, id string) (*Milestone, error) {
	return s.milestone(ctx, id)
}

// List returns milestones ordered by escrow and index.
func (s *Service) List(ctx context.Context, f Filter) ([]*Milestone, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	ms, err := s.store.ListMilestones(ctx, f)
	if err != nil {
		return nil, apierror.Internal("failed to list milestones", err)
	}
	return ms, nil
}

func (s *Service) milestone(ctx context.Context, id string) (*Milestone, error) {
	m, err := s.store.GetMilestone(ctx, id)
	if err != nil {
		return nil, milestoneError("get milestone", id, err)
	}
	return m, nil
}

func (s *Service) escrow(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, apierror.NotFound(apierror.CodeEscrowNotFound, "escrow not found").Wrap(err)
	}
	if err != nil {
		return nil, apierror.Internal("escrow store failure", fmt.Errorf("get escrow %s: %w", id, err))
	}
	return e, nil
}

func completable(m *Milestone) error {
	switch m.Status {
	case StatusCompleted:
		return apierror.InvalidState(apierror.CodeAlreadyCompleted, "milestone already completed")
	case StatusReleasing:
		return apierror.InvalidState(apierror.CodeAlreadyCompleted, "milestone release already in progress")
	}
	return nil
}

func exceedsLocked(e *Escrow, amount float64) bool {
	next := decimal.NewFromFloat(e.ReleasedAmount).Add(decimal.NewFromFloat(amount))
	return next.GreaterThan(decimal.NewFromFloat(e.LockedAmount))
}

func releaseExceeds(e *Escrow, amount float64) *apierror.Error {
	return apierror.Precondition(apierror.CodeReleaseExceeds,
		fmt.Sprintf("release of %.2f exceeds escrow: %.2f of %.2f already released", amount, e.ReleasedAmount, e.LockedAmount))
}

func milestoneError(action, id string, err error) error {
	switch {
	case errors.Is(err, ErrMilestoneNotFound):
		return apierror.NotFound(apierror.CodeMilestoneNotFound, "milestone not found").Wrap(err)
	case errors.Is(err, ErrAlreadyCompleted):
		return apierror.InvalidState(apierror.CodeAlreadyCompleted, "milestone already completed").Wrap(err)
	case errors.Is(err, ErrReleaseInFlight):
		return apierror.InvalidState(apierror.CodeAlreadyCompleted, "milestone release already in progress").Wrap(err)
	case errors.Is(err, ErrEscrowNotFound):
		return apierror.NotFound(apierror.CodeEscrowNotFound, "escrow not found").Wrap(err)
	default:
		return apierror.Internal("milestone store failure", fmt.Errorf("%s %s: %w", action, id, err))
	}
}

package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/murphlabs/murph/internal/circuitbreaker"
	"github.com/murphlabs/murph/internal/metrics"
	"github.com/murphlabs/murph/internal/retry"
	"github.com/murphlabs/murph/internal/traces"
)

// Resilient decorates a Gateway with bounded retries on transient failures,
// a circuit per operation, a span per call and call metrics. Retries reuse
// the caller's reference so replays are safe.
type Resilient struct {
	next        Gateway
	maxAttempts int
	baseDelay   time.Duration
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
}

// ResilientOption configures a Resilient gateway.
type ResilientOption func(*Resilient)

// WithRetry sets the attempt budget and the first backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.maxAttempts = maxAttempts
		r.baseDelay = baseDelay
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// NewResilient wraps next. Defaults: 3 attempts, 1s doubling backoff, a
// breaker tripping after 5 consecutive transient failures for 30s.
func NewResilient(next Gateway, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:        next,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return r
}

// Breaker exposes the circuit breaker for health reporting.
func (r *Resilient) Breaker() *circuitbreaker.Breaker { return r.breaker }

func (r *Resilient) call(ctx context.Context, op Op, fn func(context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+string(op), append(attrs, traces.GatewayOp(string(op)))...)
	start := time.Now()
	attempts := 0
	defer func() {
		metrics.GatewayCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		metrics.GatewayCallsTotal.WithLabelValues(string(op), resultLabel(err)).Inc()
		span.SetAttributes(attribute.Int("gateway.attempts", attempts))
		traces.End(span, err)
	}()

	sent := 0
	err = retry.DoIf(ctx, r.maxAttempts, r.baseDelay, IsTransient, func() error {
		attempts++
		callErr := r.breaker.Execute(string(op), IsTransient, func() error {
			sent++
			return fn(ctx)
		})
		if callErr != nil && IsTransient(callErr) && attempts < r.maxAttempts {
			r.logger.Warn("gateway call failed, retrying",
				"op", op, "attempt", attempts, "max_attempts", r.maxAttempts, "error", callErr)
		}
		return callErr
	})
	if err == nil {
		return nil
	}
	if IsTransient(err) || errors.Is(err, circuitbreaker.ErrOpen) {
		r.logger.Error("gateway unavailable", "op", op, "attempts", attempts, "error", err)
		err = fmt.Errorf("%w: %s after %d attempt(s): %w", ErrUnavailable, op, attempts, err)
	}
	// Every attempt was refused by the open circuit.
	if sent == 0 {
		return fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTransient):
		return "unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (r *Resilient) ConnectWallet(ctx context.Context, userID string) (w *Wallet, err error) {
	err = r.call(ctx, OpConnectWallet, func(ctx context.Context) error {
		w, err = r.next.ConnectWallet(ctx, userID)
		return err
	})
	return w, err
}

func (r *Resilient) GetBalance(ctx context.Context, wallet string) (bal float64, err error) {
	err = r.call(ctx, OpGetBalance, func(ctx context.Context) error {
		bal, err = r.next.GetBalance(ctx, wallet)
		return err
	})
	return bal, err
}

func (r *Resilient) LockFunds(ctx context.Context, wallet string, amount float64, ref string) (tx *Tx, err error) {
	err = r.call(ctx, OpLockFunds, func(ctx context.Context) error {
		tx, err = r.next.LockFunds(ctx, wallet, amount, ref)
		return err
	}, traces.Amount(amount), traces.Reference(ref))
	return tx, err
}

func (r *Resilient) Settle(ctx context.Context, payer, payee string, amount float64, ref string) (tx *Tx, err error) {
	err = r.call(ctx, OpSettle, func(ctx context.Context) error {
		tx, err = r.next.Settle(ctx, payer, payee, amount, ref)
		return err
	}, traces.Amount(amount), traces.Reference(ref))
	return tx, err
}

func (r *Resilient) Refund(ctx context.Context, wallet string, amount float64, ref string) (tx *Tx, err error) {
	err = r.call(ctx, OpRefund, func(ctx context.Context) error {
		tx, err = r.next.Refund(ctx, wallet, amount, ref)
		return err
	}, traces.Amount(amount), traces.Reference(ref))
	return tx, err
}

func (r *Resilient) CreatePaymentIntent(ctx context.Context, req IntentRequest) (in *Intent, err error) {
	err = r.call(ctx, OpCreateIntent, func(ctx context.Context) error {
		in, err = r.next.CreatePaymentIntent(ctx, req)
		return err
	}, traces.Amount(req.Amount), traces.Reference(req.Reference))
	return in, err
}

func (r *Resilient) GetEscrow(ctx context.Context, intentID string) (info *EscrowInfo, err error) {
	err = r.call(ctx, OpGetEscrow, func(ctx context.Context) error {
		info, err = r.next.GetEscrow(ctx, intentID)
		return err
	})
	return info, err
}

func (r *Resilient) CreateMilestone(ctx context.Context, req MilestoneRequest) (m *MilestoneInfo, err error) {
	err = r.call(ctx, OpCreateMilestone, func(ctx context.Context) error {
		m, err = r.next.CreateMilestone(ctx, req)
		return err
	}, traces.EscrowID(req.EscrowID), traces.Amount(req.Amount))
	return m, err
}

func (r *Resilient) SubmitProof(ctx context.Context, milestoneID string, proof Proof) (rc *ProofReceipt, err error) {
	err = r.call(ctx, OpSubmitProof, func(ctx context.Context) error {
		rc, err = r.next.SubmitProof(ctx, milestoneID, proof)
		return err
	}, traces.MilestoneID(milestoneID))
	return rc, err
}

func (r *Resilient) CompleteMilestone(ctx context.Context, milestoneID, escrowID string, amount float64) (rel *Release, err error) {
	err = r.call(ctx, OpCompleteMilestone, func(ctx context.Context) error {
		rel, err = r.next.CompleteMilestone(ctx, milestoneID, escrowID, amount)
		return err
	}, traces.MilestoneID(milestoneID), traces.EscrowID(escrowID), traces.Amount(amount))
	return rel, err
}

// Ping is not retried; health checks want the current answer.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

var _ Gateway = (*Resilient)(nil)

package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/circuitbreaker"
	"github.com/murphlabs/murph/internal/logging"
)

func newResilient(sim *Simulator, opts ...ResilientOption) *Resilient {
	base := []ResilientOption{WithRetry(3, time.Millisecond), WithLogger(logging.Discard())}
	return NewResilient(sim, append(base, opts...)...)
}

func TestResilient_RetriesTransientThenSucceeds(t *testing.T) {
	sim := newSim()
	sim.Fund("student", 100)
	sim.FailNext(OpLockFunds, ErrTransient, 2)

	tx, err := newResilient(sim).LockFunds(context.Background(), "student", 30, "sess_1")
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, 3, sim.Calls(OpLockFunds))

	_, locked := sim.Balances("student")
	assert.Equal(t, 30.0, locked)
}

func TestResilient_DoesNotRetryRejections(t *testing.T) {
	sim := newSim()
	sim.Fund("student", 5)

	_, err := newResilient(sim).LockFunds(context.Background(), "student", 30, "sess_1")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 1, sim.Calls(OpLockFunds))

	classified := Classify(OpLockFunds, err)
	assert.Equal(t, http.StatusPaymentRequired, apierror.HTTPStatus(classified))
	assert.Equal(t, apierror.CodeInsufficientBalance, apierror.CodeOf(classified))
}

func TestResilient_ExhaustionSurfacesUnavailable(t *testing.T) {
	sim := newSim()
	sim.FailNext(OpSettle, ErrTransient, 3)

	_, err := newResilient(sim).Settle(context.Background(), "a", "b", 1, "r")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, sim.Calls(OpSettle))

	classified := Classify(OpSettle, err)
	assert.Equal(t, apierror.KindTransient, apierror.KindOf(classified))
	assert.Equal(t, http.StatusServiceUnavailable, apierror.HTTPStatus(classified))
	assert.Equal(t, apierror.CodeGatewayUnavailable, apierror.CodeOf(classified))
}

func TestResilient_BreakerOpensPerOperation(t *testing.T) {
	sim := newSim()
	sim.Fund("w", 100)
	breaker := circuitbreaker.New(2, time.Hour)
	gw := newResilient(sim, WithRetry(1, time.Millisecond), WithBreaker(breaker))
	ctx := context.Background()

	sim.FailNext(OpGetBalance, ErrTransient, 2)
	_, _ = gw.GetBalance(ctx, "w")
	_, _ = gw.GetBalance(ctx, "w")

	_, err := gw.GetBalance(ctx, "w")
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrNotSent)
	assert.Equal(t, 2, sim.Calls(OpGetBalance), "open circuit must not reach the gateway")

	// Other operations keep their own circuit.
	_, err = gw.LockFunds(ctx, "w", 1, "r")
	assert.NoError(t, err)
	assert.Equal(t, []string{string(OpGetBalance)}, breaker.OpenKeys())
}

func TestResilient_ContextCancelStopsRetries(t *testing.T) {
	sim := newSim()
	sim.FailNext(OpRefund, ErrTransient, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newResilient(sim, WithRetry(5, 50*time.Millisecond)).Refund(ctx, "w", 1, "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable), "got %v", err)
	assert.LessOrEqual(t, sim.Calls(OpRefund), 1)
}

func TestResilient_MovedNoFunds(t *testing.T) {
	ctx := context.Background()

	t.Run("exhausted retries are ambiguous", func(t *testing.T) {
		sim := newSim()
		sim.FailNext(OpSettle, ErrTransient, 3)
		_, err := newResilient(sim).Settle(ctx, "a", "b", 1, "r")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotSent)
		assert.False(t, MovedNoFunds(err))
	})

	t.Run("open circuit sends nothing", func(t *testing.T) {
		sim := newSim()
		breaker := circuitbreaker.New(1, time.Hour)
		breaker.RecordFailure(string(OpSettle))
		_, err := newResilient(sim, WithBreaker(breaker)).Settle(ctx, "a", "b", 1, "r")
		require.ErrorIs(t, err, ErrNotSent)
		assert.True(t, MovedNoFunds(err))
		assert.Equal(t, 0, sim.Calls(OpSettle))
	})

	t.Run("rejection", func(t *testing.T) {
		sim := newSim()
		sim.FailNext(OpSettle, ErrRejected, 1)
		_, err := newResilient(sim).Settle(ctx, "a", "b", 1, "r")
		assert.True(t, MovedNoFunds(err))
	})
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(OpPing, nil))
	assert.Equal(t, apierror.CodeGatewayRejected, apierror.CodeOf(Classify(OpSettle, ErrRejected)))
	assert.Equal(t, apierror.CodeGatewayRejected, apierror.CodeOf(Classify(OpSettle, ErrBadResponse)))
	assert.Equal(t, apierror.KindTransient,
		apierror.KindOf(Classify(OpSettle, fmt.Errorf("%w: %w", ErrNotSent, circuitbreaker.ErrOpen))))
	assert.Equal(t, apierror.KindInternal, apierror.KindOf(Classify(OpSettle, errors.New("boom"))))
}

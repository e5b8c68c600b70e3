// Package paygate is the boundary to the payment network: wallet balances,
// fund locks, settlement, refunds and milestone escrows.
//
// Every money-moving call takes a caller-supplied reference. A gateway must
// treat a repeated reference as the same operation and return the original
// transaction, which makes retrying a timed-out call safe.
package paygate

import (
	"context"
	"errors"
	"fmt"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/circuitbreaker"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, connection resets.
	ErrTransient = errors.New("paygate: transient failure")
	// ErrUnavailable is returned once retries are exhausted or the circuit is open.
	ErrUnavailable = errors.New("paygate: gateway unavailable")
	// ErrRejected marks a request the gateway refused outright.
	ErrRejected = errors.New("paygate: request rejected")
	// ErrInsufficientFunds is returned when a wallet cannot cover a lock or settlement.
	ErrInsufficientFunds = errors.New("paygate: insufficient funds")
	// ErrNotFound is returned for unknown wallets, intents, escrows or milestones.
	ErrNotFound = errors.New("paygate: not found")
	// ErrNotSent marks a call that never reached the gateway.
	ErrNotSent = errors.New("paygate: request not sent")
	// ErrBadResponse marks a success status whose body could not be read as
	// a receipt. The operation may have been applied.
	ErrBadResponse = errors.New("paygate: unreadable gateway response")
)

// Op names a gateway operation. Used as circuit breaker key and metric label.
type Op string

const (
	OpConnectWallet     Op = "connect_wallet"
	OpGetBalance        Op = "get_balance"
	OpLockFunds         Op = "lock_funds"
	OpSettle            Op = "settle"
	OpRefund            Op = "refund"
	OpCreateIntent      Op = "create_payment_intent"
	OpGetEscrow         Op = "get_escrow"
	OpCreateMilestone   Op = "create_milestone"
	OpSubmitProof       Op = "submit_proof"
	OpCompleteMilestone Op = "complete_milestone"
	OpPing              Op = "ping"
)

// PlatformAccount receives settlements whose payee has no wallet.
const PlatformAccount = "platform"

// TxStatusSuccess is the status of every transaction the gateway accepted.
const TxStatusSuccess = "success"

// Tx is a gateway transaction receipt.
type Tx struct {
	ID     string `json:"transaction_id"`
	Status string `json:"status"`
}

// Wallet is a newly connected wallet.
type Wallet struct {
	Address string  `json:"wallet_address"`
	Balance float64 `json:"balance"`
}

// IntentRequest asks for a milestone payout intent. Reference, when set,
// makes the call idempotent.
type IntentRequest struct {
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Reference   string         `json:"reference,omitempty"`
}

// Intent is a created payment intent with its backing escrow.
type Intent struct {
	IntentID    string         `json:"intent_id"`
	EscrowID    string         `json:"escrow_id"`
	Status      string         `json:"status"`
	TotalAmount float64        `json:"total_amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EscrowInfo is the gateway's view of an escrow.
type EscrowInfo struct {
	ID           string          `json:"id"`
	IntentID     string          `json:"intent_id"`
	Status       string          `json:"status"`
	TotalAmount  float64         `json:"total_amount"`
	LockedAmount float64         `json:"locked_amount"`
	Milestones   []MilestoneInfo `json:"milestones"`
}

// MilestoneRequest registers a milestone against an escrow.
type MilestoneRequest struct {
	EscrowID    string  `json:"escrow_id"`
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Percentage  float64 `json:"percentage"`
}

// MilestoneInfo is the gateway's view of a milestone.
type MilestoneInfo struct {
	MilestoneID string  `json:"milestone_id"`
	EscrowID    string  `json:"escrow_id"`
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Percentage  float64 `json:"percentage"`
	Status      string  `json:"status"`
}

// Proof is evidence of delivery for a milestone.
type Proof struct {
	VideoURL string `json:"video_url"`
	Notes    string `json:"notes,omitempty"`
}

// ProofReceipt acknowledges a proof submission.
type ProofReceipt struct {
	MilestoneID string `json:"milestone_id"`
	Status      string `json:"status"`
	ProofHash   string `json:"proof_hash"`
}

// Release is the result of paying out a milestone.
type Release struct {
	MilestoneID    string  `json:"milestone_id"`
	EscrowID       string  `json:"escrow_id"`
	Status         string  `json:"status"`
	AmountReleased float64 `json:"amount_released"`
	TxID           string  `json:"transaction_id"`
}

// Gateway is the payment network contract.
type Gateway interface {
	ConnectWallet(ctx context.Context, userID string) (*Wallet, error)
	GetBalance(ctx context.Context, wallet string) (float64, error)
	LockFunds(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error)
	// Settle moves amount of payer's locked funds to payee. An empty payee
	// settles to PlatformAccount.
	Settle(ctx context.Context, payer, payee string, amount float64, ref string) (*Tx, error)
	// Refund returns amount of wallet's locked funds to its balance.
	Refund(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error)
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetEscrow(ctx context.Context, intentID string) (*EscrowInfo, error)
	CreateMilestone(ctx context.Context, req MilestoneRequest) (*MilestoneInfo, error)
	SubmitProof(ctx context.Context, milestoneID string, proof Proof) (*ProofReceipt, error)
	CompleteMilestone(ctx context.Context, milestoneID, escrowID string, amount float64) (*Release, error)
	Ping(ctx context.Context) error
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// MovedNoFunds reports whether err proves a money-moving call had no effect
// at the gateway. Timeouts, exhausted retries and unreadable receipts do
// not: the gateway may have committed before the failure surfaced.
func MovedNoFunds(err error) bool {
	if err == nil || errors.Is(err, ErrBadResponse) {
		return false
	}
	return errors.Is(err, ErrNotSent) || errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrNotFound)
}

// Classify maps a gateway error onto the API error kinds. op is used for
// the error message only.
func Classify(op Op, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return apierror.Precondition(apierror.CodeInsufficientBalance, "insufficient balance").
			WithOp(string(op)).Wrap(err)
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTransient), errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded):
		return apierror.Transient(fmt.Sprintf("payment gateway unavailable (%s)", op), err)
	case errors.Is(err, ErrRejected), errors.Is(err, ErrNotFound), errors.Is(err, ErrBadResponse):
		return apierror.Precondition(apierror.CodeGatewayRejected, fmt.Sprintf("payment gateway rejected %s", op)).
			Wrap(err)
	default:
		return apierror.Internal(fmt.Sprintf("payment gateway %s failed", op), err)
	}
}

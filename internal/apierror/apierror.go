// Package apierror defines the error kinds returned by the session and
// milestone controllers and maps them onto HTTP responses.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies a failure for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidState
	KindValidation
	KindPrecondition
	KindTransient
	KindIntegrity
	KindGap
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition_failed"
	case KindTransient:
		return "gateway_transient"
	case KindIntegrity:
		return "data_integrity"
	case KindGap:
		return "reconciliation_gap"
	default:
		return "internal"
	}
}

// Machine-readable codes carried in the response body.
const (
	CodeStudentNotFound      = "STUDENT_NOT_FOUND"
	CodeListingNotFound      = "LISTING_NOT_FOUND"
	CodeUserNotFound         = "USER_NOT_FOUND"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeEscrowNotFound       = "ESCROW_NOT_FOUND"
	CodeMilestoneNotFound    = "MILESTONE_NOT_FOUND"
	CodeGapNotFound          = "GAP_NOT_FOUND"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeAlreadyCompleted     = "ALREADY_COMPLETED"
	CodeWalletNotConnected   = "WALLET_NOT_CONNECTED"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeReleaseExceeds       = "RELEASE_EXCEEDS_ESCROW"
	CodeValidation           = "VALIDATION_ERROR"
	CodeGatewayUnavailable   = "GATEWAY_UNAVAILABLE"
	CodeGatewayRejected      = "GATEWAY_REJECTED"
	CodeDataIntegrity        = "DATA_INTEGRITY"
	CodeReconciliation       = "RECONCILIATION_REQUIRED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
)

// Error is a classified failure. Op names the operation that produced it
// and Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithOp returns a copy of e tagged with op.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

func InvalidState(code, message string) *Error {
	return newError(KindInvalidState, code, message)
}

func Validation(message string) *Error {
	return newError(KindValidation, CodeValidation, message)
}

func Precondition(code, message string) *Error {
	return newError(KindPrecondition, code, message)
}

// Transient marks a gateway outage that survived the retry budget.
func Transient(message string, cause error) *Error {
	e := newError(KindTransient, CodeGatewayUnavailable, message)
	e.Err = cause
	return e
}

// Integrity marks referential breakage between persisted records.
func Integrity(message string) *Error {
	return newError(KindIntegrity, CodeDataIntegrity, message)
}

// Gap marks money that moved at the gateway without a matching store write.
func Gap(message string, cause error) *Error {
	e := newError(KindGap, CodeReconciliation, message)
	e.Err = cause
	return e
}

// Internal wraps an unclassified failure.
func Internal(message string, cause error) *Error {
	e := newError(KindInternal, CodeInternal, message)
	e.Err = cause
	return e
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		if e.Code == CodeInsufficientBalance {
			return http.StatusPaymentRequired
		}
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Respond writes err as a JSON error envelope. Unclassified errors are
// reported as INTERNAL_ERROR without leaking their text.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, Body{Error: BodyError{
			Message: "internal server error",
			Code:    CodeInternal,
		}})
		return
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, Body{Error: BodyError{Message: e.Message, Code: e.Code}})
}

// Abort writes a classified error without an underlying cause. Used by
// handlers for request decoding failures.
func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Body{Error: BodyError{Message: message, Code: code}})
}

package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound(CodeSessionNotFound, "x"), http.StatusNotFound},
		{"invalid state", InvalidState(CodeSessionNotActive, "x"), http.StatusConflict},
		{"validation", Validation("x"), http.StatusBadRequest},
		{"wallet precondition", Precondition(CodeWalletNotConnected, "x"), http.StatusBadRequest},
		{"insufficient balance", Precondition(CodeInsufficientBalance, "x"), http.StatusPaymentRequired},
		{"transient", Transient("x", nil), http.StatusServiceUnavailable},
		{"integrity", Integrity("x"), http.StatusInternalServerError},
		{"gap", Gap("x", nil), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ending sess_1: %w", NotFound(CodeSessionNotFound, "x")), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestKindOfAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", InvalidState(CodeAlreadyCompleted, "done"))
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, CodeAlreadyCompleted, CodeOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("db down")
	err := Gap("settlement not persisted", nil).WithOp("session.End").Wrap(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "session.End")
	assert.Contains(t, err.Error(), "db down")
}

func TestRespond(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"classified", Precondition(CodeInsufficientBalance, "balance too low"), 402, CodeInsufficientBalance, "balance too low"},
		{"internal hides detail", errors.New("pq: password leaked"), 500, CodeInternal, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			Respond(c, tt.err)

			require.Equal(t, tt.wantStatus, w.Code)
			var body Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

package wallet

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murphlabs/murph/internal/apierror"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService(t)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group(""))
	return r
}

func TestHandler_ConnectThenBalance(t *testing.T) {
	r := setupTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/balance?user_id=teacher_1", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body apierror.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apierror.CodeWalletNotConnected, body.Error.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wallet/connect", bytes.NewBufferString(`{"user_id":"teacher_1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var connected Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &connected))
	assert.NotEmpty(t, connected.WalletAddress)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/balance?user_id=teacher_1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var bal Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, connected.WalletAddress, bal.WalletAddress)
	assert.Equal(t, 2500.0, bal.Balance)
}

func TestHandler_ConnectErrors(t *testing.T) {
	r := setupTestRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing user id", `{}`, http.StatusBadRequest, apierror.CodeValidation},
		{"malformed json", `{`, http.StatusBadRequest, apierror.CodeValidation},
		{"unknown user", `{"user_id":"nobody"}`, http.StatusNotFound, apierror.CodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/wallet/connect", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			var body apierror.Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

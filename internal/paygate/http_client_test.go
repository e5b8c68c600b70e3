package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_LockFunds(t *testing.T) {
	var gotAuth, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/locks", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"transaction_id":"ft_lock_123","status":"success"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/v1/", "key-1", time.Second)
	tx, err := c.LockFunds(context.Background(), "0xabc", 30, "sess_1")
	require.NoError(t, err)

	assert.Equal(t, "ft_lock_123", tx.ID)
	assert.Equal(t, "Bearer key-1", gotAuth)
	assert.Equal(t, "sess_1", gotKey)
	assert.Equal(t, "0xabc", gotBody["wallet_address"])
	assert.Equal(t, 30.0, gotBody["amount"])
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusPaymentRequired, ErrInsufficientFunds},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusConflict, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", time.Second).Settle(context.Background(), "a", "b", 1, "r")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, "", time.Second).GetBalance(context.Background(), "0xabc")
	assert.True(t, IsTransient(err), "got %v", err)
}

func TestHTTPClient_GetEscrow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment-intents/intent_1/escrow", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "ft_esc_1",
			"total_amount": 100,
			"locked_amount": 80,
			"milestones": [{"milestone_id":"m1","index":0,"amount":40,"status":"completed"}]
		}`))
	}))
	defer srv.Close()

	info, err := NewHTTPClient(srv.URL, "", time.Second).GetEscrow(context.Background(), "intent_1")
	require.NoError(t, err)
	assert.Equal(t, "ft_esc_1", info.ID)
	assert.Equal(t, "intent_1", info.IntentID)
	assert.Equal(t, "active", info.Status)
	assert.Equal(t, 80.0, info.LockedAmount)
	require.Len(t, info.Milestones, 1)
	assert.Equal(t, "m1", info.Milestones[0].MilestoneID)
}

func TestHTTPClient_MissingTxIDIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", time.Second).Refund(context.Background(), "0xabc", 1, "r")
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.False(t, MovedNoFunds(err), "a 2xx without a receipt may have been applied")
}

func TestHTTPClient_InvalidJSONIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>ok</html>`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", time.Second).Settle(context.Background(), "a", "b", 1, "r")
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.False(t, MovedNoFunds(err))
}

func TestHTTPClient_UnbuildableRequestNotSent(t *testing.T) {
	_, err := NewHTTPClient("http://bad host", "", time.Second).Settle(context.Background(), "a", "b", 1, "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSent)
	assert.True(t, MovedNoFunds(err))
}

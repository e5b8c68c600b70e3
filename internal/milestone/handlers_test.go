package milestone

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

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_MilestoneFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	_, e := f.startSession(t)

	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group(""))

	w := doJSON(r, http.MethodPost, "/milestones", map[string]any{
		"escrow_id": e.ID, "session_id": e.SessionID, "milestone_index": 0,
		"description": "Intro", "amount": 12.5, "percentage": 41.67,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Milestone Milestone `json:"milestone"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StatusPending, created.Milestone.Status)

	w = doJSON(r, http.MethodGet, "/milestones?escrow_id="+e.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Milestone.ID)

	w = doJSON(r, http.MethodGet, "/milestones/escrow/"+e.GatewayIntentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"store"`)

	w = doJSON(r, http.MethodPost, "/milestones/"+created.Milestone.ID+"/proof", map[string]any{
		"video_url": "https://cdn.example.com/intro.mp4",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result CompletionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, StatusCompleted, result.Milestone.Status)
	assert.Equal(t, 12.5, result.AmountReleased)
	assert.NotEmpty(t, result.TxID)

	w = doJSON(r, http.MethodPost, "/milestones/"+created.Milestone.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var body apierror.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apierror.CodeAlreadyCompleted, body.Error.Code)
}

func TestHandler_Errors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group(""))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing milestone", http.MethodGet, "/milestones/ms_missing", nil, http.StatusNotFound, apierror.CodeMilestoneNotFound},
		{"proof without url", http.MethodPost, "/milestones/ms_missing/proof", map[string]any{}, http.StatusBadRequest, apierror.CodeValidation},
		{"create without ids", http.MethodPost, "/milestones", map[string]any{"amount": 1}, http.StatusBadRequest, apierror.CodeValidation},
		{"intent bad amount", http.MethodPost, "/milestones/intent", map[string]any{"amount": -1}, http.StatusBadRequest, apierror.CodeValidation},
		{"unknown intent", http.MethodGet, "/milestones/escrow/intent_nope", nil, http.StatusNotFound, apierror.CodeEscrowNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var body apierror.Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}

	w := doJSON(r, http.MethodPost, "/milestones/intent", map[string]any{"amount": 25, "description": "course"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "intent_id")
}

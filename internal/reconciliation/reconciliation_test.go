package reconciliation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murphlabs/murph/internal/idgen"
	"github.com/murphlabs/murph/internal/logging"
)

type failingStore struct{ *MemoryStore }

func (f *failingStore) Create(ctx context.Context, gap *Gap) error {
	return errors.New("disk full")
}

func TestRecorder_RecordPersistsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(NewMemoryStore(), logging.NewWithWriter(&buf, "info", "json"))

	before := testutil.ToFloat64(gapsTotal.WithLabelValues(string(KindRefundFailed)))
	gap := rec.Record(context.Background(), Gap{
		Kind:        KindRefundFailed,
		EntityID:    "sess_1",
		GatewayTxID: "ft_settle_1",
		Amount:      12.5,
	})

	assert.True(t, idgen.HasPrefix(gap.ID, idgen.Gap))
	assert.False(t, gap.CreatedAt.IsZero())
	assert.Equal(t, before+1, testutil.ToFloat64(gapsTotal.WithLabelValues(string(KindRefundFailed))))
	assert.Contains(t, buf.String(), logging.CriticalPrefix+"reconciliation gap")
	assert.Contains(t, buf.String(), "ft_settle_1")

	gaps, err := rec.List(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "sess_1", gaps[0].EntityID)
}

func TestRecorder_StoreFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&failingStore{MemoryStore: NewMemoryStore()}, logging.NewWithWriter(&buf, "info", "text"))

	gap := rec.Record(context.Background(), Gap{Kind: KindLockUnpersisted, EntityID: "sess_2", Amount: 30})

	assert.NotNil(t, gap)
	assert.Contains(t, buf.String(), "failed to persist reconciliation gap")
	assert.Contains(t, buf.String(), "disk full")
}

func TestRecorder_ResolveKeepsFirstTimestamp(t *testing.T) {
	rec := NewRecorder(NewMemoryStore(), slog.Default())
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return first }

	gap := rec.Record(context.Background(), Gap{Kind: KindSettlementUnpersisted, EntityID: "sess_3"})
	resolved, err := rec.Resolve(context.Background(), gap.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	rec.now = func() time.Time { return first.Add(time.Hour) }
	again, err := rec.Resolve(context.Background(), gap.ID)
	require.NoError(t, err)
	assert.True(t, again.ResolvedAt.Equal(first))

	open, _ := rec.List(context.Background(), true, 10)
	assert.Empty(t, open)
	all, _ := rec.List(context.Background(), false, 10)
	assert.Len(t, all, 1)

	_, err = rec.Resolve(context.Background(), "gap_missing")
	assert.ErrorIs(t, err, ErrGapNotFound)
}

func TestMemoryStore_ListNewestFirstWithLimit(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Create(context.Background(), &Gap{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	gaps, err := m.List(context.Background(), false, 2)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, "c", gaps[0].ID)
	assert.Equal(t, "b", gaps[1].ID)
}

func TestHandler_ListAndResolve(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := NewRecorder(NewMemoryStore(), logging.Discard())
	gap := rec.Record(context.Background(), Gap{Kind: KindReleaseUnpersisted, EntityID: "ms_1", Amount: 5})

	r := gin.New()
	NewHandler(rec).RegisterRoutes(r.Group("/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/reconciliation/gaps", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Gaps  []Gap `json:"gaps"`
		Count int   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/gaps/"+gap.ID+"/resolve", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/gaps/nope/resolve", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "GAP_NOT_FOUND"))
}

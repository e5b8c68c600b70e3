package reconciliation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CreateAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO reconciliation_gaps`).
		WithArgs("gap_1", "refund_failed", "sess_1", "ft_settle_1", 12.5, sqlmock.AnyArg(), now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Create(context.Background(), &Gap{
		ID: "gap_1", Kind: KindRefundFailed, EntityID: "sess_1", GatewayTxID: "ft_settle_1", Amount: 12.5, CreatedAt: now,
	}))

	mock.ExpectQuery(`FROM reconciliation_gaps WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "entity_id", "gateway_tx_id", "amount", "detail", "created_at", "resolved_at"}).
			AddRow("gap_1", "refund_failed", "sess_1", "ft_settle_1", 12.5, nil, now, nil))
	gaps, err := store.List(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, KindRefundFailed, gaps[0].Kind)
	assert.Nil(t, gaps[0].ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`UPDATE reconciliation_gaps SET resolved_at`).
		WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresStore(db).Resolve(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrGapNotFound)
}

package milestone

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_ClaimCompletion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, escrow_id, amount FROM milestones WHERE id = \$1 FOR UPDATE`).
		WithArgs("ms_1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "escrow_id", "amount"}).AddRow("proof_submitted", "esc_1", 10.0))
	mock.ExpectExec(`UPDATE escrows SET released_amount = released_amount \+ \$1`).
		WithArgs(10.0, now, "esc_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE milestones SET status = 'releasing'`).
		WithArgs(now, "ms_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prev, err := store.ClaimCompletion(context.Background(), "ms_1", now)
	require.NoError(t, err)
	assert.Equal(t, StatusProofSubmitted, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimCompletionRejections(t *testing.T) {
	now := time.Now()

	t.Run("exceeds escrow", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM milestones WHERE id = \$1 FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"status", "escrow_id", "amount"}).AddRow("pending", "esc_1", 50.0))
		mock.ExpectExec(`UPDATE escrows SET released_amount`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := store.ClaimCompletion(context.Background(), "ms_1", now)
		assert.ErrorIs(t, err, ErrReleaseExceedsEscrow)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already completed", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM milestones WHERE id = \$1 FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"status", "escrow_id", "amount"}).AddRow("completed", "esc_1", 5.0))
		mock.ExpectRollback()

		_, err := store.ClaimCompletion(context.Background(), "ms_1", now)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM milestones WHERE id = \$1 FOR UPDATE`).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := store.ClaimCompletion(context.Background(), "ms_1", now)
		assert.ErrorIs(t, err, ErrMilestoneNotFound)
	})
}

func TestPostgresStore_FinishCompletion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE milestones SET status = 'completed'`).
		WithArgs("ft_complete_1", now, "ms_1").
		WillReturnRows(sqlmock.NewRows([]string{"escrow_id"}).AddRow("esc_1"))
	mock.ExpectExec(`UPDATE escrows SET\s+status = CASE WHEN released_amount >= locked_amount`).
		WithArgs(now, "esc_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.FinishCompletion(context.Background(), "ms_1", "ft_complete_1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMilestonesBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM milestones WHERE escrow_id = \$1 AND session_id = \$2 ORDER BY escrow_id, idx, created_at LIMIT \$3 OFFSET \$4`).
		WithArgs("esc_1", "sess_1", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "escrow_id", "session_id", "gateway_milestone_id", "idx", "description",
			"amount", "percentage", "status", "proof_data", "release_tx_id", "created_at", "updated_at", "completed_at",
		}).AddRow("ms_1", "esc_1", "sess_1", "milestone_abc", 0, "Intro", 10.0, 33.3, "pending", nil, nil, now, now, nil))

	ms, err := store.ListMilestones(context.Background(), Filter{EscrowID: "esc_1", SessionID: "sess_1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "milestone_abc", ms[0].GatewayMilestoneID)
	assert.Nil(t, ms[0].ProofData)
	assert.Nil(t, ms[0].CompletedAt)
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const sessionColumns = `id, student_id, teacher_id, listing_id, status, start_time, end_time,
	duration_min, completion_percentage, engagement_metrics, final_amount_charged,
	refund_amount, reserve_amount, transaction_id, created_at, updated_at`

const paymentColumns = `id, session_id, type, amount, status, gateway_tx_id, created_at`

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// PostgresStore persists sessions and payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session, lock *Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.StudentID, s.TeacherID, s.ListingID, string(s.Status), s.StartTime, nullTime(s.EndTime),
		nullFloat(s.DurationMin), nullFloat(s.CompletionPercentage), nullJSON(s.EngagementMetrics),
		nullFloat(s.FinalAmountCharged), nullFloat(s.RefundAmount), s.ReserveAmount,
		s.TransactionID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	if lock != nil {
		if err := insertPayment(ctx, tx, lock); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) HasActive(ctx context.Context, studentID, listingID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE student_id = $1 AND listing_id = $2 AND status IN ('active', 'settling')
		)`, studentID, listingID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) BeginSettlement(ctx context.Context, id string, at time.Time) error {
	return p.transition(ctx, id, StatusActive, StatusSettling, ErrNotActive, at)
}

func (p *PostgresStore) RollbackSettlement(ctx context.Context, id string, at time.Time) error {
	return p.transition(ctx, id, StatusSettling, StatusActive, ErrNotSettling, at)
}

// transition is a compare-and-set on status. When nothing matched, a
// second read tells a missing row apart from a status mismatch.
func (p *PostgresStore) transition(ctx context.Context, id string, from, to Status, mismatch error, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return mismatch
}

func (p *PostgresStore) CompleteSettlement(ctx context.Context, s *Session, settle, refund *Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = $1, end_time = $2, duration_min = $3, completion_percentage = $4,
			engagement_metrics = $5, final_amount_charged = $6, refund_amount = $7,
			reserve_amount = $8, updated_at = $9
		WHERE id = $10 AND status = 'settling'`,
		string(s.Status), nullTime(s.EndTime), nullFloat(s.DurationMin), nullFloat(s.CompletionPercentage),
		nullJSON(s.EngagementMetrics), nullFloat(s.FinalAmountCharged), nullFloat(s.RefundAmount),
		s.ReserveAmount, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotSettling
	}
	for _, pay := range []*Payment{settle, refund} {
		if err := insertPayment(ctx, tx, pay); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListPayments(ctx context.Context, sessionID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payments []*Payment
	for rows.Next() {
		pay := &Payment{}
		var typ string
		var txID sql.NullString
		if err := rows.Scan(&pay.ID, &pay.SessionID, &typ, &pay.Amount, &pay.Status, &txID, &pay.CreatedAt); err != nil {
			return nil, err
		}
		pay.Type = PaymentType(typ)
		pay.GatewayTxID = txID.String
		payments = append(payments, pay)
	}
	return payments, rows.Err()
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND start_time < $1
		ORDER BY start_time ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func insertPayment(ctx context.Context, tx *sql.Tx, pay *Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pay.ID, pay.SessionID, string(pay.Type), pay.Amount, pay.Status, nullString(pay.GatewayTxID), pay.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s payment: %w", pay.Type, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		status     string
		endTime    sql.NullTime
		duration   sql.NullFloat64
		completion sql.NullFloat64
		engagement []byte
		final      sql.NullFloat64
		refund     sql.NullFloat64
		txID       sql.NullString
	)
	err := sc.Scan(
		&s.ID, &s.StudentID, &s.TeacherID, &s.ListingID, &status, &s.StartTime, &endTime,
		&duration, &completion, &engagement, &final,
		&refund, &s.ReserveAmount, &txID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.TransactionID = txID.String
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}
	s.DurationMin = floatPtr(duration)
	s.CompletionPercentage = floatPtr(completion)
	s.FinalAmountCharged = floatPtr(final)
	s.RefundAmount = floatPtr(refund)
	if len(engagement) > 0 {
		s.EngagementMetrics = json.RawMessage(engagement)
	}
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullJSON passes JSON as text so lib/pq does not encode it as bytea.
func nullJSON(raw json.RawMessage) sql.NullString {
	if !hasJSON(raw) {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

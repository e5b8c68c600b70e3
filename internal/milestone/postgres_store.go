package milestone

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const escrowColumns = `id, session_id, gateway_intent_id, gateway_escrow_id, total_amount,
	locked_amount, released_amount, status, created_at, updated_at`

const milestoneColumns = `id, escrow_id, session_id, gateway_milestone_id, idx, description,
	amount, percentage, status, proof_data, release_tx_id, created_at, updated_at, completed_at`

// PostgresStore persists escrows and milestones in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SessionID, e.GatewayIntentID, nullString(e.GatewayEscrowID), e.TotalAmount,
		e.LockedAmount, e.ReleasedAmount, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return p.queryEscrow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

func (p *PostgresStore) GetEscrowByIntent(ctx context.Context, intentID string) (*Escrow, error) {
	return p.queryEscrow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE gateway_intent_id = $1`, intentID)
}

func (p *PostgresStore) queryEscrow(ctx context.Context, query string, arg string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) CreateMilestone(ctx context.Context, m *Milestone) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.EscrowID, m.SessionID, nullString(m.GatewayMilestoneID), m.Index, m.Description,
		m.Amount, m.Percentage, string(m.Status), nullJSON(m.ProofData), nullString(m.ReleaseTxID),
		m.CreatedAt, m.UpdatedAt, nullTime(m.CompletedAt),
	)
	return err
}

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m, err := scanMilestone(p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMilestones(ctx context.Context, f Filter) ([]*Milestone, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EscrowID != "" {
		args = append(args, f.EscrowID)
		where = append(where, fmt.Sprintf("escrow_id = $%d", len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}

	query := `SELECT ` + milestoneColumns + ` FROM milestones`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY escrow_id, idx, created_at LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveProof(ctx context.Context, id string, proof json.RawMessage, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET proof_data = $1, status = 'proof_submitted', updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'releasing')`,
		nullJSON(proof), at, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return p.whyNot(ctx, id)
	}
	return nil
}

// whyNot explains a conditional milestone update that matched no row.
func (p *PostgresStore) whyNot(ctx context.Context, id string) error {
	m, err := p.GetMilestone(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == StatusReleasing {
		return ErrReleaseInFlight
	}
	return ErrAlreadyCompleted
}

func (p *PostgresStore) ClaimCompletion(ctx context.Context, id string, at time.Time) (Status, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prev     string
		escrowID string
		amount   float64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, escrow_id, amount FROM milestones WHERE id = $1 FOR UPDATE`, id,
	).Scan(&prev, &escrowID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMilestoneNotFound
	}
	if err != nil {
		return "", err
	}
	switch Status(prev) {
	case StatusCompleted:
		return "", ErrAlreadyCompleted
	case StatusReleasing:
		return "", ErrReleaseInFlight
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET released_amount = released_amount + $1, updated_at = $2
		WHERE id = $3 AND released_amount + $1 <= locked_amount`,
		amount, at, escrowID,
	)
	if err != nil {
		return "", fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, escrowID).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return "", ErrEscrowNotFound
		}
		return "", ErrReleaseExceedsEscrow
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE milestones SET status = 'releasing', updated_at = $1 WHERE id = $2`, at, id); err != nil {
		return "", fmt.Errorf("update milestone: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return Status(prev), nil
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, id string, prev Status, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		escrowID string
		amount   float64
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE milestones SET status = $1, updated_at = $2
		WHERE id = $3 AND status = 'releasing'
		RETURNING escrow_id, amount`, string(prev), at, id,
	).Scan(&escrowID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET released_amount = released_amount - $1, updated_at = $2 WHERE id = $3`,
		amount, at, escrowID); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) FinishCompletion(ctx context.Context, id, txID string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var escrowID string
	err = tx.QueryRowContext(ctx, `
		UPDATE milestones SET status = 'completed', release_tx_id = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'releasing'
		RETURNING escrow_id`, txID, at, id,
	).Scan(&escrowID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyCompleted
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = CASE WHEN released_amount >= locked_amount THEN 'released' ELSE status END,
			updated_at = $1
		WHERE id = $2`, at, escrowID); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status   string
		escrowID sql.NullString
	)
	err := sc.Scan(&e.ID, &e.SessionID, &e.GatewayIntentID, &escrowID, &e.TotalAmount,
		&e.LockedAmount, &e.ReleasedAmount, &status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.GatewayEscrowID = escrowID.String
	return e, nil
}

func scanMilestone(sc scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status      string
		gatewayID   sql.NullString
		proof       []byte
		releaseTx   sql.NullString
		completedAt sql.NullTime
	)
	err := sc.Scan(&m.ID, &m.EscrowID, &m.SessionID, &gatewayID, &m.Index, &m.Description,
		&m.Amount, &m.Percentage, &status, &proof, &releaseTx, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.GatewayMilestoneID = gatewayID.String
	m.ReleaseTxID = releaseTx.String
	if len(proof) > 0 {
		m.ProofData = json.RawMessage(proof)
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}
	return m, nil
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

// nullJSON passes JSON as text so lib/pq does not encode it as bytea.
func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

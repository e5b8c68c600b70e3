package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const gapColumns = `id, kind, entity_id, gateway_tx_id, amount, detail, created_at, resolved_at`

// PostgresStore persists gaps in the reconciliation_gaps table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, gap *Gap) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_gaps (`+gapColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		gap.ID, string(gap.Kind), gap.EntityID, nullString(gap.GatewayTxID),
		gap.Amount, nullString(gap.Detail), gap.CreatedAt, nullTime(gap.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*Gap, error) {
	query := `SELECT ` + gapColumns + ` FROM reconciliation_gaps`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gaps []*Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) (*Gap, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE reconciliation_gaps SET resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
		RETURNING `+gapColumns, id, at)
	g, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGapNotFound
	}
	return g, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGap(sc scanner) (*Gap, error) {
	g := &Gap{}
	var (
		kind     string
		txID     sql.NullString
		detail   sql.NullString
		resolved sql.NullTime
	)
	if err := sc.Scan(&g.ID, &kind, &g.EntityID, &txID, &g.Amount, &detail, &g.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	g.Kind = Kind(kind)
	g.GatewayTxID = txID.String
	g.Detail = detail.String
	if resolved.Valid {
		g.ResolvedAt = &resolved.Time
	}
	return g, nil
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

var _ Store = (*PostgresStore)(nil)

package catalog

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads users and listings from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var (
		role   string
		email  sql.NullString
		wallet sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, wallet_address, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &email, &role, &wallet, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.Email = email.String
	u.WalletAddress = wallet.String
	return u, nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var reserve sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, title, price_per_min, total_duration_min, reserve_amount, status, created_at
		FROM listings WHERE id = $1`, id,
	).Scan(&l.ID, &l.TeacherID, &l.Title, &l.PricePerMin, &l.TotalDurationMin, &reserve, &l.Status, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	if reserve.Valid {
		l.ReserveAmount = &reserve.Float64
	}
	return l, nil
}

func (p *PostgresStore) AssignWallet(ctx context.Context, userID, address string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE users SET wallet_address = $1 WHERE id = $2`, address, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrNotFound signals the requested listing does not exist.
var ErrNotFound = errors.New("listing: not found")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository provides access to seller listings.
type Repository struct {
	pool Querier
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool Querier) *Repository {
	return &Repository{pool: pool}
}

const columns = `id::text, seller_id, currency, chain_id, min_amount::text, max_amount::text,
	payment_window_seconds, dispute_window_seconds, active, created_at`

// GetByID fetches a listing by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	l, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: query by id: %w", err)
	}
	return l, nil
}

// List fetches up to limit active listings, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM listings WHERE active ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, limit)
	for rows.Next() {
		l, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return listings, nil
}

// Create inserts an active listing.
func (r *Repository) Create(ctx context.Context, p CreateParams) (Listing, error) {
	const insertSQL = `
INSERT INTO listings (seller_id, currency, chain_id, min_amount, max_amount, payment_window_seconds, dispute_window_seconds)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)
RETURNING ` + columns
	l, err := scan(r.pool.QueryRow(ctx, insertSQL,
		p.SellerID,
		p.Currency,
		p.ChainID,
		p.MinAmount.String(),
		p.MaxAmount.String(),
		int64(p.PaymentWindow/time.Second),
		int64(p.DisputeWindow/time.Second),
	))
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return l, nil
}

func scan(row pgx.Row) (Listing, error) {
	var (
		l              Listing
		minAmt, maxAmt string
		payment, disp  int64
	)
	if err := row.Scan(&l.ID, &l.SellerID, &l.Currency, &l.ChainID, &minAmt, &maxAmt, &payment, &disp, &l.Active, &l.CreatedAt); err != nil {
		return Listing{}, err
	}
	var err error
	if l.MinAmount, err = decimal.NewFromString(minAmt); err != nil {
		return Listing{}, err
	}
	if l.MaxAmount, err = decimal.NewFromString(maxAmt); err != nil {
		return Listing{}, err
	}
	l.PaymentWindow = time.Duration(payment) * time.Second
	l.DisputeWindow = time.Duration(disp) * time.Second
	return l, nil
}

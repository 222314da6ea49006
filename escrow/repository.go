package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicate is returned when the escrow id or funding transaction was
	// already used by another trade.
	ErrDuplicate = errors.New("escrow: escrow or transaction already recorded")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert writes the custody record inside the funding transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const insertSQL = `
INSERT INTO escrows (id, trade_id, buyer, seller, amount, dispute_window_seconds, contract_address, chain_id, transaction_hash, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10::escrow_status, $11, $11)
`
	_, err := tx.Exec(ctx, insertSQL,
		rec.ID,
		rec.TradeID,
		rec.Buyer,
		rec.Seller,
		rec.Amount.String(),
		int64(rec.DisputeWindow/time.Second),
		rec.ContractAddress,
		rec.ChainID,
		rec.TransactionHash,
		string(rec.Status),
		rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("escrow: insert: %w", err)
	}
	return nil
}

// UpdateStatus mirrors a trade transition onto the custody record.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE escrows SET status = $2::escrow_status, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a custody record by escrow id. q is a pool, conn or tx.
func (r *Repository) Get(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (Record, error) {
	const selectSQL = `
SELECT id, trade_id::text, buyer, seller, amount::text, dispute_window_seconds, contract_address,
       chain_id, transaction_hash, status::text, created_at, updated_at
FROM escrows
WHERE id = $1
`
	var (
		rec           Record
		amount        string
		windowSeconds int64
		status        string
	)
	err := q.QueryRow(ctx, selectSQL, id).Scan(
		&rec.ID,
		&rec.TradeID,
		&rec.Buyer,
		&rec.Seller,
		&amount,
		&windowSeconds,
		&rec.ContractAddress,
		&rec.ChainID,
		&rec.TransactionHash,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("escrow: parse amount: %w", err)
	}
	rec.DisputeWindow = time.Duration(windowSeconds) * time.Second
	rec.Status = Status(status)
	return rec, nil
}

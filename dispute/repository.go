package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyExists signals a second dispute insert for the same trade.
	ErrAlreadyExists = errors.New("dispute: trade already has a dispute")
	// ErrAlreadyResolved signals the resolve update found no open dispute.
	ErrAlreadyResolved = errors.New("dispute: no open dispute to resolve")
)

// Querier is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const selectColumns = `
	id::text, trade_id::text, raised_by, reason, evidence, status::text,
	COALESCE(resolution::text, ''), split_percentage::text, COALESCE(notes, ''),
	COALESCE(resolved_by, ''), resolved_at, seller_share::text, buyer_share::text, created_at
`

// Insert writes the dispute row opened by a trade entering the disputed state.
// It must run inside the transaction that writes the trade status.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const insertSQL = `
INSERT INTO disputes (id, trade_id, raised_by, reason, evidence, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'open', $6)
`
	evidence := rec.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	if _, err := tx.Exec(ctx, insertSQL, rec.ID, rec.TradeID, rec.RaisedBy, rec.Reason, evidence, rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// Resolve records the administrator's decision on the trade's open dispute.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, tradeID string, d Decision) error {
	rec := d.Apply(Record{TradeID: tradeID, Status: StatusOpen})
	var percentage *string
	if rec.SplitPercentage != nil {
		p := rec.SplitPercentage.String()
		percentage = &p
	}

	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    resolution = $2::dispute_resolution,
    split_percentage = $3::numeric,
    notes = $4,
    resolved_by = $5,
    resolved_at = $6,
    seller_share = $7::numeric,
    buyer_share = $8::numeric
WHERE trade_id = $1 AND status = 'open'
`
	tag, err := tx.Exec(ctx, updateSQL,
		rec.TradeID,
		string(rec.Resolution),
		percentage,
		rec.Notes,
		rec.ResolvedBy,
		*rec.ResolvedAt,
		rec.SellerShare.String(),
		rec.BuyerShare.String(),
	)
	if err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// GetByTrade returns the dispute attached to a trade.
func (r *Repository) GetByTrade(ctx context.Context, q Querier, tradeID string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+selectColumns+` FROM disputes WHERE trade_id = $1`, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by trade: %w", err)
	}
	return rec, nil
}

// List returns disputes filtered by status (all when empty), oldest first so
// the arbitration queue is worked in order.
func (r *Repository) List(ctx context.Context, q Querier, status Status, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + selectColumns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1::dispute_status`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, limit)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                       Record
		status, resolution        string
		percentage, seller, buyer *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TradeID,
		&rec.RaisedBy,
		&rec.Reason,
		&rec.Evidence,
		&status,
		&resolution,
		&percentage,
		&rec.Notes,
		&rec.ResolvedBy,
		&rec.ResolvedAt,
		&seller,
		&buyer,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.Resolution = Kind(resolution)

	var err error
	if rec.SplitPercentage, err = parseOptional(percentage); err != nil {
		return Record{}, err
	}
	if rec.SellerShare, err = parseOptional(seller); err != nil {
		return Record{}, err
	}
	if rec.BuyerShare, err = parseOptional(buyer); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func parseOptional(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("dispute: parse numeric %q: %w", *s, err)
	}
	return &d, nil
}

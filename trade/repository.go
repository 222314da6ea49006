package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/db"
	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/escrow"
	"github.com/syntaxsurge/escrowzy-okx-sub006/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Pool is what PGStore needs from pgxpool.Pool.
type Pool interface {
	TxBeginner
	Querier
}

// PGStore persists trades in Postgres. Every status change is a single
// transaction holding the conditional trade update, the custody and dispute
// companion rows, and the outbox message.
type PGStore struct {
	pool     Pool
	escrows  *escrow.Repository
	disputes *dispute.Repository
}

func NewPGStore(pool Pool) *PGStore {
	return &PGStore{
		pool:     pool,
		escrows:  escrow.NewRepository(),
		disputes: dispute.NewRepository(),
	}
}

const tradeColumns = `
	id::text, COALESCE(listing_id::text, ''), initiator_id, buyer_id, seller_id, amount::text,
	currency, chain_id, COALESCE(escrow_id, ''), COALESCE(transaction_hash, ''), deposit_deadline,
	dispute_window_seconds, status::text, metadata, created_at, accepted_at, started_at,
	payment_sent_at, delivered_at, disputed_at, completed_at, cancelled_at, updated_at
`

// Insert writes a new trade and its creation events. When the initiator used
// idempotencyKey before, the trade created under it is returned with
// created=false and nothing is written.
func (s *PGStore) Insert(ctx context.Context, t Trade, idempotencyKey string, events []Event) (Trade, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Trade{}, false, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var claimed string
		err := tx.QueryRow(ctx, `
INSERT INTO idempotency (initiator_id, key, trade_id) VALUES ($1, $2, $3)
ON CONFLICT (initiator_id, key) DO NOTHING
RETURNING trade_id::text
`, t.InitiatorID, idempotencyKey, t.ID).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			var existingID string
			if err := tx.QueryRow(ctx, `SELECT trade_id::text FROM idempotency WHERE initiator_id = $1 AND key = $2`, t.InitiatorID, idempotencyKey).Scan(&existingID); err != nil {
				return Trade{}, false, storeErr("lookup idempotency key", err)
			}
			existing, err := getTrade(ctx, tx, existingID)
			if err != nil {
				return Trade{}, false, err
			}
			return existing, false, nil
		}
		if err != nil {
			return Trade{}, false, storeErr("claim idempotency key", err)
		}
	}

	metadata, err := json.Marshal(nonNilMap(t.Metadata))
	if err != nil {
		return Trade{}, false, fmt.Errorf("trade: marshal metadata: %w", err)
	}

	const insertSQL = `
INSERT INTO trades (
	id, listing_id, initiator_id, buyer_id, seller_id, amount, currency, chain_id,
	deposit_deadline, dispute_window_seconds, status, metadata, created_at, accepted_at, updated_at
) VALUES (
	$1, NULLIF($2, '')::uuid, $3, $4, $5, $6::numeric, $7, $8,
	$9, $10, $11::trade_status, $12::jsonb, $13, $14, $15
)
`
	_, err = tx.Exec(ctx, insertSQL,
		t.ID,
		t.ListingID,
		t.InitiatorID,
		t.BuyerID,
		t.SellerID,
		t.Amount.String(),
		t.Currency,
		t.ChainID,
		t.DepositDeadline,
		int64(t.DisputeWindow/time.Second),
		string(t.Status),
		metadata,
		t.CreatedAt,
		t.AcceptedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Trade{}, false, invalidf("listing %s does not exist", t.ListingID)
		}
		return Trade{}, false, storeErr("insert", err)
	}

	for i, e := range events {
		topic := outbox.TopicTradeStatusChanged
		if i == 0 && e.From == "" {
			topic = outbox.TopicTradeCreated
		}
		if err := outbox.Enqueue(ctx, tx, topic, t.ID, e.Payload()); err != nil {
			return Trade{}, false, storeErr("enqueue event", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Trade{}, false, storeErr("commit tx", err)
	}
	return t, true, nil
}

// Get loads the current snapshot of a trade.
func (s *PGStore) Get(ctx context.Context, id string) (Trade, error) {
	return getTrade(ctx, s.pool, id)
}

func getTrade(ctx context.Context, q Querier, id string) (Trade, error) {
	t, err := scanTrade(q.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return Trade{}, ErrTradeNotFound
		}
		if errors.Is(err, ErrCorruptStatus) {
			return Trade{}, err
		}
		return Trade{}, storeErr("get", err)
	}
	return t, nil
}

// Commit persists tr if and only if the stored status still equals tr.From.
// A lost race yields ErrConcurrentModification and writes nothing.
func (s *PGStore) Commit(ctx context.Context, tr Transition) error {
	patch, err := json.Marshal(nonNilMap(tr.MetadataPatch))
	if err != nil {
		return fmt.Errorf("trade: marshal metadata patch: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	t := tr.Trade
	const updateSQL = `
UPDATE trades
SET status = $3::trade_status,
    escrow_id = COALESCE(escrow_id, NULLIF($4, '')),
    transaction_hash = COALESCE(transaction_hash, NULLIF($5, '')),
    metadata = metadata || $6::jsonb,
    accepted_at = COALESCE(accepted_at, $7),
    started_at = COALESCE(started_at, $8),
    payment_sent_at = COALESCE(payment_sent_at, $9),
    delivered_at = COALESCE(delivered_at, $10),
    disputed_at = COALESCE(disputed_at, $11),
    completed_at = COALESCE(completed_at, $12),
    cancelled_at = COALESCE(cancelled_at, $13),
    updated_at = $14
WHERE id = $1 AND status = $2::trade_status
`
	tag, err := tx.Exec(ctx, updateSQL,
		t.ID,
		string(tr.From),
		string(tr.To),
		t.EscrowID,
		t.TransactionHash,
		patch,
		t.AcceptedAt,
		t.StartedAt,
		t.PaymentSentAt,
		t.DeliveredAt,
		t.DisputedAt,
		t.CompletedAt,
		t.CancelledAt,
		tr.At,
	)
	if err != nil {
		return storeErr("update status", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return storeErr("check trade", err)
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConcurrentModification
	}

	if tr.Escrow != nil {
		if err := s.escrows.Insert(ctx, tx, *tr.Escrow); err != nil {
			if errors.Is(err, escrow.ErrDuplicate) {
				return invalidf("escrow %s or transaction %s is already recorded", tr.Escrow.ID, tr.Escrow.TransactionHash)
			}
			return storeErr("insert escrow", err)
		}
	} else if tr.EscrowStatus != "" && t.EscrowID != "" {
		if err := s.escrows.UpdateStatus(ctx, tx, t.EscrowID, tr.EscrowStatus, tr.At); err != nil && !errors.Is(err, escrow.ErrNotFound) {
			return storeErr("update escrow status", err)
		}
	}

	if tr.Dispute != nil {
		if err := s.disputes.Insert(ctx, tx, *tr.Dispute); err != nil {
			if errors.Is(err, dispute.ErrAlreadyExists) {
				return ErrConcurrentModification
			}
			return storeErr("insert dispute", err)
		}
	}
	if tr.Decision != nil {
		if err := s.disputes.Resolve(ctx, tx, t.ID, *tr.Decision); err != nil {
			if errors.Is(err, dispute.ErrAlreadyResolved) {
				return ErrConcurrentModification
			}
			return storeErr("resolve dispute", err)
		}
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicTradeStatusChanged, t.ID, tr.Event().Payload()); err != nil {
		return storeErr("enqueue event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// ListExpired returns awaiting_deposit trades whose deposit deadline is
// before now, oldest deadline first.
func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Trade, error) {
	return s.list(ctx, `
SELECT `+tradeColumns+`
FROM trades
WHERE status = 'awaiting_deposit' AND deposit_deadline < $1
ORDER BY deposit_deadline
LIMIT $2
`, now, limit)
}

// ListFinalizable returns delivered trades whose dispute window has elapsed.
func (s *PGStore) ListFinalizable(ctx context.Context, now time.Time, limit int) ([]Trade, error) {
	return s.list(ctx, `
SELECT `+tradeColumns+`
FROM trades
WHERE status = 'delivered'
  AND delivered_at + dispute_window_seconds * interval '1 second' <= $1
ORDER BY delivered_at
LIMIT $2
`, now, limit)
}

// ListByParticipant returns the most recently updated trades of a user,
// optionally narrowed to one status.
func (s *PGStore) ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]Trade, error) {
	return s.list(ctx, `
SELECT `+tradeColumns+`
FROM trades
WHERE (buyer_id = $1 OR seller_id = $1)
  AND ($2 = '' OR status::text = $2)
ORDER BY updated_at DESC
LIMIT $3
`, userID, string(status), limit)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			if errors.Is(err, ErrCorruptStatus) {
				return nil, err
			}
			return nil, storeErr("scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list rows", err)
	}
	return out, nil
}

func scanTrade(row pgx.Row) (Trade, error) {
	var (
		t             Trade
		amount        string
		windowSeconds int64
		status        string
	)
	err := row.Scan(
		&t.ID,
		&t.ListingID,
		&t.InitiatorID,
		&t.BuyerID,
		&t.SellerID,
		&amount,
		&t.Currency,
		&t.ChainID,
		&t.EscrowID,
		&t.TransactionHash,
		&t.DepositDeadline,
		&windowSeconds,
		&status,
		&t.Metadata,
		&t.CreatedAt,
		&t.AcceptedAt,
		&t.StartedAt,
		&t.PaymentSentAt,
		&t.DeliveredAt,
		&t.DisputedAt,
		&t.CompletedAt,
		&t.CancelledAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Trade{}, err
	}
	if t.Status, err = ParseStatus(status); err != nil {
		return Trade{}, fmt.Errorf("%w (trade %s)", err, t.ID)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Trade{}, fmt.Errorf("trade: parse amount: %w", err)
	}
	t.DisputeWindow = time.Duration(windowSeconds) * time.Second
	return t, nil
}

func storeErr(op string, err error) error {
	if db.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
	}
	return fmt.Errorf("trade: %s: %w", op, err)
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

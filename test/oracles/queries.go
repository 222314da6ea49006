package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty no matter how actors
// interleave.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_funded_without_escrow",
			SQL: `SELECT t.id FROM trades t
                  LEFT JOIN escrows e ON e.trade_id = t.id
                  WHERE t.status IN ('funded','payment_sent','delivered','disputed')
                    AND (e.id IS NULL OR t.escrow_id IS DISTINCT FROM e.id OR t.started_at IS NULL)`,
		},
		{
			Name: "O2_cancelled_after_funding",
			SQL: `SELECT t.id FROM trades t
                  WHERE t.status = 'cancelled'
                    AND (t.started_at IS NOT NULL OR EXISTS (SELECT 1 FROM escrows e WHERE e.trade_id = t.id))`,
		},
		{
			Name: "O3_escrow_status_mirrors_trade",
			SQL: `SELECT t.id, t.status, e.status FROM trades t
                  JOIN escrows e ON e.trade_id = t.id
                  WHERE (t.status = 'disputed' AND e.status <> 'DISPUTED')
                     OR (t.status = 'completed' AND e.status <> 'CONFIRMED')
                     OR (t.status IN ('funded','payment_sent','delivered') AND e.status <> 'FUNDED')`,
		},
		{
			Name: "O4_dispute_matches_trade",
			SQL: `SELECT d.id, d.status, t.status FROM disputes d
                  JOIN trades t ON t.id = d.trade_id
                  WHERE (d.status = 'open' AND t.status <> 'disputed')
                     OR (d.status = 'resolved' AND t.status <> 'completed')
                     OR (t.status = 'disputed' AND t.disputed_at IS NULL)`,
		},
		{
			Name: "O5_settlement_conserves_amount",
			SQL: `SELECT d.id, d.seller_share, d.buyer_share, t.amount FROM disputes d
                  JOIN trades t ON t.id = d.trade_id
                  WHERE d.status = 'resolved'
                    AND (d.seller_share IS NULL OR d.buyer_share IS NULL
                         OR d.seller_share < 0 OR d.buyer_share < 0
                         OR d.seller_share + d.buyer_share <> t.amount)`,
		},
		{
			Name: "O6_terminal_timestamps",
			SQL: `SELECT id FROM trades
                  WHERE (status = 'completed' AND (completed_at IS NULL OR cancelled_at IS NOT NULL))
                     OR (status = 'cancelled' AND (cancelled_at IS NULL OR completed_at IS NOT NULL))
                     OR (status NOT IN ('completed','cancelled') AND (completed_at IS NOT NULL OR cancelled_at IS NOT NULL))`,
		},
		{
			Name: "O7_expired_before_deadline",
			SQL: `SELECT id, deposit_deadline, cancelled_at FROM trades
                  WHERE status = 'cancelled'
                    AND metadata->>'cancellationReason' = 'Payment window expired'
                    AND cancelled_at <= deposit_deadline`,
		},
		{
			Name: "O8_finalized_inside_dispute_window",
			SQL: `SELECT id FROM trades
                  WHERE status = 'completed'
                    AND metadata->>'completedBy' = 'system'
                    AND completed_at < delivered_at + dispute_window_seconds * interval '1 second'`,
		},
		{
			Name: "O9_outbox_integrity",
			SQL: `WITH stale AS (
                      SELECT id::text AS any FROM outbox
                      WHERE status NOT IN ('processed','dead')
                        AND now()-created_at > interval '5 minutes'
                  ),
                  orphan AS (
                      SELECT o.id::text AS any FROM outbox o
                      LEFT JOIN trades t ON t.id::text = o.payload->>'tradeId'
                      WHERE t.id IS NULL)
                  SELECT * FROM stale
                  UNION ALL
                  SELECT * FROM orphan`,
		},
		{
			Name: "O10_trade_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_trades')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

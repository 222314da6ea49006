package actors

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

// AdminID is the only user the stress run treats as an administrator.
const AdminID = "stress-admin"

// Admins satisfies trade.AdminChecker for the stress run.
type Admins struct{}

func (Admins) IsAdmin(_ context.Context, userID string) (bool, error) {
	return userID == AdminID, nil
}

// Env is what every actor shares.
type Env struct {
	Pool    *pgxpool.Pool
	Service *trade.Service
	// Chaos tolerates dropped connections and unclassified driver errors.
	Chaos bool
}

// Opener keeps creating trades with short payment windows so that funders,
// cancellers and the sweeper contend for the same rows.
func Opener(ctx context.Context, env Env, window time.Duration, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 30, func() error {
		buyer, seller := trader(), trader()
		for seller == buyer {
			seller = trader()
		}
		_, err := env.Service.CreateTrade(ctx, trade.CreateParams{
			IdempotencyKey: "stress-" + randHex(8),
			InitiatorID:    buyer,
			BuyerID:        buyer,
			SellerID:       seller,
			Amount:         decimal.New(int64(1+mrand.Intn(100000)), -2),
			Currency:       "USDC",
			ChainID:        1,
			PaymentWindow:  window,
			DisputeWindow:  time.Duration(mrand.Intn(2)) * time.Second,
		})
		return env.tolerate("create", err)
	})
}

// Funder deposits into random trades that are waiting for funds.
func Funder(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 20, func() error {
		p, ok, err := pick(ctx, env.Pool, trade.StatusAwaitingDeposit)
		if err != nil || !ok {
			return env.tolerate("pick", err)
		}
		_, err = env.Service.FundTrade(ctx, trade.FundRequest{
			TradeID:         p.id,
			ActorID:         p.either(),
			EscrowID:        "esc-" + randHex(8),
			TransactionHash: "0x" + randHex(32),
		})
		return env.tolerate("fund", err)
	})
}

// Canceller races funders by cancelling trades, including funded ones it
// must not be able to cancel.
func Canceller(ctx context.Context, env Env, stop <-chan struct{}) error {
	statuses := []trade.Status{trade.StatusAwaitingDeposit, trade.StatusFunded}
	return loop(ctx, stop, 30, 40, func() error {
		p, ok, err := pick(ctx, env.Pool, statuses[mrand.Intn(len(statuses))])
		if err != nil || !ok {
			return env.tolerate("pick", err)
		}
		_, err = env.Service.CancelTrade(ctx, p.id, p.either(), "")
		return env.tolerate("cancel", err)
	})
}

// Progressor walks funded trades toward completion, sometimes opening a
// dispute along the way.
func Progressor(ctx context.Context, env Env, stop <-chan struct{}) error {
	statuses := []trade.Status{trade.StatusFunded, trade.StatusPaymentSent, trade.StatusDelivered}
	return loop(ctx, stop, 10, 30, func() error {
		p, ok, err := pick(ctx, env.Pool, statuses[mrand.Intn(len(statuses))])
		if err != nil || !ok {
			return env.tolerate("pick", err)
		}
		if mrand.Intn(4) == 0 {
			_, err = env.Service.DisputeTrade(ctx, trade.DisputeRequest{
				TradeID:  p.id,
				ActorID:  p.either(),
				Reason:   "counterparty unresponsive",
				Evidence: []string{"chat-" + randHex(2)},
			})
			return env.tolerate("dispute", err)
		}
		switch p.status {
		case trade.StatusFunded:
			_, err = env.Service.MarkPaymentSent(ctx, p.id, p.seller)
		case trade.StatusPaymentSent:
			_, err = env.Service.MarkDelivered(ctx, p.id, p.buyer)
		default:
			_, err = env.Service.CompleteTrade(ctx, p.id, p.buyer)
		}
		return env.tolerate("progress", err)
	})
}

// Resolver settles open disputes with a random outcome.
func Resolver(ctx context.Context, env Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 40, 60, func() error {
		p, ok, err := pick(ctx, env.Pool, trade.StatusDisputed)
		if err != nil || !ok {
			return env.tolerate("pick", err)
		}
		var res dispute.Resolution
		switch mrand.Intn(3) {
		case 0:
			res = dispute.ReleaseToSeller{}
		case 1:
			res = dispute.RefundToBuyer{}
		default:
			split, err := dispute.NewSplit(decimal.New(int64(mrand.Intn(10001)), -2))
			if err != nil {
				return err
			}
			res = split
		}
		_, err = env.Service.ResolveDispute(ctx, trade.ResolveRequest{
			TradeID:    p.id,
			AdminID:    AdminID,
			Resolution: res,
			Notes:      "settled during stress run",
		})
		return env.tolerate("resolve", err)
	})
}

// Sweeper runs sweep passes back to back.
func Sweeper(ctx context.Context, env Env, sweeper *trade.Sweeper, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() error {
		_, err := sweeper.RunOnce(ctx)
		return env.tolerate("sweep", err)
	})
}

// Relayer drains the outbox concurrently with the writers.
func Relayer(ctx context.Context, env Env, relayOnce func(context.Context) (int, error), stop <-chan struct{}) error {
	return loop(ctx, stop, 80, 120, func() error {
		_, err := relayOnce(ctx)
		return env.tolerate("relay", err)
	})
}

// tolerate swallows the errors concurrent actors are expected to see and
// returns anything that indicates a broken invariant.
func (env Env) tolerate(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	switch trade.ErrorKind(err) {
	case "invalid_transition", "already_terminal", "concurrent_modification",
		"deadline_not_passed", "not_found", "rate_limited", "unavailable":
		return nil
	case "internal":
		if env.Chaos {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type picked struct {
	id     string
	buyer  string
	seller string
	status trade.Status
}

func (p picked) either() string {
	if mrand.Intn(2) == 0 {
		return p.buyer
	}
	return p.seller
}

func pick(ctx context.Context, pool *pgxpool.Pool, status trade.Status) (picked, bool, error) {
	var (
		p  picked
		st string
	)
	err := pool.QueryRow(ctx, `
		SELECT id::text, buyer_id, seller_id, status::text FROM trades
		WHERE status = $1 ORDER BY random() LIMIT 1`, string(status)).
		Scan(&p.id, &p.buyer, &p.seller, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return picked{}, false, nil
	}
	if err != nil {
		return picked{}, false, fmt.Errorf("%w: %v", trade.ErrDependencyUnavailable, err)
	}
	p.status = trade.Status(st)
	return p, true, nil
}

func loop(ctx context.Context, stop <-chan struct{}, minMS, jitterMS int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minMS+mrand.Intn(jitterMS)) * time.Millisecond)
	}
}

func trader() string {
	return fmt.Sprintf("trader-%d", mrand.Intn(12))
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

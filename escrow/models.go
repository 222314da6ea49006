package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status mirrors the subset of trade states the custody contract tracks.
type Status string

const (
	StatusFunded    Status = "FUNDED"
	StatusConfirmed Status = "CONFIRMED"
	StatusDisputed  Status = "DISPUTED"
)

// Record is the custody record created when a trade becomes funded. It can
// outlive its trade's lifecycle for audit, so trades only keep its ID.
type Record struct {
	ID              string
	TradeID         string
	Buyer           string
	Seller          string
	Amount          decimal.Decimal
	DisputeWindow   time.Duration
	ContractAddress string
	ChainID         int64
	TransactionHash string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DepositVerifier confirms that an on-chain transaction funds an escrow with
// the expected amount. Implementations live with the chain clients.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, transactionHash string, expectedAmount decimal.Decimal, chainID int64) (bool, error)
}

package listing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a seller's standing offer. Accepting it opens a trade that is
// already matched and waits for the buyer's deposit.
type Listing struct {
	ID            string
	SellerID      string
	Currency      string
	ChainID       int64
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	PaymentWindow time.Duration
	DisputeWindow time.Duration
	Active        bool
	CreatedAt     time.Time
}

// Allows reports whether amount is within the listing's bounds.
func (l Listing) Allows(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(l.MinAmount) && amount.LessThanOrEqual(l.MaxAmount)
}

type CreateParams struct {
	SellerID      string
	Currency      string
	ChainID       int64
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	PaymentWindow time.Duration
	DisputeWindow time.Duration
}

// AcceptRequest is a buyer taking a listing for a specific amount.
type AcceptRequest struct {
	ListingID      string
	BuyerID        string
	Amount         decimal.Decimal
	IdempotencyKey string
	Metadata       map[string]any
}

package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record mirrors the disputes table. A trade owns at most one dispute.
type Record struct {
	ID       string
	TradeID  string
	RaisedBy string
	Reason   string
	// Evidence holds opaque file references owned by the raising party.
	Evidence []string
	Status   Status

	Resolution      Kind
	SplitPercentage *decimal.Decimal
	Notes           string
	ResolvedBy      string
	ResolvedAt      *time.Time
	SellerShare     *decimal.Decimal
	BuyerShare      *decimal.Decimal

	CreatedAt time.Time
}

// Decision is what an administrator's resolution writes onto the open dispute.
type Decision struct {
	Resolution Resolution
	Notes      string
	ResolvedBy string
	ResolvedAt time.Time
	Settlement Settlement
}

// Apply copies the decision onto a record, marking it resolved.
func (d Decision) Apply(rec Record) Record {
	rec.Status = StatusResolved
	rec.Resolution = d.Resolution.Kind()
	if split, ok := d.Resolution.(Split); ok {
		p := split.Percentage()
		rec.SplitPercentage = &p
	}
	rec.Notes = d.Notes
	rec.ResolvedBy = d.ResolvedBy
	at := d.ResolvedAt
	rec.ResolvedAt = &at
	seller, buyer := d.Settlement.SellerShare, d.Settlement.BuyerShare
	rec.SellerShare = &seller
	rec.BuyerShare = &buyer
	return rec
}

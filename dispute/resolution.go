package dispute

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Kind is the persisted name of a resolution variant.
type Kind string

const (
	KindReleaseToSeller Kind = "release_to_seller"
	KindRefundToBuyer   Kind = "refund_to_buyer"
	KindSplit           Kind = "split"
)

// MinNotesLength is the minimum number of characters an administrator must
// write when resolving a dispute.
const MinNotesLength = 10

// shareScale matches numeric(38, 18) in the disputes table.
const shareScale = 18

// percentageScale matches split_percentage numeric(5, 2).
const percentageScale = 2

var (
	ErrInvalidResolution = errors.New("dispute: invalid resolution")
	ErrMissingPercentage = errors.New("dispute: split resolution requires a percentage")
	ErrPercentageRange   = errors.New("dispute: split percentage must be between 0 and 100")
	ErrPercentageScale   = fmt.Errorf("dispute: split percentage allows at most %d decimal places", percentageScale)
	ErrNotesTooShort     = fmt.Errorf("dispute: notes must be at least %d characters", MinNotesLength)
	ErrNothingToDispute  = errors.New("dispute: a reason or at least one evidence reference is required")
	ErrBlankEvidence     = errors.New("dispute: evidence references must not be blank")
	ErrNonPositiveAmount = errors.New("dispute: escrowed amount must be positive")
	hundred              = decimal.NewFromInt(100)
)

// Resolution is the administrator's outcome for a disputed trade. The only
// implementations are ReleaseToSeller, RefundToBuyer and Split.
type Resolution interface {
	Kind() Kind
	sealed()
}

// ReleaseToSeller credits the whole escrowed amount to the seller.
type ReleaseToSeller struct{}

// RefundToBuyer credits the whole escrowed amount back to the buyer.
type RefundToBuyer struct{}

// Split credits Percentage of the escrow to the seller and the remainder to
// the buyer. Build it with NewSplit; the zero value is not a valid resolution.
type Split struct {
	percentage decimal.Decimal
	set        bool
}

func (ReleaseToSeller) Kind() Kind { return KindReleaseToSeller }
func (RefundToBuyer) Kind() Kind   { return KindRefundToBuyer }
func (Split) Kind() Kind           { return KindSplit }

func (ReleaseToSeller) sealed() {}
func (RefundToBuyer) sealed()   {}
func (Split) sealed()           {}

func NewSplit(percentage decimal.Decimal) (Split, error) {
	if percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return Split{}, ErrPercentageRange
	}
	if !percentage.Equal(percentage.Truncate(percentageScale)) {
		return Split{}, ErrPercentageScale
	}
	return Split{percentage: percentage, set: true}, nil
}

// Percentage is the seller's share in percent.
func (s Split) Percentage() decimal.Decimal { return s.percentage }

// ParseResolution decodes the boundary representation. A split without a
// percentage is rejected rather than defaulted.
func ParseResolution(kind string, percentage *decimal.Decimal) (Resolution, error) {
	switch Kind(strings.TrimSpace(kind)) {
	case KindReleaseToSeller:
		return ReleaseToSeller{}, nil
	case KindRefundToBuyer:
		return RefundToBuyer{}, nil
	case KindSplit:
		if percentage == nil {
			return nil, ErrMissingPercentage
		}
		return NewSplit(*percentage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, kind)
	}
}

// Validate reports whether r is a usable resolution value.
func Validate(r Resolution) error {
	switch v := r.(type) {
	case ReleaseToSeller, RefundToBuyer:
		return nil
	case Split:
		if !v.set {
			return ErrMissingPercentage
		}
		return nil
	default:
		return ErrInvalidResolution
	}
}

// NormalizeNotes trims notes and enforces the minimum length.
func NormalizeNotes(notes string) (string, error) {
	notes = strings.TrimSpace(notes)
	if utf8.RuneCountInString(notes) < MinNotesLength {
		return "", ErrNotesTooShort
	}
	return notes, nil
}

// NormalizeClaim validates what a party supplies when raising a dispute.
func NormalizeClaim(reason string, evidence []string) (string, []string, error) {
	reason = strings.TrimSpace(reason)
	out := make([]string, 0, len(evidence))
	for _, ref := range evidence {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return "", nil, ErrBlankEvidence
		}
		out = append(out, ref)
	}
	if reason == "" && len(out) == 0 {
		return "", nil, ErrNothingToDispute
	}
	return reason, out, nil
}

// Settlement is how the escrowed amount is divided between the parties.
type Settlement struct {
	SellerShare decimal.Decimal
	BuyerShare  decimal.Decimal
}

// Settle divides amount according to r. The buyer share is always computed as
// the remainder so the two shares add up to amount exactly.
func Settle(amount decimal.Decimal, r Resolution) (Settlement, error) {
	if !amount.IsPositive() {
		return Settlement{}, ErrNonPositiveAmount
	}
	if err := Validate(r); err != nil {
		return Settlement{}, err
	}

	var seller decimal.Decimal
	switch v := r.(type) {
	case ReleaseToSeller:
		seller = amount
	case RefundToBuyer:
		seller = decimal.Zero
	case Split:
		seller = amount.Mul(v.percentage).Shift(-2).Truncate(shareScale)
	}
	return Settlement{
		SellerShare: seller,
		BuyerShare:  amount.Sub(seller),
	}, nil
}

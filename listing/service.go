package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

var (
	ErrInactive      = errors.New("listing: not accepting trades")
	ErrOwnListing    = errors.New("listing: sellers cannot take their own listing")
	ErrAmountOutside = errors.New("listing: amount outside listing bounds")
	ErrInvalid       = errors.New("listing: invalid listing")
)

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Listing, error)
	List(ctx context.Context, limit int) ([]Listing, error)
	Create(ctx context.Context, p CreateParams) (Listing, error)
}

// TradeOpener is the slice of the trade service a listing acceptance needs.
type TradeOpener interface {
	CreateTrade(ctx context.Context, p trade.CreateParams) (trade.Trade, error)
}

// Service exposes business-level listing operations.
type Service struct {
	repo   Store
	trades TradeOpener
}

func NewService(repo Store, trades TradeOpener) *Service {
	return &Service{repo: repo, trades: trades}
}

func (s *Service) GetByID(ctx context.Context, id string) (Listing, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit active listings.
func (s *Service) List(ctx context.Context, limit int) ([]Listing, error) {
	return s.repo.List(ctx, limit)
}

// Create publishes a new listing for sellerID.
func (s *Service) Create(ctx context.Context, p CreateParams) (Listing, error) {
	p.SellerID = strings.TrimSpace(p.SellerID)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	switch {
	case p.SellerID == "" || p.Currency == "":
		return Listing{}, fmt.Errorf("%w: seller and currency are required", ErrInvalid)
	case p.ChainID <= 0:
		return Listing{}, fmt.Errorf("%w: chain id must be positive", ErrInvalid)
	case !p.MinAmount.IsPositive() || p.MaxAmount.LessThan(p.MinAmount):
		return Listing{}, fmt.Errorf("%w: amounts must satisfy 0 < min <= max", ErrInvalid)
	case p.PaymentWindow <= 0 || p.DisputeWindow < 0:
		return Listing{}, fmt.Errorf("%w: payment window must be positive and dispute window non-negative", ErrInvalid)
	}
	return s.repo.Create(ctx, p)
}

// Accept opens a trade between the listing's seller and the buyer. The
// counterparty is already matched, so the trade starts awaiting deposit.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (trade.Trade, error) {
	l, err := s.repo.GetByID(ctx, req.ListingID)
	if err != nil {
		return trade.Trade{}, err
	}
	if !l.Active {
		return trade.Trade{}, ErrInactive
	}
	if req.BuyerID == l.SellerID {
		return trade.Trade{}, ErrOwnListing
	}
	if !l.Allows(req.Amount) {
		return trade.Trade{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutside, req.Amount, l.MinAmount, l.MaxAmount)
	}

	return s.trades.CreateTrade(ctx, trade.CreateParams{
		IdempotencyKey: req.IdempotencyKey,
		InitiatorID:    req.BuyerID,
		BuyerID:        req.BuyerID,
		SellerID:       l.SellerID,
		ListingID:      l.ID,
		Amount:         req.Amount,
		Currency:       l.Currency,
		ChainID:        l.ChainID,
		PaymentWindow:  l.PaymentWindow,
		DisputeWindow:  l.DisputeWindow,
		Metadata:       req.Metadata,
	})
}

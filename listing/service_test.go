package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

func TestAccept_OpensMatchedTrade(t *testing.T) {
	repo := &fakeStore{listing: sampleListing()}
	opener := &fakeOpener{}
	svc := NewService(repo, opener)

	_, err := svc.Accept(context.Background(), AcceptRequest{
		ListingID:      "listing-1",
		BuyerID:        "buyer-1",
		Amount:         decimal.NewFromInt(250),
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	p := opener.params
	if p.SellerID != "seller-1" || p.BuyerID != "buyer-1" || p.InitiatorID != "buyer-1" {
		t.Fatalf("unexpected parties: %+v", p)
	}
	if p.RequireAcceptance {
		t.Fatal("listing acceptance must not require a second acceptance")
	}
	if p.ListingID != "listing-1" || p.Currency != "USDT" || p.ChainID != 56 {
		t.Fatalf("listing terms not copied: %+v", p)
	}
	if p.PaymentWindow != 15*time.Minute || p.DisputeWindow != 12*time.Hour {
		t.Fatalf("windows not copied: %+v", p)
	}
	if p.IdempotencyKey != "req-1" {
		t.Fatalf("idempotency key dropped")
	}
}

func TestAccept_Rejections(t *testing.T) {
	inactive := sampleListing()
	inactive.Active = false

	cases := []struct {
		name    string
		listing Listing
		req     AcceptRequest
		want    error
	}{
		{"inactive", inactive, AcceptRequest{BuyerID: "b", Amount: decimal.NewFromInt(100)}, ErrInactive},
		{"own listing", sampleListing(), AcceptRequest{BuyerID: "seller-1", Amount: decimal.NewFromInt(100)}, ErrOwnListing},
		{"below min", sampleListing(), AcceptRequest{BuyerID: "b", Amount: decimal.NewFromInt(5)}, ErrAmountOutside},
		{"above max", sampleListing(), AcceptRequest{BuyerID: "b", Amount: decimal.NewFromInt(5000)}, ErrAmountOutside},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opener := &fakeOpener{}
			svc := NewService(&fakeStore{listing: tc.listing}, opener)
			if _, err := svc.Accept(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if opener.called {
				t.Fatal("trade must not be opened")
			}
		})
	}
}

func TestAccept_MissingListing(t *testing.T) {
	svc := NewService(&fakeStore{err: ErrNotFound}, &fakeOpener{})
	if _, err := svc.Accept(context.Background(), AcceptRequest{ListingID: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&fakeStore{}, nil)
	_, err := svc.Create(context.Background(), CreateParams{
		SellerID:      "s",
		Currency:      "usdc",
		ChainID:       1,
		MinAmount:     decimal.NewFromInt(10),
		MaxAmount:     decimal.NewFromInt(5),
		PaymentWindow: time.Minute,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	repo := &fakeStore{}
	svc = NewService(repo, nil)
	if _, err := svc.Create(context.Background(), CreateParams{
		SellerID:      " s ",
		Currency:      "usdc",
		ChainID:       1,
		MinAmount:     decimal.NewFromInt(1),
		MaxAmount:     decimal.NewFromInt(5),
		PaymentWindow: time.Minute,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if repo.created.Currency != "USDC" || repo.created.SellerID != "s" {
		t.Fatalf("params not normalized: %+v", repo.created)
	}
}

func sampleListing() Listing {
	return Listing{
		ID:            "listing-1",
		SellerID:      "seller-1",
		Currency:      "USDT",
		ChainID:       56,
		MinAmount:     decimal.NewFromInt(10),
		MaxAmount:     decimal.NewFromInt(1000),
		PaymentWindow: 15 * time.Minute,
		DisputeWindow: 12 * time.Hour,
		Active:        true,
	}
}

type fakeStore struct {
	listing Listing
	err     error
	created CreateParams
}

func (f *fakeStore) GetByID(context.Context, string) (Listing, error) { return f.listing, f.err }

func (f *fakeStore) List(context.Context, int) ([]Listing, error) {
	return []Listing{f.listing}, f.err
}

func (f *fakeStore) Create(_ context.Context, p CreateParams) (Listing, error) {
	f.created = p
	return Listing{SellerID: p.SellerID, Currency: p.Currency, Active: true}, f.err
}

type fakeOpener struct {
	called bool
	params trade.CreateParams
}

func (f *fakeOpener) CreateTrade(_ context.Context, p trade.CreateParams) (trade.Trade, error) {
	f.called = true
	f.params = p
	return trade.Trade{ID: "trade-1", Status: trade.StatusAwaitingDeposit}, nil
}

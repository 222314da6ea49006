package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/auth"
	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/listing"
	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTrades struct {
	result trade.Trade
	err    error

	created  trade.CreateParams
	funded   trade.FundRequest
	resolved trade.ResolveRequest
	cancel   string
	actor    string
	listed   trade.Status
}

func (s *stubTrades) CreateTrade(_ context.Context, p trade.CreateParams) (trade.Trade, error) {
	s.created = p
	return s.result, s.err
}

func (s *stubTrades) AcceptTrade(_ context.Context, _, actorID string) (trade.Trade, error) {
	s.actor = actorID
	return s.result, s.err
}

func (s *stubTrades) FundTrade(_ context.Context, req trade.FundRequest) (trade.Trade, error) {
	s.funded = req
	return s.result, s.err
}

func (s *stubTrades) MarkPaymentSent(_ context.Context, _, actorID string) (trade.Trade, error) {
	s.actor = actorID
	return s.result, s.err
}

func (s *stubTrades) MarkDelivered(_ context.Context, _, actorID string) (trade.Trade, error) {
	s.actor = actorID
	return s.result, s.err
}

func (s *stubTrades) CompleteTrade(_ context.Context, _, actorID string) (trade.Trade, error) {
	s.actor = actorID
	return s.result, s.err
}

func (s *stubTrades) CancelTrade(_ context.Context, _, actorID, reason string) (trade.Trade, error) {
	s.actor, s.cancel = actorID, reason
	return s.result, s.err
}

func (s *stubTrades) DisputeTrade(_ context.Context, req trade.DisputeRequest) (trade.Trade, error) {
	s.actor = req.ActorID
	return s.result, s.err
}

func (s *stubTrades) ResolveDispute(_ context.Context, req trade.ResolveRequest) (trade.Trade, error) {
	s.resolved = req
	return s.result, s.err
}

func (s *stubTrades) GetTrade(_ context.Context, _ string) (trade.Trade, error) {
	return s.result, s.err
}

func (s *stubTrades) ListTrades(_ context.Context, userID string, status trade.Status, _ int) ([]trade.Trade, error) {
	s.actor, s.listed = userID, status
	return []trade.Trade{s.result}, s.err
}

type stubDisputes struct {
	record  dispute.Record
	records []dispute.Record
	err     error
	status  dispute.Status
}

func (s *stubDisputes) GetByTrade(context.Context, string) (dispute.Record, error) {
	return s.record, s.err
}

func (s *stubDisputes) List(_ context.Context, status dispute.Status, _ int) ([]dispute.Record, error) {
	s.status = status
	return s.records, s.err
}

type stubListings struct {
	listing  listing.Listing
	trade    trade.Trade
	err      error
	accepted listing.AcceptRequest
}

func (s *stubListings) GetByID(context.Context, string) (listing.Listing, error) {
	return s.listing, s.err
}

func (s *stubListings) List(context.Context, int) ([]listing.Listing, error) {
	return []listing.Listing{s.listing}, s.err
}

func (s *stubListings) Create(_ context.Context, p listing.CreateParams) (listing.Listing, error) {
	return listing.Listing{SellerID: p.SellerID, Currency: p.Currency, MinAmount: p.MinAmount, MaxAmount: p.MaxAmount, Active: true}, s.err
}

func (s *stubListings) Accept(_ context.Context, req listing.AcceptRequest) (trade.Trade, error) {
	s.accepted = req
	return s.trade, s.err
}

func newTestServer(trades *stubTrades, disputes *stubDisputes, listings *stubListings) *Server {
	if disputes == nil {
		disputes = &stubDisputes{}
	}
	if listings == nil {
		listings = &stubListings{}
	}
	return NewServer(trades, disputes, listings, auth.NewService(nil, testSecret), prometheus.NewRegistry(), Windows{
		Payment: 30 * time.Minute,
		Dispute: 24 * time.Hour,
	}, logging.Discard())
}

func bearer(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := auth.NewService(nil, testSecret).IssueToken(userID, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func do(t *testing.T, s *Server, method, path, body, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func sampleTrade(status trade.Status) trade.Trade {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return trade.Trade{
		ID:              "t1",
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		Amount:          decimal.RequireFromString("100.5"),
		Currency:        "USDC",
		ChainID:         1,
		Status:          status,
		DepositDeadline: now.Add(30 * time.Minute),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(&stubTrades{}, nil, nil)

	if rec := do(t, s, http.MethodGet, "/api/v1/trades/t1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/trades/t1", "", "Bearer nonsense"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected open health check, got %d", rec.Code)
	}
}

func TestHandleCreateTrade(t *testing.T) {
	trades := &stubTrades{result: sampleTrade(trade.StatusAwaitingDeposit)}
	s := newTestServer(trades, nil, nil)

	body := `{"counterpartyId":"seller-1","side":"buy","amount":"100.5","currency":"usdc","chainId":1,"disputeWindowSeconds":3600}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "buyer-1", auth.RoleTrader))
	req.Header.Set("Idempotency-Key", "create-1")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	p := trades.created
	if p.BuyerID != "buyer-1" || p.SellerID != "seller-1" || p.InitiatorID != "buyer-1" {
		t.Fatalf("unexpected parties: %+v", p)
	}
	if p.IdempotencyKey != "create-1" {
		t.Fatalf("idempotency key not forwarded: %q", p.IdempotencyKey)
	}
	if p.PaymentWindow != 30*time.Minute || p.DisputeWindow != time.Hour {
		t.Fatalf("unexpected windows: %v %v", p.PaymentWindow, p.DisputeWindow)
	}
	if !p.Amount.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("amount = %s", p.Amount)
	}

	var resp tradeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "awaiting_deposit" || resp.Amount != "100.5" || resp.DepositDeadline != "2026-03-01T12:30:00Z" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleListTrades(t *testing.T) {
	trades := &stubTrades{result: sampleTrade(trade.StatusFunded)}
	s := newTestServer(trades, nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/trades?status=funded&limit=5", "", bearer(t, "seller-1", auth.RoleTrader))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if trades.actor != "seller-1" || trades.listed != trade.StatusFunded {
		t.Fatalf("unexpected list call: %q %q", trades.actor, trades.listed)
	}
	var resp []tradeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp) != 1 {
		t.Fatalf("decode: %v (%d items)", err, len(resp))
	}
}

func TestHandleCreateTrade_BadSide(t *testing.T) {
	s := newTestServer(&stubTrades{}, nil, nil)
	rec := do(t, s, http.MethodPost, "/api/v1/trades", `{"counterpartyId":"x","side":"hold","amount":"1"}`, bearer(t, "u", auth.RoleTrader))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleFund_ForwardsProof(t *testing.T) {
	trades := &stubTrades{result: sampleTrade(trade.StatusFunded)}
	s := newTestServer(trades, nil, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/trades/t1/fund", `{"escrowId":"e-1","transactionHash":"0xabc"}`, bearer(t, "buyer-1", auth.RoleTrader))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if trades.funded.TradeID != "t1" || trades.funded.ActorID != "buyer-1" || trades.funded.EscrowID != "e-1" {
		t.Fatalf("unexpected fund request: %+v", trades.funded)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"not found", trade.ErrTradeNotFound, http.StatusNotFound, "not_found"},
		{"validation", fmt.Errorf("%w: amount", trade.ErrValidation), http.StatusBadRequest, "validation"},
		{"missing proof", trade.ErrMissingDepositProof, http.StatusBadRequest, "missing_deposit_proof"},
		{"participant", trade.ErrNotAParticipant, http.StatusForbidden, "not_a_participant"},
		{"authorized", trade.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
		{"transition", &trade.TransitionError{From: trade.StatusFunded, To: trade.StatusFunded, Reason: "Trade is already funded"}, http.StatusConflict, "invalid_transition"},
		{"terminal", &trade.TransitionError{From: trade.StatusCancelled, To: trade.StatusFunded, Reason: "done"}, http.StatusConflict, "already_terminal"},
		{"conflict", trade.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
		{"deadline", trade.ErrDeadlineNotYetPassed, http.StatusConflict, "deadline_not_passed"},
		{"rate limited", trade.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"unavailable", fmt.Errorf("%w: dial", trade.ErrDependencyUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(&stubTrades{err: tc.err}, nil, nil)
			rec := do(t, s, http.MethodPost, "/api/v1/trades/t1/complete", "", bearer(t, "buyer-1", auth.RoleTrader))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, resp.Error)
			}
		})
	}
}

func TestHandleGetTrade_HidesFromOutsiders(t *testing.T) {
	s := newTestServer(&stubTrades{result: sampleTrade(trade.StatusFunded)}, nil, nil)

	if rec := do(t, s, http.MethodGet, "/api/v1/trades/t1", "", bearer(t, "mallory", auth.RoleTrader)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/trades/t1", "", bearer(t, "ops", auth.RoleAdmin)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/trades/t1", "", bearer(t, "seller-1", auth.RoleTrader)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for seller, got %d", rec.Code)
	}
}

func TestHandleResolve(t *testing.T) {
	trades := &stubTrades{result: sampleTrade(trade.StatusCompleted)}
	s := newTestServer(trades, nil, nil)
	admin := bearer(t, "ops", auth.RoleAdmin)

	rec := do(t, s, http.MethodPost, "/api/v1/trades/t1/resolve", `{"resolution":"split","splitPercentage":30,"notes":"partial delivery"}`, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	split, ok := trades.resolved.Resolution.(dispute.Split)
	if !ok || !split.Percentage().Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected resolution: %#v", trades.resolved.Resolution)
	}
	if trades.resolved.AdminID != "ops" {
		t.Fatalf("admin id = %q", trades.resolved.AdminID)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/trades/t1/resolve", `{"resolution":"split","notes":"partial delivery"}`, admin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("split without percentage: expected 400, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/v1/trades/t1/resolve", `{"resolution":"split","splitPercentage":33.3333,"notes":"partial delivery"}`, admin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("over-precise percentage: expected 400, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/api/v1/trades/t1/resolve", `{"resolution":"coin_flip","notes":"partial delivery"}`, admin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown resolution: expected 400, got %d", rec.Code)
	}
}

func TestHandleCancel_OptionalBody(t *testing.T) {
	trades := &stubTrades{result: sampleTrade(trade.StatusCancelled)}
	s := newTestServer(trades, nil, nil)

	if rec := do(t, s, http.MethodPost, "/api/v1/trades/t1/cancel", "", bearer(t, "buyer-1", auth.RoleTrader)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/trades/t1/cancel", `{"reason":"changed plans"}`, bearer(t, "buyer-1", auth.RoleTrader)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if trades.cancel != "changed plans" {
		t.Fatalf("reason = %q", trades.cancel)
	}
}

func TestHandleListDisputes_AdminOnly(t *testing.T) {
	disputes := &stubDisputes{records: []dispute.Record{{ID: "d1", TradeID: "t1", Status: dispute.StatusOpen}}}
	s := newTestServer(&stubTrades{}, disputes, nil)

	if rec := do(t, s, http.MethodGet, "/api/v1/disputes", "", bearer(t, "buyer-1", auth.RoleTrader)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for trader, got %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/v1/disputes", "", bearer(t, "ops", auth.RoleAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "d1" || disputes.status != dispute.StatusOpen {
		t.Fatalf("unexpected disputes: %+v", resp)
	}
}

func TestHandleAcceptListing(t *testing.T) {
	listings := &stubListings{trade: sampleTrade(trade.StatusAwaitingDeposit)}
	s := newTestServer(&stubTrades{}, nil, listings)

	rec := do(t, s, http.MethodPost, "/api/v1/listings/l1/accept", `{"amount":"50"}`, bearer(t, "buyer-1", auth.RoleTrader))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if listings.accepted.ListingID != "l1" || listings.accepted.BuyerID != "buyer-1" {
		t.Fatalf("unexpected accept request: %+v", listings.accepted)
	}

	listings.err = listing.ErrAmountOutside
	if rec := do(t, s, http.MethodPost, "/api/v1/listings/l1/accept", `{"amount":"50"}`, bearer(t, "buyer-1", auth.RoleTrader)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	listings.err = listing.ErrNotFound
	if rec := do(t, s, http.MethodGet, "/api/v1/listings/l1", "", bearer(t, "buyer-1", auth.RoleTrader)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&stubTrades{}, nil, nil)
	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

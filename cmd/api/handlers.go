package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/listing"
	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

var errBadRequest = errors.New("api: bad request")

type tradeResponse struct {
	ID              string         `json:"id"`
	ListingID       string         `json:"listingId,omitempty"`
	BuyerID         string         `json:"buyerId"`
	SellerID        string         `json:"sellerId"`
	Amount          string         `json:"amount"`
	Currency        string         `json:"currency"`
	ChainID         int64          `json:"chainId"`
	EscrowID        string         `json:"escrowId,omitempty"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	Status          string         `json:"status"`
	DepositDeadline string         `json:"depositDeadline"`
	DisputeWindow   int64          `json:"disputeWindowSeconds"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       string         `json:"createdAt"`
	AcceptedAt      *string        `json:"acceptedAt,omitempty"`
	StartedAt       *string        `json:"startedAt,omitempty"`
	PaymentSentAt   *string        `json:"paymentSentAt,omitempty"`
	DeliveredAt     *string        `json:"deliveredAt,omitempty"`
	DisputedAt      *string        `json:"disputedAt,omitempty"`
	CompletedAt     *string        `json:"completedAt,omitempty"`
	CancelledAt     *string        `json:"cancelledAt,omitempty"`
	UpdatedAt       string         `json:"updatedAt"`
}

func newTradeResponse(t trade.Trade) tradeResponse {
	md := t.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return tradeResponse{
		ID:              t.ID,
		ListingID:       t.ListingID,
		BuyerID:         t.BuyerID,
		SellerID:        t.SellerID,
		Amount:          t.Amount.String(),
		Currency:        t.Currency,
		ChainID:         t.ChainID,
		EscrowID:        t.EscrowID,
		TransactionHash: t.TransactionHash,
		Status:          string(t.Status),
		DepositDeadline: formatTime(t.DepositDeadline),
		DisputeWindow:   int64(t.DisputeWindow / time.Second),
		Metadata:        md,
		CreatedAt:       formatTime(t.CreatedAt),
		AcceptedAt:      formatOptional(t.AcceptedAt),
		StartedAt:       formatOptional(t.StartedAt),
		PaymentSentAt:   formatOptional(t.PaymentSentAt),
		DeliveredAt:     formatOptional(t.DeliveredAt),
		DisputedAt:      formatOptional(t.DisputedAt),
		CompletedAt:     formatOptional(t.CompletedAt),
		CancelledAt:     formatOptional(t.CancelledAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
}

type disputeResponse struct {
	ID              string   `json:"id"`
	TradeID         string   `json:"tradeId"`
	RaisedBy        string   `json:"raisedBy"`
	Reason          string   `json:"reason"`
	Evidence        []string `json:"evidence"`
	Status          string   `json:"status"`
	Resolution      string   `json:"resolution,omitempty"`
	SplitPercentage *string  `json:"splitPercentage,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	ResolvedBy      string   `json:"resolvedBy,omitempty"`
	ResolvedAt      *string  `json:"resolvedAt,omitempty"`
	SellerShare     *string  `json:"sellerShare,omitempty"`
	BuyerShare      *string  `json:"buyerShare,omitempty"`
	CreatedAt       string   `json:"createdAt"`
}

func newDisputeResponse(r dispute.Record) disputeResponse {
	evidence := r.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return disputeResponse{
		ID:              r.ID,
		TradeID:         r.TradeID,
		RaisedBy:        r.RaisedBy,
		Reason:          r.Reason,
		Evidence:        evidence,
		Status:          string(r.Status),
		Resolution:      string(r.Resolution),
		SplitPercentage: formatDecimal(r.SplitPercentage),
		Notes:           r.Notes,
		ResolvedBy:      r.ResolvedBy,
		ResolvedAt:      formatOptional(r.ResolvedAt),
		SellerShare:     formatDecimal(r.SellerShare),
		BuyerShare:      formatDecimal(r.BuyerShare),
		CreatedAt:       formatTime(r.CreatedAt),
	}
}

type listingResponse struct {
	ID                   string `json:"id"`
	SellerID             string `json:"sellerId"`
	Currency             string `json:"currency"`
	ChainID              int64  `json:"chainId"`
	MinAmount            string `json:"minAmount"`
	MaxAmount            string `json:"maxAmount"`
	PaymentWindowSeconds int64  `json:"paymentWindowSeconds"`
	DisputeWindowSeconds int64  `json:"disputeWindowSeconds"`
	Active               bool   `json:"active"`
	CreatedAt            string `json:"createdAt"`
}

func newListingResponse(l listing.Listing) listingResponse {
	return listingResponse{
		ID:                   l.ID,
		SellerID:             l.SellerID,
		Currency:             l.Currency,
		ChainID:              l.ChainID,
		MinAmount:            l.MinAmount.String(),
		MaxAmount:            l.MaxAmount.String(),
		PaymentWindowSeconds: int64(l.PaymentWindow / time.Second),
		DisputeWindowSeconds: int64(l.DisputeWindow / time.Second),
		Active:               l.Active,
		CreatedAt:            formatTime(l.CreatedAt),
	}
}

type createTradeRequest struct {
	CounterpartyID       string          `json:"counterpartyId"`
	Side                 string          `json:"side"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	ChainID              int64           `json:"chainId"`
	PaymentWindowSeconds int64           `json:"paymentWindowSeconds"`
	DisputeWindowSeconds *int64          `json:"disputeWindowSeconds"`
	RequireAcceptance    bool            `json:"requireAcceptance"`
	Metadata             map[string]any  `json:"metadata"`
}

func (s *Server) handleCreateTrade(c *gin.Context) {
	var req createTradeRequest
	if !bind(c, s, &req) {
		return
	}
	me := userID(c)
	p := trade.CreateParams{
		IdempotencyKey:    c.GetHeader("Idempotency-Key"),
		InitiatorID:       me,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ChainID:           req.ChainID,
		PaymentWindow:     s.windows.Payment,
		DisputeWindow:     s.windows.Dispute,
		RequireAcceptance: req.RequireAcceptance,
		Metadata:          req.Metadata,
	}
	switch strings.ToLower(req.Side) {
	case "buy":
		p.BuyerID, p.SellerID = me, req.CounterpartyID
	case "sell":
		p.BuyerID, p.SellerID = req.CounterpartyID, me
	default:
		s.writeError(c, fmt.Errorf("%w: side must be buy or sell", errBadRequest))
		return
	}
	if req.PaymentWindowSeconds > 0 {
		p.PaymentWindow = time.Duration(req.PaymentWindowSeconds) * time.Second
	}
	if req.DisputeWindowSeconds != nil {
		p.DisputeWindow = time.Duration(*req.DisputeWindowSeconds) * time.Second
	}

	t, err := s.trades.CreateTrade(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTradeResponse(t))
}

func (s *Server) handleListTrades(c *gin.Context) {
	trades, err := s.trades.ListTrades(c.Request.Context(), userID(c), trade.Status(c.Query("status")), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTrade(c *gin.Context) {
	t, err := s.trades.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !t.IsParticipant(userID(c)) && !isAdmin(c) {
		s.writeError(c, trade.ErrNotAParticipant)
		return
	}
	c.JSON(http.StatusOK, newTradeResponse(t))
}

func (s *Server) handleAccept(c *gin.Context) {
	s.respondTrade(c)(s.trades.AcceptTrade(c.Request.Context(), c.Param("id"), userID(c)))
}

type fundRequest struct {
	EscrowID        string `json:"escrowId"`
	TransactionHash string `json:"transactionHash"`
	ContractAddress string `json:"contractAddress"`
}

func (s *Server) handleFund(c *gin.Context) {
	var req fundRequest
	if !bind(c, s, &req) {
		return
	}
	s.respondTrade(c)(s.trades.FundTrade(c.Request.Context(), trade.FundRequest{
		TradeID:         c.Param("id"),
		ActorID:         userID(c),
		EscrowID:        req.EscrowID,
		TransactionHash: req.TransactionHash,
		ContractAddress: req.ContractAddress,
	}))
}

func (s *Server) handlePaymentSent(c *gin.Context) {
	s.respondTrade(c)(s.trades.MarkPaymentSent(c.Request.Context(), c.Param("id"), userID(c)))
}

func (s *Server) handleDelivered(c *gin.Context) {
	s.respondTrade(c)(s.trades.MarkDelivered(c.Request.Context(), c.Param("id"), userID(c)))
}

func (s *Server) handleComplete(c *gin.Context) {
	s.respondTrade(c)(s.trades.CompleteTrade(c.Request.Context(), c.Param("id"), userID(c)))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 && !bind(c, s, &req) {
		return
	}
	s.respondTrade(c)(s.trades.CancelTrade(c.Request.Context(), c.Param("id"), userID(c), req.Reason))
}

type disputeRequest struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

func (s *Server) handleDispute(c *gin.Context) {
	var req disputeRequest
	if !bind(c, s, &req) {
		return
	}
	s.respondTrade(c)(s.trades.DisputeTrade(c.Request.Context(), trade.DisputeRequest{
		TradeID:  c.Param("id"),
		ActorID:  userID(c),
		Reason:   req.Reason,
		Evidence: req.Evidence,
	}))
}

func (s *Server) handleGetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := s.trades.GetTrade(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !t.IsParticipant(userID(c)) && !isAdmin(c) {
		s.writeError(c, trade.ErrNotAParticipant)
		return
	}
	rec, err := s.disputes.GetByTrade(ctx, t.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDisputeResponse(rec))
}

type resolveRequest struct {
	Resolution      string           `json:"resolution"`
	SplitPercentage *decimal.Decimal `json:"splitPercentage"`
	Notes           string           `json:"notes"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if !bind(c, s, &req) {
		return
	}
	res, err := dispute.ParseResolution(req.Resolution, req.SplitPercentage)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.respondTrade(c)(s.trades.ResolveDispute(c.Request.Context(), trade.ResolveRequest{
		TradeID:    c.Param("id"),
		AdminID:    userID(c),
		Resolution: res,
		Notes:      req.Notes,
	}))
}

func (s *Server) handleListDisputes(c *gin.Context) {
	if !isAdmin(c) {
		s.writeError(c, trade.ErrNotAuthorized)
		return
	}
	status := dispute.Status(c.DefaultQuery("status", string(dispute.StatusOpen)))
	if status != dispute.StatusOpen && status != dispute.StatusResolved {
		s.writeError(c, fmt.Errorf("%w: unknown dispute status %q", errBadRequest, status))
		return
	}
	records, err := s.disputes.List(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]disputeResponse, 0, len(records))
	for _, r := range records {
		out = append(out, newDisputeResponse(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListListings(c *gin.Context) {
	listings, err := s.listings.List(c.Request.Context(), queryLimit(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		out = append(out, newListingResponse(l))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetListing(c *gin.Context) {
	l, err := s.listings.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListingResponse(l))
}

type createListingRequest struct {
	Currency             string          `json:"currency"`
	ChainID              int64           `json:"chainId"`
	MinAmount            decimal.Decimal `json:"minAmount"`
	MaxAmount            decimal.Decimal `json:"maxAmount"`
	PaymentWindowSeconds int64           `json:"paymentWindowSeconds"`
	DisputeWindowSeconds *int64          `json:"disputeWindowSeconds"`
}

func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if !bind(c, s, &req) {
		return
	}
	p := listing.CreateParams{
		SellerID:      userID(c),
		Currency:      req.Currency,
		ChainID:       req.ChainID,
		MinAmount:     req.MinAmount,
		MaxAmount:     req.MaxAmount,
		PaymentWindow: s.windows.Payment,
		DisputeWindow: s.windows.Dispute,
	}
	if req.PaymentWindowSeconds > 0 {
		p.PaymentWindow = time.Duration(req.PaymentWindowSeconds) * time.Second
	}
	if req.DisputeWindowSeconds != nil {
		p.DisputeWindow = time.Duration(*req.DisputeWindowSeconds) * time.Second
	}
	l, err := s.listings.Create(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newListingResponse(l))
}

type acceptListingRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Metadata map[string]any  `json:"metadata"`
}

func (s *Server) handleAcceptListing(c *gin.Context) {
	var req acceptListingRequest
	if !bind(c, s, &req) {
		return
	}
	t, err := s.listings.Accept(c.Request.Context(), listing.AcceptRequest{
		ListingID:      c.Param("id"),
		BuyerID:        userID(c),
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTradeResponse(t))
}

func (s *Server) respondTrade(c *gin.Context) func(trade.Trade, error) {
	return func(t trade.Trade, err error) {
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newTradeResponse(t))
	}
}

func bind(c *gin.Context, s *Server, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/syntaxsurge/escrowzy-okx-sub006/auth"
	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/listing"
	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

const (
	ctxKeyUserID = "user_id"
	ctxKeyRole   = "role"
)

type tradeService interface {
	CreateTrade(ctx context.Context, p trade.CreateParams) (trade.Trade, error)
	AcceptTrade(ctx context.Context, tradeID, actorID string) (trade.Trade, error)
	FundTrade(ctx context.Context, req trade.FundRequest) (trade.Trade, error)
	MarkPaymentSent(ctx context.Context, tradeID, actorID string) (trade.Trade, error)
	MarkDelivered(ctx context.Context, tradeID, actorID string) (trade.Trade, error)
	CompleteTrade(ctx context.Context, tradeID, actorID string) (trade.Trade, error)
	CancelTrade(ctx context.Context, tradeID, actorID, reason string) (trade.Trade, error)
	DisputeTrade(ctx context.Context, req trade.DisputeRequest) (trade.Trade, error)
	ResolveDispute(ctx context.Context, req trade.ResolveRequest) (trade.Trade, error)
	GetTrade(ctx context.Context, tradeID string) (trade.Trade, error)
	ListTrades(ctx context.Context, userID string, status trade.Status, limit int) ([]trade.Trade, error)
}

type disputeService interface {
	GetByTrade(ctx context.Context, tradeID string) (dispute.Record, error)
	List(ctx context.Context, status dispute.Status, limit int) ([]dispute.Record, error)
}

type listingService interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, limit int) ([]listing.Listing, error)
	Create(ctx context.Context, p listing.CreateParams) (listing.Listing, error)
	Accept(ctx context.Context, req listing.AcceptRequest) (trade.Trade, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

// Windows fill in trade timing a create request leaves out.
type Windows struct {
	Payment time.Duration
	Dispute time.Duration
}

// Server exposes the trade lifecycle over HTTP.
type Server struct {
	trades   tradeService
	disputes disputeService
	listings listingService
	tokens   tokenVerifier
	gatherer prometheus.Gatherer
	windows  Windows
	log      logrus.FieldLogger
}

func NewServer(trades tradeService, disputes disputeService, listings listingService, tokens tokenVerifier, gatherer prometheus.Gatherer, windows Windows, log logrus.FieldLogger) *Server {
	return &Server{
		trades:   trades,
		disputes: disputes,
		listings: listings,
		tokens:   tokens,
		gatherer: gatherer,
		windows:  windows,
		log:      log,
	}
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1", s.authRequired())

	trades := api.Group("/trades")
	{
		trades.GET("", s.handleListTrades)
		trades.POST("", s.handleCreateTrade)
		trades.GET("/:id", s.handleGetTrade)
		trades.POST("/:id/accept", s.handleAccept)
		trades.POST("/:id/fund", s.handleFund)
		trades.POST("/:id/payment-sent", s.handlePaymentSent)
		trades.POST("/:id/delivered", s.handleDelivered)
		trades.POST("/:id/complete", s.handleComplete)
		trades.POST("/:id/cancel", s.handleCancel)
		trades.POST("/:id/dispute", s.handleDispute)
		trades.GET("/:id/dispute", s.handleGetDispute)
		trades.POST("/:id/resolve", s.handleResolve)
	}

	api.GET("/disputes", s.handleListDisputes)

	listings := api.Group("/listings")
	{
		listings.GET("", s.handleListListings)
		listings.POST("", s.handleCreateListing)
		listings.GET("/:id", s.handleGetListing)
		listings.POST("/:id/accept", s.handleAcceptListing)
	}

	return router
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		userID, role, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		c.Set(ctxKeyUserID, userID)
		c.Set(ctxKeyRole, role)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.log == nil {
			return
		}
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	}
}

func userID(c *gin.Context) string { return c.GetString(ctxKeyUserID) }

func isAdmin(c *gin.Context) bool {
	role, _ := c.Get(ctxKeyRole)
	r, _ := role.(auth.Role)
	return r == auth.RoleAdmin
}

func abortJSON(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: kind, Message: message})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError && s.log != nil {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	abortJSON(c, status, kind, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, listing.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, listing.ErrInvalid),
		errors.Is(err, listing.ErrAmountOutside),
		errors.Is(err, listing.ErrOwnListing),
		errors.Is(err, dispute.ErrInvalidResolution),
		errors.Is(err, dispute.ErrMissingPercentage),
		errors.Is(err, dispute.ErrPercentageRange),
		errors.Is(err, dispute.ErrPercentageScale),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, listing.ErrInactive):
		return http.StatusConflict, "listing_inactive"
	}

	kind := trade.ErrorKind(err)
	switch kind {
	case "not_found":
		return http.StatusNotFound, kind
	case "validation", "missing_deposit_proof":
		return http.StatusBadRequest, kind
	case "not_a_participant", "not_authorized":
		return http.StatusForbidden, kind
	case "invalid_transition", "already_terminal", "concurrent_modification", "deadline_not_passed":
		return http.StatusConflict, kind
	case "rate_limited":
		return http.StatusTooManyRequests, kind
	case "unavailable":
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusInternalServerError, "internal"
	}
}

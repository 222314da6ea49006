package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/syntaxsurge/escrowzy-okx-sub006/escrow"
	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
	"github.com/syntaxsurge/escrowzy-okx-sub006/metrics"
)

// Store is the persistence the service needs. Commit must be conditional on
// the stored status equal to the transition's From status.
type Store interface {
	Insert(ctx context.Context, t Trade, idempotencyKey string, events []Event) (Trade, bool, error)
	Get(ctx context.Context, id string) (Trade, error)
	Commit(ctx context.Context, tr Transition) error
	ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]Trade, error)
}

// AdminChecker resolves whether a user holds the administrator role.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Notifier is told about committed transitions. Failures are logged and never
// undo the transition.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Throttle admits or rejects a request keyed by actor.
type Throttle interface {
	Allow(key string) bool
}

// DefaultMaxRetries bounds how often a transition is re-validated after
// losing a conditional write.
const DefaultMaxRetries = 3

const maxListLimit = 100

// Service is the façade over the state machine and the trade store.
type Service struct {
	store      Store
	admins     AdminChecker
	verifier   escrow.DepositVerifier
	notifier   Notifier
	throttle   Throttle
	metrics    *metrics.Recorder
	log        logrus.FieldLogger
	now        func() time.Time
	newID      func() string
	maxRetries int
}

func NewService(store Store, admins AdminChecker, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		store:      store,
		admins:     admins,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
		maxRetries: DefaultMaxRetries,
	}
}

// WithVerifier consults v for on-chain proof before a trade is funded.
func (s *Service) WithVerifier(v escrow.DepositVerifier) *Service {
	s.verifier = v
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithThrottle(t Throttle) *Service {
	s.throttle = t
	return s
}

func (s *Service) WithMetrics(r *metrics.Recorder) *Service {
	s.metrics = r
	return s
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides trade and dispute id generation, primarily for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.newID = gen
	}
	return s
}

func (s *Service) WithMaxRetries(n int) *Service {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

// CreateTrade opens a trade. Repeating a request with the same idempotency
// key returns the trade created the first time.
func (s *Service) CreateTrade(ctx context.Context, p CreateParams) (Trade, error) {
	const op = "create"
	if err := s.admit(op, p.InitiatorID); err != nil {
		return Trade{}, err
	}
	t, events, err := New(p, s.newID(), s.now())
	if err != nil {
		return Trade{}, s.reject(op, err)
	}
	key := strings.TrimSpace(p.IdempotencyKey)
	stored, created, err := s.store.Insert(ctx, t, key, events)
	if err != nil {
		return Trade{}, s.reject(op, err)
	}
	if !created {
		if !sameRequest(stored, t) {
			return Trade{}, s.reject(op, invalidf("idempotency key %q was already used for a different trade", key))
		}
		s.log.WithFields(logrus.Fields{"trade_id": stored.ID, "idempotency_key": p.IdempotencyKey}).Debug("trade: idempotent create replayed")
		return stored, nil
	}
	for _, e := range events {
		s.metrics.Transition(string(e.From), string(e.To))
		s.notify(ctx, e)
	}
	s.log.WithFields(logrus.Fields{
		"trade_id": stored.ID,
		"buyer":    stored.BuyerID,
		"seller":   stored.SellerID,
		"amount":   stored.Amount.String(),
		"status":   stored.Status,
	}).Info("trade: created")
	return stored, nil
}

// AcceptTrade moves a trade that required acceptance to awaiting_deposit.
func (s *Service) AcceptTrade(ctx context.Context, tradeID, actorID string) (Trade, error) {
	return s.userCommand(ctx, tradeID, actorID, Command{Action: ActionAccept})
}

// FundTrade records the deposit proof and moves the trade to funded.
func (s *Service) FundTrade(ctx context.Context, req FundRequest) (Trade, error) {
	const op = "fund"
	if err := s.admit(op, req.ActorID); err != nil {
		return Trade{}, err
	}
	if strings.TrimSpace(req.TradeID) == "" {
		return Trade{}, s.reject(op, invalidf("trade id is required"))
	}
	if strings.TrimSpace(req.TransactionHash) == "" || strings.TrimSpace(req.EscrowID) == "" {
		return Trade{}, s.reject(op, fmt.Errorf("%w: escrow id and transaction hash are required", ErrMissingDepositProof))
	}

	if s.verifier != nil {
		current, err := s.store.Get(ctx, req.TradeID)
		if err != nil {
			return Trade{}, s.reject(op, err)
		}
		// Only awaiting_deposit trades are worth a chain round trip; anything
		// else is rejected by the state machine below.
		if current.Status == StatusAwaitingDeposit && current.IsParticipant(req.ActorID) {
			ok, err := s.verifier.VerifyDeposit(ctx, req.TransactionHash, current.Amount, current.ChainID)
			if err != nil {
				return Trade{}, s.reject(op, fmt.Errorf("%w: deposit verifier: %w", ErrDependencyUnavailable, err))
			}
			if !ok {
				return Trade{}, s.reject(op, fmt.Errorf("%w: transaction %s does not fund the escrow", ErrMissingDepositProof, req.TransactionHash))
			}
		}
	}

	return s.execute(ctx, op, req.TradeID, Command{
		Action:          ActionFund,
		Actor:           User(req.ActorID),
		EscrowID:        req.EscrowID,
		TransactionHash: req.TransactionHash,
		ContractAddress: req.ContractAddress,
	})
}

// MarkPaymentSent is called by the seller once the off-chain leg is sent.
func (s *Service) MarkPaymentSent(ctx context.Context, tradeID, actorID string) (Trade, error) {
	return s.userCommand(ctx, tradeID, actorID, Command{Action: ActionMarkPaymentSent})
}

// MarkDelivered is called by the buyer to confirm receipt.
func (s *Service) MarkDelivered(ctx context.Context, tradeID, actorID string) (Trade, error) {
	return s.userCommand(ctx, tradeID, actorID, Command{Action: ActionConfirmDelivery})
}

// CompleteTrade releases the escrow to the seller at the buyer's request.
func (s *Service) CompleteTrade(ctx context.Context, tradeID, actorID string) (Trade, error) {
	return s.userCommand(ctx, tradeID, actorID, Command{Action: ActionComplete})
}

// CancelTrade cancels a trade before it has been funded.
func (s *Service) CancelTrade(ctx context.Context, tradeID, actorID, reason string) (Trade, error) {
	return s.userCommand(ctx, tradeID, actorID, Command{Action: ActionCancel, Reason: reason})
}

// DisputeTrade freezes a funded trade pending administrator review.
func (s *Service) DisputeTrade(ctx context.Context, req DisputeRequest) (Trade, error) {
	return s.userCommand(ctx, req.TradeID, req.ActorID, Command{
		Action:    ActionDispute,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		DisputeID: s.newID(),
	})
}

// ResolveDispute applies an administrator's resolution and completes the trade.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (Trade, error) {
	const op = "resolve"
	if err := s.admit(op, req.AdminID); err != nil {
		return Trade{}, err
	}
	if strings.TrimSpace(req.TradeID) == "" || strings.TrimSpace(req.AdminID) == "" {
		return Trade{}, s.reject(op, invalidf("trade id and admin id are required"))
	}
	if s.admins == nil {
		return Trade{}, s.reject(op, fmt.Errorf("%w: no administrator directory configured", ErrNotAuthorized))
	}
	isAdmin, err := s.admins.IsAdmin(ctx, req.AdminID)
	if err != nil {
		return Trade{}, s.reject(op, fmt.Errorf("trade: check admin role: %w", err))
	}
	if !isAdmin {
		return Trade{}, s.reject(op, fmt.Errorf("%w: only an administrator can resolve disputes", ErrNotAuthorized))
	}
	return s.execute(ctx, op, req.TradeID, Command{
		Action:     ActionResolve,
		Actor:      Admin(req.AdminID),
		Resolution: req.Resolution,
		Notes:      req.Notes,
	})
}

// ExpireTrade cancels an unfunded trade whose deposit deadline has passed.
// It runs as the system actor and is normally driven by the sweeper.
func (s *Service) ExpireTrade(ctx context.Context, tradeID string) (Trade, error) {
	return s.execute(ctx, "expire", tradeID, Command{Action: ActionExpire, Actor: System, Reason: ExpiryReason})
}

// FinalizeTrade completes a delivered trade once its dispute window has
// elapsed without a dispute.
func (s *Service) FinalizeTrade(ctx context.Context, tradeID string) (Trade, error) {
	return s.execute(ctx, "finalize", tradeID, Command{Action: ActionComplete, Actor: System})
}

// GetTrade returns the current snapshot.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	if strings.TrimSpace(tradeID) == "" {
		return Trade{}, invalidf("trade id is required")
	}
	return s.store.Get(ctx, tradeID)
}

// ListTrades returns the trades userID takes part in, newest activity first.
func (s *Service) ListTrades(ctx context.Context, userID string, status Status, limit int) ([]Trade, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidf("user id is required")
	}
	if status != "" && !status.Valid() {
		return nil, invalidf("unknown status %q", status)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListByParticipant(ctx, userID, status, limit)
}

// sameRequest reports whether a replayed create asks for the trade that was
// stored under its key.
func sameRequest(stored, fresh Trade) bool {
	return stored.InitiatorID == fresh.InitiatorID &&
		stored.BuyerID == fresh.BuyerID &&
		stored.SellerID == fresh.SellerID &&
		stored.ListingID == fresh.ListingID &&
		stored.Currency == fresh.Currency &&
		stored.ChainID == fresh.ChainID &&
		stored.Amount.Equal(fresh.Amount)
}

func (s *Service) userCommand(ctx context.Context, tradeID, actorID string, cmd Command) (Trade, error) {
	op := string(cmd.Action)
	if err := s.admit(op, actorID); err != nil {
		return Trade{}, err
	}
	if strings.TrimSpace(tradeID) == "" || strings.TrimSpace(actorID) == "" {
		return Trade{}, s.reject(op, invalidf("trade id and actor id are required"))
	}
	cmd.Actor = User(actorID)
	return s.execute(ctx, op, tradeID, cmd)
}

// execute loads, validates and conditionally commits cmd. A lost write is
// re-validated against the fresh snapshot, so the loser of a race ends with
// the state machine's verdict on the winner's result.
func (s *Service) execute(ctx context.Context, op, tradeID string, cmd Command) (Trade, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.store.Get(ctx, tradeID)
		if err != nil {
			return Trade{}, s.reject(op, err)
		}
		cmd.At = s.now()
		tr, err := Apply(current, cmd)
		if err != nil {
			return Trade{}, s.reject(op, err)
		}

		err = s.store.Commit(ctx, tr)
		if err == nil {
			s.committed(ctx, tr)
			return tr.Trade, nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= s.maxRetries {
			return Trade{}, s.reject(op, err)
		}
		s.metrics.Conflict()
		s.log.WithFields(logrus.Fields{
			"trade_id": tradeID,
			"action":   cmd.Action,
			"attempt":  attempt + 1,
		}).Debug("trade: conditional write lost, retrying")
	}
}

func (s *Service) committed(ctx context.Context, tr Transition) {
	s.metrics.Transition(string(tr.From), string(tr.To))
	s.log.WithFields(logrus.Fields{
		"trade_id": tr.Trade.ID,
		"action":   tr.Action,
		"from":     tr.From,
		"to":       tr.To,
		"actor":    tr.Actor.ID,
	}).Info("trade: transition committed")
	s.notify(ctx, tr.Event())
}

func (s *Service) notify(ctx context.Context, e Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"trade_id": e.TradeID,
			"to":       e.To,
		}).Warn("trade: notification failed")
	}
}

func (s *Service) admit(op, actorID string) error {
	if s.throttle == nil || actorID == "" {
		return nil
	}
	if !s.throttle.Allow(actorID) {
		return s.reject(op, ErrRateLimited)
	}
	return nil
}

func (s *Service) reject(op string, err error) error {
	kind := ErrorKind(err)
	s.metrics.Rejected(op, kind)
	entry := s.log.WithError(err).WithFields(logrus.Fields{"op": op, "kind": kind})
	switch kind {
	case "internal", "unavailable", "corrupt_status":
		entry.Error("trade: operation failed")
	default:
		entry.Debug("trade: operation rejected")
	}
	return err
}

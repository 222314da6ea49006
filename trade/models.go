package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/escrow"
)

// Trade mirrors the trades table. Lifecycle timestamps are set exactly once,
// by the transition that enters the corresponding status.
type Trade struct {
	ID              string
	ListingID       string
	InitiatorID     string
	BuyerID         string
	SellerID        string
	Amount          decimal.Decimal
	Currency        string
	ChainID         int64
	EscrowID        string
	TransactionHash string
	DepositDeadline time.Time
	DisputeWindow   time.Duration
	Status          Status
	Metadata        map[string]any

	CreatedAt     time.Time
	AcceptedAt    *time.Time
	StartedAt     *time.Time
	PaymentSentAt *time.Time
	DeliveredAt   *time.Time
	DisputedAt    *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	UpdatedAt     time.Time
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t Trade) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Clone returns a copy that shares no mutable state with t.
func (t Trade) Clone() Trade {
	c := t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.PaymentSentAt = cloneTime(t.PaymentSentAt)
	c.DeliveredAt = cloneTime(t.DeliveredAt)
	c.DisputedAt = cloneTime(t.DisputedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return c
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Role distinguishes who is driving a transition.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is an authenticated caller. Admin and system actors are never
// participants by virtue of their role.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor the sweeper runs as.
var System = Actor{ID: "system", Role: RoleSystem}

func User(id string) Actor  { return Actor{ID: id, Role: RoleUser} }
func Admin(id string) Actor { return Actor{ID: id, Role: RoleAdmin} }

// Action names an edge of the lifecycle graph.
type Action string

const (
	ActionAccept          Action = "accept"
	ActionFund            Action = "fund"
	ActionExpire          Action = "expire"
	ActionCancel          Action = "cancel"
	ActionMarkPaymentSent Action = "mark_payment_sent"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionComplete        Action = "complete"
	ActionDispute         Action = "dispute"
	ActionResolve         Action = "resolve"
)

// Command is a requested transition. Only the fields relevant to Action are
// read.
type Command struct {
	Action Action
	Actor  Actor
	At     time.Time

	// fund
	EscrowID        string
	TransactionHash string
	ContractAddress string

	// cancel, expire and dispute
	Reason string

	// dispute
	DisputeID string
	Evidence  []string

	// resolve
	Resolution dispute.Resolution
	Notes      string
}

// Transition is the outcome of applying a command: the new trade snapshot
// plus every companion write that has to commit with it.
type Transition struct {
	Action        Action
	From          Status
	To            Status
	Actor         Actor
	At            time.Time
	Trade         Trade
	MetadataPatch map[string]any

	Escrow       *escrow.Record
	EscrowStatus escrow.Status
	Dispute      *dispute.Record
	Decision     *dispute.Decision
}

// Event is the record of one committed status change.
type Event struct {
	TradeID    string
	Action     Action
	From       Status
	To         Status
	ActorID    string
	OccurredAt time.Time
}

func (tr Transition) Event() Event {
	return Event{
		TradeID:    tr.Trade.ID,
		Action:     tr.Action,
		From:       tr.From,
		To:         tr.To,
		ActorID:    tr.Actor.ID,
		OccurredAt: tr.At,
	}
}

// Payload renders the event for the outbox.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"tradeId":    e.TradeID,
		"action":     string(e.Action),
		"to":         string(e.To),
		"actorId":    e.ActorID,
		"occurredAt": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.From != "" {
		p["from"] = string(e.From)
	}
	return p
}

// CreateParams describes a new trade. DepositDeadline defaults to
// now + PaymentWindow when zero.
type CreateParams struct {
	IdempotencyKey    string
	InitiatorID       string
	BuyerID           string
	SellerID          string
	ListingID         string
	Amount            decimal.Decimal
	Currency          string
	ChainID           int64
	DepositDeadline   time.Time
	PaymentWindow     time.Duration
	DisputeWindow     time.Duration
	RequireAcceptance bool
	Metadata          map[string]any
}

// FundRequest carries the deposit proof for FundTrade.
type FundRequest struct {
	TradeID         string
	ActorID         string
	EscrowID        string
	TransactionHash string
	ContractAddress string
}

// DisputeRequest opens a dispute on a funded trade.
type DisputeRequest struct {
	TradeID  string
	ActorID  string
	Reason   string
	Evidence []string
}

// ResolveRequest closes a disputed trade.
type ResolveRequest struct {
	TradeID    string
	AdminID    string
	Resolution dispute.Resolution
	Notes      string
}

package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/escrow"
)

// ExpiryReason is recorded in metadata when the sweeper cancels an unfunded
// trade.
const ExpiryReason = "Payment window expired"

// Metadata keys owned by transitions. Clients cannot set them at creation.
const (
	metaCancellationReason = "cancellationReason"
	metaCancelledBy        = "cancelledBy"
	metaCompletedBy        = "completedBy"
	metaResolution         = "resolution"
)

var reservedMetadata = []string{metaCancellationReason, metaCancelledBy, metaCompletedBy, metaResolution}

// amountScale and maxAmount follow numeric(38, 18).
const amountScale = 18

var maxAmount = decimal.New(1, 38-amountScale)

type edge struct {
	from []Status
	to   Status
}

var edges = map[Action]edge{
	ActionAccept:          {from: []Status{StatusCreated}, to: StatusAwaitingDeposit},
	ActionFund:            {from: []Status{StatusAwaitingDeposit}, to: StatusFunded},
	ActionExpire:          {from: []Status{StatusAwaitingDeposit}, to: StatusCancelled},
	ActionCancel:          {from: []Status{StatusCreated, StatusAwaitingDeposit}, to: StatusCancelled},
	ActionMarkPaymentSent: {from: []Status{StatusFunded}, to: StatusPaymentSent},
	ActionConfirmDelivery: {from: []Status{StatusPaymentSent}, to: StatusDelivered},
	ActionComplete:        {from: []Status{StatusDelivered}, to: StatusCompleted},
	ActionDispute:         {from: []Status{StatusFunded, StatusPaymentSent, StatusDelivered}, to: StatusDisputed},
	ActionResolve:         {from: []Status{StatusDisputed}, to: StatusCompleted},
}

// Apply validates cmd against t and returns the resulting transition. It
// performs no I/O; the caller persists the transition with a write that is
// conditional on t.Status still being current.
func Apply(t Trade, cmd Command) (Transition, error) {
	e, ok := edges[cmd.Action]
	if !ok {
		return Transition{}, invalidf("unknown action %q", cmd.Action)
	}
	if cmd.At.IsZero() {
		return Transition{}, invalidf("command time is required")
	}
	if !t.Status.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrCorruptStatus, t.Status)
	}
	if err := authorize(t, cmd); err != nil {
		return Transition{}, err
	}
	if t.Status.Terminal() {
		return Transition{}, &TransitionError{
			Action: cmd.Action,
			From:   t.Status,
			To:     e.to,
			Reason: fmt.Sprintf("trade is already %s", t.Status),
		}
	}
	if !containsStatus(e.from, t.Status) {
		return Transition{}, &TransitionError{
			Action: cmd.Action,
			From:   t.Status,
			To:     e.to,
			Reason: rejectReason(cmd.Action, t.Status),
		}
	}

	at := cmd.At
	next := t.Clone()
	next.Status = e.to
	next.UpdatedAt = at
	tr := Transition{
		Action: cmd.Action,
		From:   t.Status,
		To:     e.to,
		Actor:  cmd.Actor,
		At:     at,
	}

	switch cmd.Action {
	case ActionAccept:
		next.AcceptedAt = &at

	case ActionFund:
		rec, err := fund(&next, cmd)
		if err != nil {
			return Transition{}, err
		}
		tr.Escrow = rec

	case ActionExpire:
		if !at.After(t.DepositDeadline) {
			return Transition{}, fmt.Errorf("%w: deposit deadline is %s", ErrDeadlineNotYetPassed, t.DepositDeadline.UTC().Format(time.RFC3339))
		}
		next.CancelledAt = &at
		tr.MetadataPatch = map[string]any{metaCancellationReason: ExpiryReason}

	case ActionCancel:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			reason = "Cancelled by " + roleIn(t, cmd.Actor.ID)
		}
		next.CancelledAt = &at
		tr.MetadataPatch = map[string]any{
			metaCancellationReason: reason,
			metaCancelledBy:        cmd.Actor.ID,
		}

	case ActionMarkPaymentSent:
		next.PaymentSentAt = &at

	case ActionConfirmDelivery:
		next.DeliveredAt = &at

	case ActionComplete:
		if cmd.Actor.Role == RoleSystem {
			if due := finalizeDue(t); at.Before(due) {
				return Transition{}, fmt.Errorf("%w: dispute window closes at %s", ErrDeadlineNotYetPassed, due.UTC().Format(time.RFC3339))
			}
			tr.MetadataPatch = map[string]any{metaCompletedBy: "system"}
		}
		next.CompletedAt = &at
		tr.EscrowStatus = escrow.StatusConfirmed

	case ActionDispute:
		reason, evidence, err := dispute.NormalizeClaim(cmd.Reason, cmd.Evidence)
		if err != nil {
			return Transition{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if cmd.DisputeID == "" {
			return Transition{}, invalidf("dispute id is required")
		}
		next.DisputedAt = &at
		tr.EscrowStatus = escrow.StatusDisputed
		tr.Dispute = &dispute.Record{
			ID:        cmd.DisputeID,
			TradeID:   t.ID,
			RaisedBy:  cmd.Actor.ID,
			Reason:    reason,
			Evidence:  evidence,
			Status:    dispute.StatusOpen,
			CreatedAt: at,
		}

	case ActionResolve:
		d, err := resolve(t, cmd)
		if err != nil {
			return Transition{}, err
		}
		next.CompletedAt = &at
		tr.Decision = d
		tr.EscrowStatus = escrow.StatusConfirmed
		tr.MetadataPatch = map[string]any{metaResolution: string(d.Resolution.Kind())}
	}

	if len(tr.MetadataPatch) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]any, len(tr.MetadataPatch))
		}
		for k, v := range tr.MetadataPatch {
			next.Metadata[k] = v
		}
	}
	tr.Trade = next
	return tr, nil
}

func authorize(t Trade, cmd Command) error {
	actor := cmd.Actor
	switch cmd.Action {
	case ActionExpire:
		if actor.Role != RoleSystem {
			return fmt.Errorf("%w: only the system expires trades", ErrNotAuthorized)
		}
		return nil
	case ActionResolve:
		if actor.Role != RoleAdmin || actor.ID == "" {
			return fmt.Errorf("%w: only an administrator can resolve disputes", ErrNotAuthorized)
		}
		return nil
	case ActionComplete:
		if actor.Role == RoleSystem {
			return nil
		}
	}

	if actor.Role != RoleUser || !t.IsParticipant(actor.ID) {
		return ErrNotAParticipant
	}

	switch cmd.Action {
	case ActionAccept:
		if t.InitiatorID != "" && actor.ID == t.InitiatorID {
			return fmt.Errorf("%w: the counterparty must accept the trade", ErrNotAuthorized)
		}
	case ActionMarkPaymentSent:
		if actor.ID != t.SellerID {
			return fmt.Errorf("%w: only the seller can mark payment as sent", ErrNotAuthorized)
		}
	case ActionConfirmDelivery, ActionComplete:
		if actor.ID != t.BuyerID {
			return fmt.Errorf("%w: only the buyer can %s", ErrNotAuthorized, strings.ReplaceAll(string(cmd.Action), "_", " "))
		}
	}
	return nil
}

func fund(next *Trade, cmd Command) (*escrow.Record, error) {
	escrowID := strings.TrimSpace(cmd.EscrowID)
	if escrowID == "" || strings.TrimSpace(cmd.TransactionHash) == "" {
		return nil, fmt.Errorf("%w: escrow id and transaction hash are required", ErrMissingDepositProof)
	}
	hash, err := escrow.NormalizeTxHash(cmd.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingDepositProof, err)
	}
	contract, err := escrow.NormalizeAddress(cmd.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	at := cmd.At
	next.EscrowID = escrowID
	next.TransactionHash = hash
	next.StartedAt = &at
	return &escrow.Record{
		ID:              escrowID,
		TradeID:         next.ID,
		Buyer:           next.BuyerID,
		Seller:          next.SellerID,
		Amount:          next.Amount,
		DisputeWindow:   next.DisputeWindow,
		ContractAddress: contract,
		ChainID:         next.ChainID,
		TransactionHash: hash,
		Status:          escrow.StatusFunded,
		CreatedAt:       at,
		UpdatedAt:       at,
	}, nil
}

func resolve(t Trade, cmd Command) (*dispute.Decision, error) {
	if err := dispute.Validate(cmd.Resolution); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	notes, err := dispute.NormalizeNotes(cmd.Notes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	settlement, err := dispute.Settle(t.Amount, cmd.Resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return &dispute.Decision{
		Resolution: cmd.Resolution,
		Notes:      notes,
		ResolvedBy: cmd.Actor.ID,
		ResolvedAt: cmd.At,
		Settlement: settlement,
	}, nil
}

func rejectReason(action Action, from Status) string {
	switch action {
	case ActionDispute:
		if !from.Funded() {
			return "Cannot dispute a trade with no funds in escrow"
		}
		return "trade is already under dispute"
	case ActionCancel:
		if from.Funded() {
			return "Funded trades can only be cancelled through dispute resolution"
		}
	case ActionFund:
		if from == StatusCreated {
			return "Trade must be accepted before it can be funded"
		}
		return "Trade is already funded"
	case ActionResolve:
		return "Only disputed trades can be resolved"
	}
	return fmt.Sprintf("Cannot %s a trade in status %s", strings.ReplaceAll(string(action), "_", " "), from)
}

func roleIn(t Trade, userID string) string {
	if userID == t.SellerID {
		return "seller"
	}
	return "buyer"
}

func finalizeDue(t Trade) time.Time {
	if t.DeliveredAt == nil {
		return time.Time{}
	}
	return t.DeliveredAt.Add(t.DisputeWindow)
}

// ExpiryDue reports whether the sweeper should cancel t at now.
func ExpiryDue(now time.Time, t Trade) (Command, bool) {
	if t.Status != StatusAwaitingDeposit || !now.After(t.DepositDeadline) {
		return Command{}, false
	}
	return Command{Action: ActionExpire, Actor: System, At: now, Reason: ExpiryReason}, true
}

// FinalizeDue reports whether the sweeper should complete a delivered trade
// whose dispute window has elapsed without a dispute.
func FinalizeDue(now time.Time, t Trade) (Command, bool) {
	if t.Status != StatusDelivered || t.DeliveredAt == nil || now.Before(finalizeDue(t)) {
		return Command{}, false
	}
	return Command{Action: ActionComplete, Actor: System, At: now}, true
}

// New validates params and builds the initial trade. Unless acceptance is
// required the counterparty is considered matched and the trade moves to
// awaiting_deposit immediately; the returned events cover both steps.
func New(p CreateParams, id string, now time.Time) (Trade, []Event, error) {
	if err := validateCreate(p, now); err != nil {
		return Trade{}, nil, err
	}
	deadline := p.DepositDeadline
	if deadline.IsZero() {
		deadline = now.Add(p.PaymentWindow)
	}
	if !deadline.After(now) {
		return Trade{}, nil, invalidf("deposit deadline must be in the future")
	}

	md := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		md[k] = v
	}
	t := Trade{
		ID:              id,
		ListingID:       p.ListingID,
		InitiatorID:     p.InitiatorID,
		BuyerID:         strings.TrimSpace(p.BuyerID),
		SellerID:        strings.TrimSpace(p.SellerID),
		Amount:          p.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(p.Currency)),
		ChainID:         p.ChainID,
		DepositDeadline: deadline,
		DisputeWindow:   p.DisputeWindow,
		Status:          StatusCreated,
		Metadata:        md,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	events := []Event{{TradeID: id, To: StatusCreated, ActorID: p.InitiatorID, OccurredAt: now}}
	if !p.RequireAcceptance {
		at := now
		t.Status = StatusAwaitingDeposit
		t.AcceptedAt = &at
		events = append(events, Event{
			TradeID:    id,
			Action:     ActionAccept,
			From:       StatusCreated,
			To:         StatusAwaitingDeposit,
			ActorID:    p.InitiatorID,
			OccurredAt: now,
		})
	}
	return t, events, nil
}

func validateCreate(p CreateParams, now time.Time) error {
	buyer, seller := strings.TrimSpace(p.BuyerID), strings.TrimSpace(p.SellerID)
	switch {
	case buyer == "" || seller == "":
		return invalidf("buyer and seller are required")
	case buyer == seller:
		return invalidf("buyer and seller must differ")
	case p.InitiatorID != buyer && p.InitiatorID != seller:
		return fmt.Errorf("%w: only a participant can open a trade", ErrNotAParticipant)
	case !p.Amount.IsPositive():
		return invalidf("amount must be positive")
	case !p.Amount.Equal(p.Amount.Truncate(amountScale)):
		return invalidf("amount has more than %d decimal places", amountScale)
	case p.Amount.GreaterThanOrEqual(maxAmount):
		return invalidf("amount must be below %s", maxAmount)
	case strings.TrimSpace(p.Currency) == "":
		return invalidf("currency is required")
	case p.ChainID <= 0:
		return invalidf("chain id must be positive")
	case p.DisputeWindow < 0:
		return invalidf("dispute window must not be negative")
	case p.DepositDeadline.IsZero() && p.PaymentWindow <= 0:
		return invalidf("a deposit deadline or payment window is required")
	case now.IsZero():
		return invalidf("creation time is required")
	}
	for _, k := range reservedMetadata {
		if _, ok := p.Metadata[k]; ok {
			return invalidf("metadata key %q is reserved", k)
		}
	}
	return nil
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

package trade

import "fmt"

// Status is the closed set of trade lifecycle states.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingDeposit Status = "awaiting_deposit"
	StatusFunded          Status = "funded"
	StatusPaymentSent     Status = "payment_sent"
	StatusDelivered       Status = "delivered"
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusAwaitingDeposit,
	StatusFunded,
	StatusPaymentSent,
	StatusDelivered,
	StatusDisputed,
	StatusCompleted,
	StatusCancelled,
}

// ParseStatus maps a stored value onto the enumeration. Anything else means
// the row was written by something that bypassed the state machine.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrCorruptStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingDeposit, StatusFunded, StatusPaymentSent,
		StatusDelivered, StatusDisputed, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Funded reports whether money is in custody for a trade in status s.
func (s Status) Funded() bool {
	switch s {
	case StatusFunded, StatusPaymentSent, StatusDelivered, StatusDisputed:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

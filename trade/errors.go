package trade

import (
	"errors"
	"fmt"
)

var (
	// ErrTradeNotFound is returned when no trade row exists for the identifier.
	ErrTradeNotFound = errors.New("trade: not found")
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("trade: invalid transition")
	// ErrAlreadyTerminal matches a *TransitionError raised on a completed or cancelled trade.
	ErrAlreadyTerminal      = errors.New("trade: already in a terminal status")
	ErrNotAParticipant      = errors.New("trade: actor is not a participant")
	ErrNotAuthorized        = errors.New("trade: actor is not authorized")
	ErrDeadlineNotYetPassed = errors.New("trade: deadline has not passed")
	ErrMissingDepositProof  = errors.New("trade: missing deposit proof")
	ErrValidation           = errors.New("trade: validation failed")
	// ErrConcurrentModification means the conditional write lost to another writer.
	ErrConcurrentModification = errors.New("trade: concurrent modification")
	ErrDependencyUnavailable  = errors.New("trade: ledger store unavailable")
	// ErrCorruptStatus flags a stored status outside the enumeration.
	ErrCorruptStatus = errors.New("trade: corrupt status")
	ErrRateLimited   = errors.New("trade: rate limited")
)

// TransitionError describes a rejected move through the lifecycle.
type TransitionError struct {
	Action Action
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("trade: cannot %s from %s: %s", e.Action, e.From, e.Reason)
	}
	return fmt.Sprintf("trade: invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrAlreadyTerminal:
		return e.From.Terminal()
	default:
		return false
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// ErrorKind classifies err into a short stable label used for metrics and
// API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTradeNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrDeadlineNotYetPassed):
		return "deadline_not_passed"
	case errors.Is(err, ErrMissingDepositProof):
		return "missing_deposit_proof"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCorruptStatus):
		return "corrupt_status"
	case errors.Is(err, ErrDependencyUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

package appointments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

var (
	ErrValidation           = errors.New("appointments: validation failed")
	ErrNotFound             = errors.New("appointments: not found")
	ErrInvalidTransition    = errors.New("appointments: invalid transition")
	ErrPaymentMismatch      = errors.New("appointments: confirmed amount below fee")
	ErrAlreadyPaid          = errors.New("appointments: already paid")
	ErrPaymentRequired      = errors.New("appointments: payment required")
	ErrNotParticipant       = errors.New("appointments: actor is not a participant")
	ErrSettlementInProgress = errors.New("appointments: settlement in progress")
	ErrSettlementPending    = errors.New("appointments: settlement pending on ledger")
	ErrStaleSettlement      = errors.New("appointments: settlement attempt superseded")
	ErrLedgerTimeout        = errors.New("appointments: ledger timeout")
	ErrLedger               = errors.New("appointments: ledger error")
	ErrRateLimited          = errors.New("appointments: too many requests")
	ErrVersionConflict      = errors.New("appointments: version conflict")
	ErrDuplicateID          = errors.New("appointments: duplicate id")

	// ErrUnknownSpecialization is feepolicy's sentinel, re-exported for callers of this package.
	ErrUnknownSpecialization = feepolicy.ErrUnknownSpecialization
)

// ValidationError aggregates every rule a request violated.
type ValidationError struct {
	Reasons []string
	causes  []error
}

func (e *ValidationError) Error() string {
	return "appointments: validation failed: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrValidation}, e.causes...)
}

func (e *ValidationError) add(cause error, format string, args ...any) {
	e.Reasons = append(e.Reasons, fmt.Sprintf(format, args...))
	if cause != nil {
		e.causes = append(e.causes, cause)
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Reasons) == 0 {
		return nil
	}
	return e
}

// TransitionError is returned when a state-machine guard fails.
type TransitionError struct {
	ID   string
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("appointments: %s %s: invalid transition from %s", e.Op, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LedgerError wraps every failure of the settlement ledger so transport
// details stay behind this package's taxonomy.
type LedgerError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *LedgerError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("appointments: ledger %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("appointments: ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Is(target error) bool {
	return target == ErrLedger || (e.Timeout && target == ErrLedgerTimeout)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Kind is a stable label for an error, used by adapters and metrics.
type Kind string

const (
	KindNone                  Kind = "ok"
	KindValidation            Kind = "validation"
	KindUnknownSpecialization Kind = "unknown_specialization"
	KindNotFound              Kind = "not_found"
	KindInvalidTransition     Kind = "invalid_transition"
	KindPaymentMismatch       Kind = "payment_mismatch"
	KindAlreadyPaid           Kind = "already_paid"
	KindPaymentRequired       Kind = "payment_required"
	KindNotParticipant        Kind = "not_participant"
	KindSettlementInProgress  Kind = "settlement_in_progress"
	KindSettlementPending     Kind = "settlement_pending"
	KindLedgerTimeout         Kind = "ledger_timeout"
	KindLedger                Kind = "ledger_error"
	KindRateLimited           Kind = "rate_limited"
	KindInternal              Kind = "internal"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnknownSpecialization):
		return KindUnknownSpecialization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrPaymentMismatch):
		return KindPaymentMismatch
	case errors.Is(err, ErrAlreadyPaid):
		return KindAlreadyPaid
	case errors.Is(err, ErrPaymentRequired):
		return KindPaymentRequired
	case errors.Is(err, ErrNotParticipant):
		return KindNotParticipant
	case errors.Is(err, ErrSettlementInProgress), errors.Is(err, ErrStaleSettlement):
		return KindSettlementInProgress
	case errors.Is(err, ErrSettlementPending):
		return KindSettlementPending
	case errors.Is(err, ErrLedgerTimeout):
		return KindLedgerTimeout
	case errors.Is(err, ErrLedger):
		return KindLedger
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

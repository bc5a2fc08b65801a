package appointments

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the enumerated states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal states admit no further transition.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusCancelled
}

// Active appointments count toward the per-patient cap.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// ParseStatus validates a status read from a query string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", &ValidationError{Reasons: []string{fmt.Sprintf("unknown status %q", raw)}}
	}
	return s, nil
}

// PaymentStatus tracks settlement of the fee.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// SystemActor is used for transitions the service performs on its own, such
// as expiring requests nobody reviewed.
const SystemActor = "system"

// Settlement is the payment attempt currently bound to an appointment. Its
// Key is the ledger idempotency key, so retries of the same attempt can never
// move funds twice.
type Settlement struct {
	Key             string      `json:"key"`
	Attempt         int         `json:"attempt"`
	Payer           string      `json:"payer"`
	PayTo           string      `json:"pay_to"`
	Amount          coin.Amount `json:"amount"`
	TxRef           string      `json:"tx_ref,omitempty"`
	ConfirmedAmount coin.Amount `json:"confirmed_amount,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
}

// RefundInstruction is emitted when a paid appointment is cancelled.
type RefundInstruction struct {
	Key           string      `json:"key"`
	AppointmentID string      `json:"appointment_id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Amount        coin.Amount `json:"amount"`
	Percentage    int         `json:"percentage"`
	RequestedAt   time.Time   `json:"requested_at"`
	DispatchedAt  *time.Time  `json:"dispatched_at,omitempty"`
}

// Appointment is a patient's request for a doctor's service.
type Appointment struct {
	ID             string                   `json:"id"`
	PatientAddress string                   `json:"patient_address"`
	PatientName    string                   `json:"patient_name"`
	DoctorAddress  string                   `json:"doctor_address,omitempty"`
	Specialization feepolicy.Specialization `json:"specialization"`
	Fee            coin.Amount              `json:"fee"`
	Description    string                   `json:"description,omitempty"`
	RequestedAt    time.Time                `json:"requested_at"`
	ScheduledFor   *time.Time               `json:"scheduled_for,omitempty"`
	Status         Status                   `json:"status"`
	PaymentStatus  PaymentStatus            `json:"payment_status"`
	PaymentTxRef   string                   `json:"payment_tx_ref,omitempty"`
	Settlement     *Settlement              `json:"settlement,omitempty"`
	Refund         *RefundInstruction       `json:"refund,omitempty"`
	DecidedBy      string                   `json:"decided_by,omitempty"`
	DecidedAt      *time.Time               `json:"decided_at,omitempty"`
	PaidAt         *time.Time               `json:"paid_at,omitempty"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
	CancelledAt    *time.Time               `json:"cancelled_at,omitempty"`
	CancelledBy    string                   `json:"cancelled_by,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
	Version        int64                    `json:"version"`
}

// SettlementInFlight reports whether a payment attempt has started but not been recorded.
func (a *Appointment) SettlementInFlight() bool {
	return a.Settlement != nil && a.PaymentStatus == PaymentUnpaid
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	c.ScheduledFor = cloneTime(a.ScheduledFor)
	c.DecidedAt = cloneTime(a.DecidedAt)
	c.PaidAt = cloneTime(a.PaidAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.CancelledAt = cloneTime(a.CancelledAt)
	if a.Settlement != nil {
		s := *a.Settlement
		c.Settlement = &s
	}
	if a.Refund != nil {
		r := *a.Refund
		r.DispatchedAt = cloneTime(a.Refund.DispatchedAt)
		c.Refund = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest is the input to Registry.Create and Coordinator.SubmitRequest.
type CreateRequest struct {
	PatientAddress string                   `json:"-"`
	PatientName    string                   `json:"patient_name"`
	Specialization feepolicy.Specialization `json:"specialization"`
	Description    string                   `json:"description"`
	Fee            coin.Amount              `json:"fee"`
	ScheduledFor   *time.Time               `json:"scheduled_for,omitempty"`
}

// Transition is one append-only history entry.
type Transition struct {
	AppointmentID string    `json:"appointment_id"`
	Op            string    `json:"op"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to"`
	Actor         string    `json:"actor,omitempty"`
	TxRef         string    `json:"tx_ref,omitempty"`
	At            time.Time `json:"at"`
}

// Role distinguishes patients from doctors in the party directory.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Party is read-only profile data owned by onboarding.
type Party struct {
	Address        string                   `json:"address"`
	Name           string                   `json:"name"`
	Role           Role                     `json:"role"`
	Specialization feepolicy.Specialization `json:"specialization,omitempty"`
}

// PartyDirectory looks up profile data for an address.
type PartyDirectory interface {
	Lookup(ctx context.Context, address string) (*Party, bool)
}

// StaticDirectory is a PartyDirectory backed by a fixed map.
type StaticDirectory map[string]Party

func (d StaticDirectory) Lookup(_ context.Context, address string) (*Party, bool) {
	p, ok := d[normalizeAddress(address)]
	if !ok {
		return nil, false
	}
	return &p, true
}

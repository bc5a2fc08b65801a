package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

const (
	minNameLength        = 2
	maxNameLength        = 50
	maxDescriptionLength = 500
	maxCASAttempts       = 3
)

var idNamespace = uuid.MustParse("5b0f2f4c-7a7e-4e43-9c55-0c1f6a3d9e21")

// errNoChange lets a mutation succeed without writing.
var errNoChange = errors.New("no change")

// TransitionRecorder receives every successful mutation, e.g. an audit journal.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// TransitionObserver counts transition outcomes.
type TransitionObserver interface {
	ObserveTransition(op, outcome string)
}

// Registry owns appointment state and enforces the lifecycle rules. All
// mutations of one appointment are serialised; different appointments
// proceed in parallel.
type Registry struct {
	store          Store
	policy         *feepolicy.Policy
	locks          *keyedMutex
	recorder       TransitionRecorder
	observer       TransitionObserver
	logger         *logging.Logger
	now            func() time.Time
	maxActive      int
	approvalWindow time.Duration
	escrow         string
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

func WithRecorder(rec TransitionRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

func WithObserver(obs TransitionObserver) RegistryOption {
	return func(r *Registry) { r.observer = obs }
}

func WithLogger(logger *logging.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxActivePerPatient caps pending plus approved appointments per patient. Zero disables the cap.
func WithMaxActivePerPatient(n int) RegistryOption {
	return func(r *Registry) { r.maxActive = n }
}

// WithApprovalWindow sets how long a request may wait for review. It is also
// the refund reference point for appointments without a scheduled time.
func WithApprovalWindow(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.approvalWindow = d
		}
	}
}

// WithEscrowAddress routes payments to a platform escrow account instead of the doctor.
func WithEscrowAddress(address string) RegistryOption {
	return func(r *Registry) { r.escrow = normalizeAddress(address) }
}

func NewRegistry(store Store, policy *feepolicy.Policy, opts ...RegistryOption) *Registry {
	if store == nil {
		panic("appointments: store required")
	}
	if policy == nil {
		panic("appointments: fee policy required")
	}
	r := &Registry{
		store:          store,
		policy:         policy,
		locks:          newKeyedMutex(),
		logger:         logging.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		maxActive:      3,
		approvalWindow: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApprovalWindow returns the configured review window.
func (r *Registry) ApprovalWindow() time.Duration {
	return r.approvalWindow
}

// Create validates req, assigns an id and stores a pending, unpaid appointment.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	now := r.now()
	req.PatientAddress = normalizeAddress(req.PatientAddress)
	req.PatientName = strings.TrimSpace(req.PatientName)

	if err := r.validate(req, now); err != nil {
		r.observe("create", err)
		return nil, err
	}

	// the active-count check and the insert must not interleave for one patient
	unlock := r.locks.Lock("patient:" + req.PatientAddress)
	defer unlock()

	a := &Appointment{
		ID:             newID(req.PatientAddress, now),
		PatientAddress: req.PatientAddress,
		PatientName:    req.PatientName,
		Specialization: req.Specialization,
		Fee:            req.Fee,
		Description:    strings.TrimSpace(req.Description),
		RequestedAt:    now,
		ScheduledFor:   cloneTime(req.ScheduledFor),
		Status:         StatusPending,
		PaymentStatus:  PaymentUnpaid,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := r.insert(ctx, a); err != nil {
		var limit *ActiveLimitError
		if errors.As(err, &limit) {
			verr := &ValidationError{}
			verr.add(nil, "%s", limit.Error())
			r.observe("create", verr)
			return nil, verr
		}
		return nil, fmt.Errorf("appointments: create: %w", err)
	}
	r.observe("create", nil)
	r.record(ctx, Transition{AppointmentID: a.ID, Op: "create", To: StatusPending, Actor: a.PatientAddress, At: now})
	r.logger.Info("appointment requested",
		"appointment_id", a.ID,
		"patient", a.PatientAddress,
		"specialization", a.Specialization,
		"fee", a.Fee.Decimal(),
	)
	return a.Clone(), nil
}

// insert enforces the per-patient active limit. Stores that can check it
// atomically do so; otherwise the caller's patient lock covers count and
// insert within this process.
func (r *Registry) insert(ctx context.Context, a *Appointment) error {
	if r.maxActive <= 0 {
		return r.store.Insert(ctx, a)
	}
	if capped, ok := r.store.(CappedInserter); ok {
		return capped.InsertCapped(ctx, a, r.maxActive)
	}
	active, err := r.store.List(ctx, Filter{
		Statuses: []Status{StatusPending, StatusApproved},
		Patient:  a.PatientAddress,
	})
	if err != nil {
		return fmt.Errorf("count active: %w", err)
	}
	if len(active) >= r.maxActive {
		return &ActiveLimitError{Active: len(active), Limit: r.maxActive}
	}
	return r.store.Insert(ctx, a)
}

func (r *Registry) validate(req CreateRequest, now time.Time) error {
	verr := &ValidationError{}
	if req.PatientAddress == "" {
		verr.add(nil, "patient address is required")
	}
	if n := utf8.RuneCountInString(req.PatientName); n < minNameLength || n > maxNameLength {
		verr.add(nil, "patient name must be between %d and %d characters", minNameLength, maxNameLength)
	}
	if req.Fee <= 0 {
		verr.add(nil, "fee must be positive")
	}
	if !req.Specialization.Valid() {
		verr.add(feepolicy.ErrUnknownSpecialization, "unknown specialization %q", string(req.Specialization))
	} else if minFee, err := r.policy.MinimumFee(req.Specialization); err != nil {
		verr.add(err, "%v", err)
	} else if req.Fee > 0 && req.Fee < minFee {
		verr.add(nil, "fee %s is below the minimum %s for %s", req.Fee, minFee, req.Specialization.DisplayName())
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLength {
		verr.add(nil, "description must be at most %d characters", maxDescriptionLength)
	}
	if req.ScheduledFor != nil && !req.ScheduledFor.After(now) {
		verr.add(nil, "scheduled time must be in the future")
	}
	return verr.orNil()
}

func newID(patient string, at time.Time) string {
	seed := fmt.Sprintf("%s|%d|%s", patient, at.UnixNano(), uuid.NewString())
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

// Approve binds doctor to a pending appointment.
func (r *Registry) Approve(ctx context.Context, id, doctor string) (*Appointment, error) {
	doctor = normalizeAddress(doctor)
	return r.mutate(ctx, id, "approve", doctor, func(a *Appointment, now time.Time) error {
		if doctor == "" {
			return &ValidationError{Reasons: []string{"doctor address is required"}}
		}
		if a.Status != StatusPending {
			return &TransitionError{ID: a.ID, Op: "approve", From: a.Status}
		}
		if doctor == a.PatientAddress {
			return fmt.Errorf("%w: a patient cannot approve their own request", ErrNotParticipant)
		}
		a.Status = StatusApproved
		a.DoctorAddress = doctor
		a.DecidedBy = doctor
		a.DecidedAt = &now
		return nil
	})
}

// Reject declines a pending appointment. The doctor is recorded but not bound.
func (r *Registry) Reject(ctx context.Context, id, doctor string) (*Appointment, error) {
	doctor = normalizeAddress(doctor)
	return r.mutate(ctx, id, "reject", doctor, func(a *Appointment, now time.Time) error {
		if doctor == "" {
			return &ValidationError{Reasons: []string{"doctor address is required"}}
		}
		if a.Status != StatusPending {
			return &TransitionError{ID: a.ID, Op: "reject", From: a.Status}
		}
		if doctor == a.PatientAddress {
			return fmt.Errorf("%w: a patient cannot reject their own request", ErrNotParticipant)
		}
		a.Status = StatusRejected
		a.DecidedBy = doctor
		a.DecidedAt = &now
		return nil
	})
}

// RecordPayment marks the fee as settled by txRef.
func (r *Registry) RecordPayment(ctx context.Context, id, txRef string, confirmed coin.Amount) (*Appointment, error) {
	return r.mutate(ctx, id, "record_payment", SystemActor, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus != PaymentUnpaid {
			return fmt.Errorf("%w: %s settled by %s", ErrAlreadyPaid, a.ID, a.PaymentTxRef)
		}
		if a.Status.Terminal() {
			return &TransitionError{ID: a.ID, Op: "record_payment", From: a.Status}
		}
		if strings.TrimSpace(txRef) == "" {
			return &ValidationError{Reasons: []string{"transaction reference is required"}}
		}
		if confirmed < a.Fee {
			return fmt.Errorf("%w: confirmed %s, fee %s", ErrPaymentMismatch, confirmed, a.Fee)
		}
		a.PaymentStatus = PaymentPaid
		a.PaymentTxRef = txRef
		a.PaidAt = &now
		if a.Settlement != nil {
			a.Settlement.TxRef = txRef
			a.Settlement.ConfirmedAmount = confirmed
		}
		return nil
	})
}

// Complete closes an approved, paid appointment.
func (r *Registry) Complete(ctx context.Context, id string) (*Appointment, error) {
	return r.mutate(ctx, id, "complete", SystemActor, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus != PaymentPaid {
			return fmt.Errorf("%w: %s is %s", ErrPaymentRequired, a.ID, a.PaymentStatus)
		}
		if a.Status != StatusApproved {
			return &TransitionError{ID: a.ID, Op: "complete", From: a.Status}
		}
		a.Status = StatusCompleted
		a.CompletedAt = &now
		return nil
	})
}

// Cancel moves a pending or approved appointment to cancelled. A paid
// appointment gets a refund instruction sized by how far ahead of the
// reference time the cancellation happens.
func (r *Registry) Cancel(ctx context.Context, id, actor string, now time.Time) (*Appointment, error) {
	if actor != SystemActor {
		actor = normalizeAddress(actor)
	}
	return r.mutateAt(ctx, id, "cancel", actor, now, func(a *Appointment, now time.Time) error {
		if a.Status.Terminal() {
			return &TransitionError{ID: a.ID, Op: "cancel", From: a.Status}
		}
		if actor != SystemActor && actor != a.PatientAddress && (a.DoctorAddress == "" || actor != a.DoctorAddress) {
			return fmt.Errorf("%w: %s cannot cancel %s", ErrNotParticipant, actor, a.ID)
		}
		if a.SettlementInFlight() {
			// the attempt stays on the record; ReconcileSettlements resolves it
			r.logger.Warn("cancelling with unresolved settlement",
				"appointment_id", a.ID,
				"key", a.Settlement.Key,
				"tx_ref", a.Settlement.TxRef,
			)
		}
		if a.PaymentStatus == PaymentPaid {
			pct := r.policy.RefundPercentage(now, r.refundReference(a))
			amount := r.policy.RefundAmount(a.Fee, pct)
			if amount > 0 {
				from, to := r.escrowOr(a.DoctorAddress), a.PatientAddress
				if a.Settlement != nil {
					from, to = a.Settlement.PayTo, a.Settlement.Payer
				}
				a.Refund = &RefundInstruction{
					Key:           fmt.Sprintf("appointment:%s:refund", a.ID),
					AppointmentID: a.ID,
					From:          from,
					To:            to,
					Amount:        amount,
					Percentage:    pct,
					RequestedAt:   now,
				}
			}
		}
		a.Status = StatusCancelled
		a.CancelledAt = &now
		a.CancelledBy = actor
		return nil
	})
}

func (r *Registry) refundReference(a *Appointment) time.Time {
	if a.ScheduledFor != nil {
		return *a.ScheduledFor
	}
	return a.RequestedAt.Add(r.approvalWindow)
}

func (r *Registry) escrowOr(address string) string {
	if r.escrow != "" {
		return r.escrow
	}
	return address
}

// BeginSettlement opens, or reuses, the payment attempt for an approved
// appointment. A paid appointment is returned unchanged.
func (r *Registry) BeginSettlement(ctx context.Context, id, payer string) (*Appointment, error) {
	payer = normalizeAddress(payer)
	return r.mutate(ctx, id, "begin_settlement", payer, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus == PaymentPaid {
			return errNoChange
		}
		if a.Status != StatusApproved {
			return &TransitionError{ID: a.ID, Op: "pay", From: a.Status}
		}
		if payer != a.PatientAddress {
			return fmt.Errorf("%w: only the patient pays for %s", ErrNotParticipant, a.ID)
		}
		if a.Settlement != nil {
			return errNoChange
		}
		a.Settlement = &Settlement{
			Key:       settlementKey(a.ID, 1),
			Attempt:   1,
			Payer:     payer,
			PayTo:     r.escrowOr(a.DoctorAddress),
			Amount:    a.Fee,
			StartedAt: now,
		}
		return nil
	})
}

// AttachSettlementRef stores the ledger reference returned for the attempt identified by key.
func (r *Registry) AttachSettlementRef(ctx context.Context, id, key, txRef string, confirmed coin.Amount) (*Appointment, error) {
	return r.mutate(ctx, id, "attach_settlement", SystemActor, func(a *Appointment, now time.Time) error {
		if a.Settlement == nil || a.Settlement.Key != key {
			return fmt.Errorf("%w: %s key %s", ErrStaleSettlement, a.ID, key)
		}
		if a.Settlement.TxRef == txRef {
			return errNoChange
		}
		if a.Settlement.TxRef != "" {
			return fmt.Errorf("%w: %s already bound to %s", ErrStaleSettlement, a.ID, a.Settlement.TxRef)
		}
		a.Settlement.TxRef = txRef
		a.Settlement.ConfirmedAmount = confirmed
		return nil
	})
}

// RestartSettlement replaces a failed attempt with a fresh one under a new key.
func (r *Registry) RestartSettlement(ctx context.Context, id, key string) (*Appointment, error) {
	return r.mutate(ctx, id, "restart_settlement", SystemActor, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus == PaymentPaid {
			return errNoChange
		}
		if a.Settlement == nil || a.Settlement.Key != key {
			// someone else already restarted
			return errNoChange
		}
		next := a.Settlement.Attempt + 1
		a.Settlement = &Settlement{
			Key:       settlementKey(a.ID, next),
			Attempt:   next,
			Payer:     a.Settlement.Payer,
			PayTo:     a.Settlement.PayTo,
			Amount:    a.Settlement.Amount,
			StartedAt: now,
		}
		return nil
	})
}

// AbandonSettlement drops an attempt the ledger definitively refused, so the
// appointment can be cancelled or paid again.
func (r *Registry) AbandonSettlement(ctx context.Context, id, key string) (*Appointment, error) {
	return r.mutate(ctx, id, "abandon_settlement", SystemActor, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus == PaymentPaid || a.Settlement == nil || a.Settlement.Key != key {
			return errNoChange
		}
		if a.Settlement.TxRef != "" {
			return fmt.Errorf("%w: %s has ledger reference %s", ErrSettlementInProgress, a.ID, a.Settlement.TxRef)
		}
		a.Settlement = nil
		return nil
	})
}

// SettleAfterCancel records that the attempt identified by key reached the
// ledger after the appointment was cancelled. The full confirmed amount is
// owed back to the payer, so a 100% refund instruction is attached.
func (r *Registry) SettleAfterCancel(ctx context.Context, id, key, txRef string, confirmed coin.Amount) (*Appointment, error) {
	return r.mutate(ctx, id, "settle_after_cancel", SystemActor, func(a *Appointment, now time.Time) error {
		if a.Status != StatusCancelled {
			return &TransitionError{ID: a.ID, Op: "settle_after_cancel", From: a.Status}
		}
		if a.PaymentStatus == PaymentPaid {
			return errNoChange
		}
		if a.Settlement == nil || a.Settlement.Key != key {
			return fmt.Errorf("%w: %s key %s", ErrStaleSettlement, a.ID, key)
		}
		if strings.TrimSpace(txRef) == "" {
			return &ValidationError{Reasons: []string{"transaction reference is required"}}
		}
		if confirmed <= 0 {
			confirmed = a.Settlement.Amount
		}
		a.PaymentStatus = PaymentPaid
		a.PaymentTxRef = txRef
		a.PaidAt = &now
		a.Settlement.TxRef = txRef
		a.Settlement.ConfirmedAmount = confirmed
		a.Refund = &RefundInstruction{
			Key:           fmt.Sprintf("appointment:%s:refund", a.ID),
			AppointmentID: a.ID,
			From:          a.Settlement.PayTo,
			To:            a.Settlement.Payer,
			Amount:        confirmed,
			Percentage:    100,
			RequestedAt:   now,
		}
		return nil
	})
}

// DiscardFailedSettlement drops an attempt the ledger reported as failed,
// even when it carries a ledger reference.
func (r *Registry) DiscardFailedSettlement(ctx context.Context, id, key string) (*Appointment, error) {
	return r.mutate(ctx, id, "discard_settlement", SystemActor, func(a *Appointment, now time.Time) error {
		if a.PaymentStatus == PaymentPaid || a.Settlement == nil || a.Settlement.Key != key {
			return errNoChange
		}
		a.Settlement = nil
		return nil
	})
}

// UnresolvedSettlements lists cancelled, unpaid appointments that still carry a payment attempt.
func (r *Registry) UnresolvedSettlements(ctx context.Context, limit int) ([]*Appointment, error) {
	return r.List(ctx, Filter{UnresolvedSettlements: true, Limit: limit})
}

// MarkRefundDispatched records that the refund identified by key reached the queue.
func (r *Registry) MarkRefundDispatched(ctx context.Context, id, key string, at time.Time) (*Appointment, error) {
	return r.mutate(ctx, id, "refund_dispatched", SystemActor, func(a *Appointment, now time.Time) error {
		if a.Refund == nil || a.Refund.Key != key {
			return fmt.Errorf("%w: no refund %s on %s", ErrNotFound, key, a.ID)
		}
		if a.Refund.DispatchedAt != nil {
			return errNoChange
		}
		a.Refund.DispatchedAt = &at
		return nil
	})
}

// Get returns a copy of the appointment. Reads never take the per-id lock.
func (r *Registry) Get(ctx context.Context, id string) (*Appointment, error) {
	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.checkInvariants(a)
	return a, nil
}

// List returns a snapshot of matching appointments, oldest request first.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Appointment, error) {
	f.Patient = normalizeAddress(f.Patient)
	f.Party = normalizeAddress(f.Party)
	items, err := r.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	return items, nil
}

// PendingRefunds lists cancelled appointments whose refund has not been dispatched.
func (r *Registry) PendingRefunds(ctx context.Context, limit int) ([]*Appointment, error) {
	return r.List(ctx, Filter{UndispatchedRefunds: true, Limit: limit})
}

func settlementKey(id string, attempt int) string {
	return fmt.Sprintf("appointment:%s:payment:%d", id, attempt)
}

func (r *Registry) mutate(ctx context.Context, id, op, actor string, fn func(a *Appointment, now time.Time) error) (*Appointment, error) {
	return r.mutateAt(ctx, id, op, actor, time.Time{}, fn)
}

// mutateAt runs fn under the per-id lock against the latest stored copy and
// writes the result with a version check. A lost version race (another
// process) re-reads and re-evaluates fn.
func (r *Registry) mutateAt(ctx context.Context, id, op, actor string, at time.Time, fn func(a *Appointment, now time.Time) error) (*Appointment, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := r.store.Get(ctx, id)
		if err != nil {
			r.observe(op, err)
			return nil, err
		}
		r.checkInvariants(cur)

		now := at
		if now.IsZero() {
			now = r.now()
		}
		from, expected := cur.Status, cur.Version
		if err := fn(cur, now); err != nil {
			if errors.Is(err, errNoChange) {
				return cur, nil
			}
			r.observe(op, err)
			return nil, err
		}
		cur.UpdatedAt = now

		if err := r.store.Update(ctx, cur, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				r.logger.Warn("appointment version conflict, retrying", "appointment_id", id, "op", op, "attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("appointments: %s: %w", op, err)
		}

		r.observe(op, nil)
		r.record(ctx, Transition{
			AppointmentID: id,
			Op:            op,
			From:          from,
			To:            cur.Status,
			Actor:         actor,
			TxRef:         cur.PaymentTxRef,
			At:            now,
		})
		if from != cur.Status {
			r.logger.Info("appointment transitioned",
				"appointment_id", id,
				"op", op,
				"from", from,
				"to", cur.Status,
				"actor", actor,
			)
		}
		return cur.Clone(), nil
	}
	err := fmt.Errorf("appointments: %s %s: %w after %d attempts", op, id, ErrVersionConflict, maxCASAttempts)
	r.observe(op, err)
	return nil, err
}

func (r *Registry) checkInvariants(a *Appointment) {
	if !a.Status.Valid() {
		panic(fmt.Sprintf("appointments: corrupt record %s: status %q", a.ID, a.Status))
	}
	if a.PaymentStatus != PaymentUnpaid && a.PaymentStatus != PaymentPaid {
		panic(fmt.Sprintf("appointments: corrupt record %s: payment status %q", a.ID, a.PaymentStatus))
	}
	if a.PaymentStatus == PaymentPaid && a.PaymentTxRef == "" {
		panic(fmt.Sprintf("appointments: corrupt record %s: paid without transaction reference", a.ID))
	}
	if a.Status == StatusCompleted && a.PaymentStatus != PaymentPaid {
		panic(fmt.Sprintf("appointments: corrupt record %s: completed while unpaid", a.ID))
	}
}

func (r *Registry) observe(op string, err error) {
	if r.observer == nil {
		return
	}
	r.observer.ObserveTransition(op, string(KindOf(err)))
}

func (r *Registry) record(ctx context.Context, t Transition) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordTransition(ctx, t); err != nil {
		r.logger.Error("failed to record transition", "appointment_id", t.AppointmentID, "op", t.Op, "error", err)
	}
}

package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

var tracer = otel.Tracer("hcoin.internal.appointments")

const maxSettlementAttempts = 3

// RefundSink accepts refund instructions for asynchronous execution.
type RefundSink interface {
	PublishRefund(ctx context.Context, refund RefundInstruction) error
}

// VelocityGuard limits how often a patient may submit requests.
type VelocityGuard interface {
	Allow(ctx context.Context, patient string) (bool, error)
}

// HistoryReader returns the transition journal of an appointment.
type HistoryReader interface {
	History(ctx context.Context, id string) ([]Transition, error)
}

// CoordinatorConfig holds the orchestration limits.
type CoordinatorConfig struct {
	LedgerTimeout       time.Duration
	MaxPendingPerDoctor int
}

// Coordinator is the public face of the lifecycle: it validates callers,
// drives the registry and talks to the ledger.
type Coordinator struct {
	registry   *Registry
	ledger     ledger.Gateway
	directory  PartyDirectory
	refunds    RefundSink
	velocity   VelocityGuard
	history    HistoryReader
	maxPending int
	grace      time.Duration
	logger     *logging.Logger
}

// CoordinatorOption wires optional collaborators.
type CoordinatorOption func(*Coordinator)

func WithDirectory(d PartyDirectory) CoordinatorOption {
	return func(c *Coordinator) { c.directory = d }
}

func WithRefundSink(s RefundSink) CoordinatorOption {
	return func(c *Coordinator) { c.refunds = s }
}

func WithVelocityGuard(v VelocityGuard) CoordinatorOption {
	return func(c *Coordinator) { c.velocity = v }
}

func WithHistory(h HistoryReader) CoordinatorOption {
	return func(c *Coordinator) { c.history = h }
}

func WithCoordinatorLogger(logger *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCoordinator(registry *Registry, gateway ledger.Gateway, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if registry == nil {
		panic("appointments: registry required")
	}
	if gateway == nil {
		panic("appointments: ledger gateway required")
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 30 * time.Second
	}
	if cfg.MaxPendingPerDoctor <= 0 {
		cfg.MaxPendingPerDoctor = 10
	}
	c := &Coordinator{
		registry:   registry,
		ledger:     ledger.WithTimeout(gateway, cfg.LedgerTimeout),
		maxPending: cfg.MaxPendingPerDoctor,
		grace:      cfg.LedgerTimeout,
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest creates a pending appointment. No funds move here.
func (c *Coordinator) SubmitRequest(ctx context.Context, req CreateRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.submit")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.specialization", string(req.Specialization)))

	if c.velocity != nil && req.PatientAddress != "" {
		ok, err := c.velocity.Allow(ctx, normalizeAddress(req.PatientAddress))
		if err != nil {
			c.logger.Warn("velocity check failed, allowing request", "patient", req.PatientAddress, "error", err)
		} else if !ok {
			return nil, fmt.Errorf("%w: patient %s", ErrRateLimited, req.PatientAddress)
		}
	}
	a, err := c.registry.Create(ctx, req)
	return a, spanErr(span, err)
}

// ListPending returns the doctor's triage snapshot: pending requests, oldest
// first, at most MaxPendingPerDoctor. A doctor known to the directory only
// sees requests for their specialization.
func (c *Coordinator) ListPending(ctx context.Context, doctor string) ([]*Appointment, error) {
	f := Filter{Statuses: []Status{StatusPending}, Limit: c.maxPending}
	if party, ok := c.lookup(ctx, doctor); ok {
		if party.Role != RoleDoctor {
			return nil, fmt.Errorf("%w: %s is not a doctor", ErrNotParticipant, doctor)
		}
		if party.Specialization != "" {
			f.Specialization = party.Specialization
		}
	}
	return c.registry.List(ctx, f)
}

func (c *Coordinator) ApproveRequest(ctx context.Context, id, doctor string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.approve")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.appointment_id", id))

	if err := c.checkReviewer(ctx, id, doctor, true); err != nil {
		return nil, spanErr(span, err)
	}
	a, err := c.registry.Approve(ctx, id, doctor)
	return a, spanErr(span, err)
}

func (c *Coordinator) RejectRequest(ctx context.Context, id, doctor string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.reject")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.appointment_id", id))

	if err := c.checkReviewer(ctx, id, doctor, false); err != nil {
		return nil, spanErr(span, err)
	}
	a, err := c.registry.Reject(ctx, id, doctor)
	return a, spanErr(span, err)
}

func (c *Coordinator) checkReviewer(ctx context.Context, id, doctor string, matchSpecialization bool) error {
	party, ok := c.lookup(ctx, doctor)
	if !ok {
		return nil
	}
	if party.Role != RoleDoctor {
		return fmt.Errorf("%w: %s is not a doctor", ErrNotParticipant, doctor)
	}
	if !matchSpecialization || party.Specialization == "" {
		return nil
	}
	// specialization is immutable, so reading outside the lock is safe
	a, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Specialization != party.Specialization {
		return &ValidationError{Reasons: []string{fmt.Sprintf(
			"doctor specialises in %s but the request is for %s",
			party.Specialization.DisplayName(), a.Specialization.DisplayName(),
		)}}
	}
	return nil
}

func (c *Coordinator) lookup(ctx context.Context, address string) (*Party, bool) {
	if c.directory == nil {
		return nil, false
	}
	return c.directory.Lookup(ctx, normalizeAddress(address))
}

// PayForAppointment transfers the fee from payer and records the payment.
// It is safe to call again after any failure: the attempt's idempotency key
// is stored on the appointment before the ledger is called, and a known
// ledger reference is reconciled through its status instead of being paid
// twice.
func (c *Coordinator) PayForAppointment(ctx context.Context, id, payer string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.pay")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.appointment_id", id))

	a, err := c.registry.BeginSettlement(ctx, id, payer)
	if err != nil {
		return nil, spanErr(span, err)
	}

	for i := 0; i < maxSettlementAttempts; i++ {
		if a.PaymentStatus == PaymentPaid {
			return a, nil
		}
		s := a.Settlement
		span.SetAttributes(attribute.String("hcoin.settlement_key", s.Key))

		if s.TxRef != "" {
			status, err := c.ledger.GetTransactionStatus(ctx, s.TxRef)
			if err != nil {
				return nil, spanErr(span, c.ledgerError("status", err))
			}
			switch status {
			case ledger.TxConfirmed:
				confirmed := s.ConfirmedAmount
				if confirmed == 0 {
					confirmed = s.Amount
				}
				a, err = c.recordPayment(ctx, id, s.TxRef, confirmed)
				return a, spanErr(span, err)
			case ledger.TxPending:
				return a, spanErr(span, fmt.Errorf("%w: %s", ErrSettlementPending, s.TxRef))
			default:
				c.logger.Warn("ledger reports settlement failed, restarting", "appointment_id", id, "tx_ref", s.TxRef)
				if a, err = c.registry.RestartSettlement(ctx, id, s.Key); err != nil {
					return nil, spanErr(span, err)
				}
				continue
			}
		}

		receipt, err := c.ledger.Transfer(ctx, ledger.TransferRequest{
			From:           s.Payer,
			To:             s.PayTo,
			Amount:         s.Amount,
			IdempotencyKey: s.Key,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrInvalidTransfer) {
				if _, aerr := c.registry.AbandonSettlement(ctx, id, s.Key); aerr != nil {
					c.logger.Error("failed to abandon settlement", "appointment_id", id, "key", s.Key, "error", aerr)
				}
			}
			return nil, spanErr(span, c.ledgerError("transfer", err))
		}

		if a, err = c.registry.AttachSettlementRef(ctx, id, s.Key, receipt.TxRef, receipt.ConfirmedAmount); err != nil {
			return nil, spanErr(span, err)
		}
		switch receipt.Status {
		case ledger.TxConfirmed:
			a, err = c.recordPayment(ctx, id, receipt.TxRef, receipt.ConfirmedAmount)
			return a, spanErr(span, err)
		case ledger.TxPending:
			return a, spanErr(span, fmt.Errorf("%w: %s", ErrSettlementPending, receipt.TxRef))
		default:
			if a, err = c.registry.RestartSettlement(ctx, id, s.Key); err != nil {
				return nil, spanErr(span, err)
			}
		}
	}
	return nil, spanErr(span, &LedgerError{Op: "transfer", Err: fmt.Errorf("settlement failed %d times", maxSettlementAttempts)})
}

func (c *Coordinator) recordPayment(ctx context.Context, id, txRef string, confirmed coin.Amount) (*Appointment, error) {
	a, err := c.registry.RecordPayment(ctx, id, txRef, confirmed)
	if errors.Is(err, ErrAlreadyPaid) {
		cur, gerr := c.registry.Get(ctx, id)
		if gerr == nil && cur.PaymentTxRef == txRef {
			return cur, nil
		}
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("appointment paid", "appointment_id", id, "tx_ref", txRef, "amount", confirmed.Decimal())
	return a, nil
}

func (c *Coordinator) ledgerError(op string, err error) error {
	timeout := errors.Is(err, ledger.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
	return &LedgerError{Op: op, Timeout: timeout, Err: err}
}

// CancelRequest cancels on behalf of actor and hands any refund to the
// refund sink. A failed hand-off is retried by the refund dispatcher.
//
// An unfinished payment attempt is settled against the ledger first so a
// transfer that already went through is refunded under the cancellation
// policy. An attempt the ledger cannot answer for stays on the cancelled
// record for ReconcileSettlements.
func (c *Coordinator) CancelRequest(ctx context.Context, id, actor string, now time.Time) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.appointment_id", id))

	cur, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if cur.SettlementInFlight() && cur.Settlement.TxRef != "" && !cur.Status.Terminal() && c.isParticipant(cur, actor) {
		c.settleBeforeCancel(ctx, cur)
	}

	a, err := c.registry.Cancel(ctx, id, actor, now)
	if err != nil {
		return nil, spanErr(span, err)
	}
	return c.dispatchRefund(ctx, a, now), nil
}

func (c *Coordinator) isParticipant(a *Appointment, actor string) bool {
	if actor == SystemActor {
		return true
	}
	actor = normalizeAddress(actor)
	return actor == a.PatientAddress || (a.DoctorAddress != "" && actor == a.DoctorAddress)
}

func (c *Coordinator) settleBeforeCancel(ctx context.Context, a *Appointment) {
	s := a.Settlement
	status, err := c.ledger.GetTransactionStatus(ctx, s.TxRef)
	if err != nil {
		c.logger.Warn("settlement status unavailable, leaving for reconciliation", "appointment_id", a.ID, "tx_ref", s.TxRef, "error", err)
		return
	}
	switch status {
	case ledger.TxConfirmed:
		confirmed := s.ConfirmedAmount
		if confirmed == 0 {
			confirmed = s.Amount
		}
		if _, err := c.recordPayment(ctx, a.ID, s.TxRef, confirmed); err != nil {
			c.logger.Warn("failed to record payment before cancel", "appointment_id", a.ID, "tx_ref", s.TxRef, "error", err)
		}
	case ledger.TxFailed:
		if _, err := c.registry.DiscardFailedSettlement(ctx, a.ID, s.Key); err != nil {
			c.logger.Warn("failed to discard settlement before cancel", "appointment_id", a.ID, "key", s.Key, "error", err)
		}
	}
}

func (c *Coordinator) dispatchRefund(ctx context.Context, a *Appointment, now time.Time) *Appointment {
	if a.Refund == nil || a.Refund.DispatchedAt != nil || c.refunds == nil {
		return a
	}
	if err := c.refunds.PublishRefund(ctx, *a.Refund); err != nil {
		c.logger.Warn("refund publish deferred to dispatcher", "appointment_id", a.ID, "error", err)
		return a
	}
	marked, err := c.registry.MarkRefundDispatched(ctx, a.ID, a.Refund.Key, now)
	if err != nil {
		c.logger.Warn("failed to mark refund dispatched", "appointment_id", a.ID, "error", err)
		return a
	}
	return marked
}

// ReconcileSettlements resolves payment attempts left on cancelled
// appointments. A known ledger reference is checked through its status; an
// attempt without one is replayed under its idempotency key, which returns
// the original receipt if the transfer executed. Funds that reached the
// ledger are refunded in full. Attempts younger than the ledger timeout are
// skipped so an in-flight payment can finish first. It returns how many
// attempts were resolved.
func (c *Coordinator) ReconcileSettlements(ctx context.Context, now time.Time) (int, error) {
	items, err := c.registry.UnresolvedSettlements(ctx, 0)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, a := range items {
		if a.Settlement.StartedAt.After(now.Add(-c.grace)) {
			continue
		}
		ok, err := c.reconcileOne(ctx, a, now)
		if err != nil {
			c.logger.Warn("settlement reconciliation deferred", "appointment_id", a.ID, "key", a.Settlement.Key, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	if resolved > 0 {
		c.logger.Info("reconciled cancelled settlements", "count", resolved)
	}
	return resolved, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, a *Appointment, now time.Time) (bool, error) {
	s := a.Settlement
	if s.TxRef != "" {
		status, err := c.ledger.GetTransactionStatus(ctx, s.TxRef)
		if err != nil {
			return false, c.ledgerError("status", err)
		}
		return c.applySettlementOutcome(ctx, a, s.TxRef, status, s.ConfirmedAmount, now)
	}

	receipt, err := c.ledger.Transfer(ctx, ledger.TransferRequest{
		From:           s.Payer,
		To:             s.PayTo,
		Amount:         s.Amount,
		IdempotencyKey: s.Key,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrInvalidTransfer) {
			if _, derr := c.registry.DiscardFailedSettlement(ctx, a.ID, s.Key); derr != nil {
				return false, derr
			}
			return true, nil
		}
		return false, c.ledgerError("transfer", err)
	}
	return c.applySettlementOutcome(ctx, a, receipt.TxRef, receipt.Status, receipt.ConfirmedAmount, now)
}

func (c *Coordinator) applySettlementOutcome(ctx context.Context, a *Appointment, txRef string, status ledger.TxStatus, confirmed coin.Amount, now time.Time) (bool, error) {
	s := a.Settlement
	switch status {
	case ledger.TxConfirmed:
		settled, err := c.registry.SettleAfterCancel(ctx, a.ID, s.Key, txRef, confirmed)
		if err != nil {
			return false, err
		}
		c.logger.Info("refunding payment that settled after cancellation", "appointment_id", a.ID, "tx_ref", txRef)
		c.dispatchRefund(ctx, settled, now)
		return true, nil
	case ledger.TxFailed:
		if _, err := c.registry.DiscardFailedSettlement(ctx, a.ID, s.Key); err != nil {
			return false, err
		}
		return true, nil
	default:
		if s.TxRef == "" {
			if _, err := c.registry.AttachSettlementRef(ctx, a.ID, s.Key, txRef, confirmed); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

// CompleteAppointment closes a paid appointment. Only the bound doctor or
// the system may complete.
func (c *Coordinator) CompleteAppointment(ctx context.Context, id, actor string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.complete")
	defer span.End()
	span.SetAttributes(attribute.String("hcoin.appointment_id", id))

	if actor != SystemActor {
		cur, err := c.registry.Get(ctx, id)
		if err != nil {
			return nil, spanErr(span, err)
		}
		if cur.DoctorAddress != "" && normalizeAddress(actor) != cur.DoctorAddress {
			return nil, spanErr(span, fmt.Errorf("%w: only the doctor completes %s", ErrNotParticipant, id))
		}
	}
	a, err := c.registry.Complete(ctx, id)
	return a, spanErr(span, err)
}

func (c *Coordinator) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return c.registry.Get(ctx, id)
}

// ViewAppointment returns the appointment if viewer may see it.
func (c *Coordinator) ViewAppointment(ctx context.Context, id, viewer string) (*Appointment, error) {
	a, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.checkViewer(ctx, a, viewer); err != nil {
		return nil, err
	}
	return a, nil
}

// checkViewer admits the system, the patient and the bound doctor. A pending
// request is also visible to the doctors who may review it: any caller when
// no directory is configured, otherwise a directory doctor of the matching
// specialization.
func (c *Coordinator) checkViewer(ctx context.Context, a *Appointment, viewer string) error {
	if c.isParticipant(a, viewer) {
		return nil
	}
	if a.Status == StatusPending {
		if c.directory == nil {
			return nil
		}
		if party, ok := c.lookup(ctx, viewer); ok && party.Role == RoleDoctor &&
			(party.Specialization == "" || party.Specialization == a.Specialization) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot view %s", ErrNotParticipant, viewer, a.ID)
}

// ListByStatus lists appointments in status (any status when empty) where
// party is the patient or the bound doctor (any party when empty).
func (c *Coordinator) ListByStatus(ctx context.Context, status Status, party string) ([]*Appointment, error) {
	f := Filter{Party: party}
	if status != "" {
		if !status.Valid() {
			return nil, &ValidationError{Reasons: []string{fmt.Sprintf("unknown status %q", status)}}
		}
		f.Statuses = []Status{status}
	}
	return c.registry.List(ctx, f)
}

// Balance reports the ledger balance of address.
func (c *Coordinator) Balance(ctx context.Context, address string) (coin.Amount, error) {
	bal, err := c.ledger.BalanceOf(ctx, normalizeAddress(address))
	if err != nil {
		return 0, c.ledgerError("balance", err)
	}
	return bal, nil
}

// History returns the journal of an appointment to a viewer allowed to see it.
func (c *Coordinator) History(ctx context.Context, id, viewer string) ([]Transition, error) {
	if _, err := c.ViewAppointment(ctx, id, viewer); err != nil {
		return nil, err
	}
	if c.history == nil {
		return []Transition{}, nil
	}
	return c.history.History(ctx, id)
}

// ExpireStale cancels pending requests nobody reviewed within the approval
// window and returns how many it cancelled.
func (c *Coordinator) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := c.registry.List(ctx, Filter{
		Statuses:        []Status{StatusPending},
		RequestedBefore: now.Add(-c.registry.ApprovalWindow()),
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range stale {
		if _, err := c.CancelRequest(ctx, a.ID, SystemActor, now); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		c.logger.Info("expired stale requests", "count", expired)
	}
	return expired, nil
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return err
}

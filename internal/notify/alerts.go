package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// RefundAlerter emails operators about refunds that could not be executed
// automatically.
type RefundAlerter struct {
	email  EmailSender
	to     string
	logger *logging.Logger
}

// NewRefundAlerter returns an alerter that only logs when email or to is empty.
func NewRefundAlerter(email EmailSender, to string, logger *logging.Logger) *RefundAlerter {
	if logger == nil {
		logger = logging.Default()
	}
	return &RefundAlerter{email: email, to: strings.TrimSpace(to), logger: logger}
}

// RefundDeadLettered reports an instruction that exhausted its attempts.
func (a *RefundAlerter) RefundDeadLettered(ctx context.Context, refund appointments.RefundInstruction, attempts int, cause error) error {
	a.logger.Error("refund dead-lettered",
		"appointment_id", refund.AppointmentID,
		"refund_key", refund.Key,
		"amount", refund.Amount.Decimal(),
		"attempts", attempts,
		"error", cause,
	)
	if a.email == nil || a.to == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A refund could not be executed after %d attempts and needs manual settlement.\n\n", attempts)
	fmt.Fprintf(&b, "Appointment: %s\n", refund.AppointmentID)
	fmt.Fprintf(&b, "Refund key: %s\n", refund.Key)
	fmt.Fprintf(&b, "From: %s\n", refund.From)
	fmt.Fprintf(&b, "To: %s\n", refund.To)
	fmt.Fprintf(&b, "Amount: %s (%d%%)\n", refund.Amount, refund.Percentage)
	fmt.Fprintf(&b, "Requested at: %s\n", refund.RequestedAt.Format("January 2, 2006 at 15:04 MST"))
	if cause != nil {
		fmt.Fprintf(&b, "Last error: %v\n", cause)
	}

	err := a.email.Send(ctx, EmailMessage{
		To:      a.to,
		Subject: fmt.Sprintf("Refund needs attention: appointment %s", refund.AppointmentID),
		Body:    b.String(),
	})
	if err != nil {
		return fmt.Errorf("notify: refund alert: %w", err)
	}
	return nil
}

package refunds

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

func sampleRefund(id string) appointments.RefundInstruction {
	return appointments.RefundInstruction{
		Key:           "appointment:" + id + ":refund",
		AppointmentID: id,
		From:          "0xdoctor",
		To:            "0xpatient",
		Amount:        coin.Coins(12),
		Percentage:    80,
		RequestedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func envelopeMessage(t *testing.T, env Envelope) Message {
	t.Helper()
	body, err := encodeEnvelope(env)
	require.NoError(t, err)
	return Message{ID: "m-" + env.Instruction.AppointmentID, Body: body, ReceiptHandle: "rh-" + env.Instruction.AppointmentID}
}

type alertRecorder struct {
	mu       sync.Mutex
	refunds  []appointments.RefundInstruction
	attempts []int
}

func (a *alertRecorder) RefundDeadLettered(_ context.Context, refund appointments.RefundInstruction, attempts int, _ error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refunds = append(a.refunds, refund)
	a.attempts = append(a.attempts, attempts)
	return nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) ObserveRefund(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeRecorder) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

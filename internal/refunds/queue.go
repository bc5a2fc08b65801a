package refunds

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
)

// Queue is the transport between the publisher and the refund workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Envelope carries one refund instruction and its delivery attempt. TxRef
// is set once the ledger has accepted the transfer but not yet settled it.
type Envelope struct {
	ID          string                         `json:"id"`
	Instruction appointments.RefundInstruction `json:"instruction"`
	Attempt     int                            `json:"attempt"`
	TxRef       string                         `json:"tx_ref,omitempty"`
	LastError   string                         `json:"last_error,omitempty"`
}

func encodeEnvelope(env Envelope) (string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Attempt <= 0 {
		env.Attempt = 1
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("refunds: encode envelope: %w", err)
	}
	return string(body), nil
}

func decodeEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("refunds: decode envelope: %w", err)
	}
	if env.Instruction.Key == "" {
		return Envelope{}, fmt.Errorf("refunds: envelope %s has no refund key", env.ID)
	}
	return env, nil
}

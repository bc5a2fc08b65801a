package refunds

import (
	"context"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
)

// Publisher hands refund instructions to the queue.
type Publisher struct {
	queue Queue
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("refunds: queue required")
	}
	return &Publisher{queue: queue}
}

func (p *Publisher) PublishRefund(ctx context.Context, refund appointments.RefundInstruction) error {
	body, err := encodeEnvelope(Envelope{Instruction: refund, Attempt: 1})
	if err != nil {
		return err
	}
	return p.queue.Send(ctx, body)
}

var _ appointments.RefundSink = (*Publisher)(nil)

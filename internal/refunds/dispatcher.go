package refunds

import (
	"context"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// RefundSource lists cancelled appointments whose refund has not reached the
// queue yet and records the hand-off.
type RefundSource interface {
	PendingRefunds(ctx context.Context, limit int) ([]*appointments.Appointment, error)
	MarkRefundDispatched(ctx context.Context, id, key string, at time.Time) (*appointments.Appointment, error)
}

// Dispatcher re-publishes refund instructions that the cancel path could not
// hand off, e.g. because the queue was unavailable or the process died.
type Dispatcher struct {
	source    RefundSource
	sink      appointments.RefundSink
	logger    *logging.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time
}

func NewDispatcher(source RefundSource, sink appointments.RefundSink, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		source:    source,
		sink:      sink,
		logger:    logger,
		batchSize: 25,
		interval:  5 * time.Second,
		now:       time.Now,
	}
}

func (d *Dispatcher) WithBatchSize(size int) *Dispatcher {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Start drains once, then on every tick until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.source == nil || d.sink == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain publishes one batch and returns how many instructions were handed off.
func (d *Dispatcher) Drain(ctx context.Context) int {
	pending, err := d.source.PendingRefunds(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("refund dispatcher fetch failed", "error", err)
		return 0
	}
	dispatched := 0
	for _, a := range pending {
		if a.Refund == nil {
			continue
		}
		if err := d.sink.PublishRefund(ctx, *a.Refund); err != nil {
			d.logger.Error("refund publish failed", "error", err, "appointment_id", a.ID, "refund_key", a.Refund.Key)
			continue
		}
		if _, err := d.source.MarkRefundDispatched(ctx, a.ID, a.Refund.Key, d.now().UTC()); err != nil {
			d.logger.Error("failed to mark refund dispatched", "error", err, "appointment_id", a.ID)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		d.logger.Info("refunds dispatched", "count", dispatched)
	}
	return dispatched
}

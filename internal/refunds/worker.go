package refunds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/appointments"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// DeadLetterAlerter is told about refunds the worker gave up on.
type DeadLetterAlerter interface {
	RefundDeadLettered(ctx context.Context, refund appointments.RefundInstruction, attempts int, cause error) error
}

type RefundObserver interface {
	ObserveRefund(outcome string)
}

const (
	OutcomeExecuted     = "executed"
	OutcomeDuplicate    = "duplicate"
	OutcomePending      = "pending"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeMalformed    = "malformed"
)

var errRefundPending = errors.New("refund transfer pending on ledger")

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	defaultMaxAttempts   = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// Worker executes queued refund instructions on the ledger.
type Worker struct {
	queue     Queue
	ledger    ledger.Gateway
	processed ProcessedStore
	alerter   DeadLetterAlerter
	observer  RefundObserver
	logger    *logging.Logger

	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	maxAttempts      int
	ledgerTimeout    time.Duration

	wg sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithWorkerCount(count int) WorkerOption {
	return func(w *Worker) {
		if count > 0 {
			w.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait, capped at the SQS maximum.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(w *Worker) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		w.receiveWaitSecs = seconds
	}
}

func WithReceiveBatchSize(size int) WorkerOption {
	return func(w *Worker) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		w.receiveBatchSize = size
	}
}

func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithProcessedStore(store ProcessedStore) WorkerOption {
	return func(w *Worker) {
		if store != nil {
			w.processed = store
		}
	}
}

func WithDeadLetterAlerter(alerter DeadLetterAlerter) WorkerOption {
	return func(w *Worker) { w.alerter = alerter }
}

func WithRefundObserver(observer RefundObserver) WorkerOption {
	return func(w *Worker) { w.observer = observer }
}

func WithLedgerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.ledgerTimeout = d
		}
	}
}

func NewWorker(queue Queue, gateway ledger.Gateway, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("refunds: queue required")
	}
	if gateway == nil {
		panic("refunds: ledger gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	w := &Worker{
		queue:            queue,
		processed:        NewMemoryProcessedStore(),
		logger:           logger,
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		maxAttempts:      defaultMaxAttempts,
		ledgerTimeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ledger = ledger.WithTimeout(gateway, w.ledgerTimeout)
	return w
}

// Start launches the consumer goroutines; they exit when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("refund worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("refund worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.receiveBatchSize, w.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive refund instructions", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage executes one refund. The message is always deleted: failures
// travel on as a new message with the next attempt number. A refund the
// ledger accepted but has not settled travels on with its ledger reference
// and is polled until it confirms or fails; only a confirmed refund is
// marked processed.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	defer w.deleteMessage(context.WithoutCancel(ctx), msg.ReceiptHandle)

	env, err := decodeEnvelope(msg.Body)
	if err != nil {
		w.logger.Error("dropping malformed refund message", "error", err, "msg_id", msg.ID)
		w.observe(OutcomeMalformed)
		return
	}
	refund := env.Instruction
	logger := w.logger.With("appointment_id", refund.AppointmentID, "refund_key", refund.Key, "attempt", env.Attempt)

	done, err := w.processed.AlreadyProcessed(ctx, refund.Key)
	if err != nil {
		logger.Warn("processed lookup failed, relying on ledger idempotency", "error", err)
	} else if done {
		logger.Info("refund already executed, skipping")
		w.observe(OutcomeDuplicate)
		return
	}

	if env.TxRef != "" {
		status, err := w.ledger.GetTransactionStatus(ctx, env.TxRef)
		if err != nil {
			w.retryOrDeadLetter(ctx, logger, env, err)
			return
		}
		switch status {
		case ledger.TxConfirmed:
			w.markExecuted(ctx, logger, refund, env.TxRef)
			return
		case ledger.TxPending:
			w.retryOrDeadLetter(ctx, logger, env, errRefundPending)
			return
		default:
			logger.Warn("ledger reports refund failed, transferring again", "tx_ref", env.TxRef)
			env.TxRef = ""
		}
	}

	receipt, err := w.ledger.Transfer(ctx, ledger.TransferRequest{
		From:           refund.From,
		To:             refund.To,
		Amount:         refund.Amount,
		IdempotencyKey: refund.Key,
	})
	if err != nil {
		w.retryOrDeadLetter(ctx, logger, env, err)
		return
	}
	switch receipt.Status {
	case ledger.TxConfirmed:
		w.markExecuted(ctx, logger, refund, receipt.TxRef)
	case ledger.TxPending:
		env.TxRef = receipt.TxRef
		w.retryOrDeadLetter(ctx, logger, env, errRefundPending)
	default:
		w.retryOrDeadLetter(ctx, logger, env, errors.New("ledger reported refund transfer failed"))
	}
}

func (w *Worker) markExecuted(ctx context.Context, logger *logging.Logger, refund appointments.RefundInstruction, txRef string) {
	if _, err := w.processed.MarkProcessed(ctx, refund.Key); err != nil {
		logger.Warn("failed to mark refund processed", "error", err)
	}
	logger.Info("refund executed", "tx_ref", txRef, "amount", refund.Amount.Decimal())
	w.observe(OutcomeExecuted)
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, logger *logging.Logger, env Envelope, cause error) {
	if env.Attempt >= w.maxAttempts {
		logger.Error("refund exhausted attempts", "error", cause)
		w.observe(OutcomeDeadLettered)
		if w.alerter != nil {
			if err := w.alerter.RefundDeadLettered(ctx, env.Instruction, env.Attempt, cause); err != nil {
				logger.Error("failed to alert on dead-lettered refund", "error", err)
			}
		}
		return
	}

	next := env
	next.Attempt++
	next.LastError = cause.Error()
	body, err := encodeEnvelope(next)
	if err == nil {
		err = w.queue.Send(context.WithoutCancel(ctx), body)
	}
	if err != nil {
		logger.Error("failed to re-enqueue refund", "error", err, "cause", cause)
		w.observe(OutcomeDeadLettered)
		if w.alerter != nil {
			_ = w.alerter.RefundDeadLettered(ctx, env.Instruction, env.Attempt, cause)
		}
		return
	}
	if errors.Is(cause, errRefundPending) {
		logger.Info("refund pending on ledger, re-enqueued", "tx_ref", next.TxRef, "next_attempt", next.Attempt)
		w.observe(OutcomePending)
		return
	}
	logger.Warn("refund failed, re-enqueued", "error", cause, "next_attempt", next.Attempt)
	w.observe(OutcomeRetried)
}

func (w *Worker) observe(outcome string) {
	if w.observer != nil {
		w.observer.ObserveRefund(outcome)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete refund message", "error", err)
	}
}

package refunds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
	"github.com/wolfman30/hcoin-appointments/internal/ledger/ledgertest"
)

func TestWorkerExecutesRefundOnce(t *testing.T) {
	mem := ledger.NewMemoryLedger(ledger.WithBalance("0xdoctor", coin.Coins(15)))
	q := NewMemoryQueue(4)
	obs := &outcomeRecorder{}
	w := NewWorker(q, mem, nil, WithRefundObserver(obs))
	ctx := context.Background()

	msg := envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 1})
	w.HandleMessage(ctx, msg)
	w.HandleMessage(ctx, msg)

	bal, err := mem.BalanceOf(ctx, "0xpatient")
	require.NoError(t, err)
	assert.Equal(t, coin.Coins(12), bal)
	assert.Equal(t, 1, mem.Executed())
	assert.Equal(t, []string{OutcomeExecuted, OutcomeDuplicate}, obs.list())
	assert.Equal(t, 0, q.Len())
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	gw.On("Transfer", mock.Anything, mock.MatchedBy(func(req ledger.TransferRequest) bool {
		return req.IdempotencyKey == "appointment:a1:refund" && req.Amount == coin.Coins(12)
	})).Return(nil, &ledger.Error{Op: "transfer", Err: ledger.ErrInsufficientFunds})

	q := NewMemoryQueue(4)
	alerts := &alertRecorder{}
	obs := &outcomeRecorder{}
	w := NewWorker(q, gw, nil, WithMaxAttempts(3), WithDeadLetterAlerter(alerts), WithRefundObserver(obs))
	ctx := context.Background()

	w.HandleMessage(ctx, envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 1}))
	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		env, err := decodeEnvelope(msgs[0].Body)
		require.NoError(t, err)
		assert.Equal(t, i+2, env.Attempt)
		assert.NotEmpty(t, env.LastError)
		w.HandleMessage(ctx, msgs[0])
	}

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{OutcomeRetried, OutcomeRetried, OutcomeDeadLettered}, obs.list())
	require.Len(t, alerts.refunds, 1)
	assert.Equal(t, "a1", alerts.refunds[0].AppointmentID)
	assert.Equal(t, []int{3}, alerts.attempts)
	gw.AssertNumberOfCalls(t, "Transfer", 3)
}

func TestWorkerDropsMalformedMessages(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	obs := &outcomeRecorder{}
	w := NewWorker(NewMemoryQueue(1), gw, nil, WithRefundObserver(obs))

	w.HandleMessage(context.Background(), Message{ID: "bad", Body: "{", ReceiptHandle: "rh"})
	assert.Equal(t, []string{OutcomeMalformed}, obs.list())
	gw.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}

func TestWorkerTreatsFailedReceiptAsRetry(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	gw.On("Transfer", mock.Anything, mock.Anything).
		Return(&ledger.Receipt{TxRef: "0xdead", Status: ledger.TxFailed}, nil).Once()
	q := NewMemoryQueue(2)
	obs := &outcomeRecorder{}
	w := NewWorker(q, gw, nil, WithRefundObserver(obs))

	w.HandleMessage(context.Background(), envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 1}))
	assert.Equal(t, []string{OutcomeRetried}, obs.list())
	assert.Equal(t, 1, q.Len())
}

func TestWorkerPollsPendingRefundUntilSettled(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	gw.On("Transfer", mock.Anything, mock.Anything).
		Return(&ledger.Receipt{TxRef: "0xslow", ConfirmedAmount: coin.Coins(12), Status: ledger.TxPending}, nil).Once()
	gw.On("GetTransactionStatus", mock.Anything, "0xslow").Return(ledger.TxPending, nil).Once()
	gw.On("GetTransactionStatus", mock.Anything, "0xslow").Return(ledger.TxFailed, nil).Once()
	gw.On("Transfer", mock.Anything, mock.MatchedBy(func(req ledger.TransferRequest) bool {
		return req.IdempotencyKey == "appointment:a1:refund"
	})).Return(&ledger.Receipt{TxRef: "0xgood", ConfirmedAmount: coin.Coins(12), Status: ledger.TxConfirmed}, nil).Once()

	q := NewMemoryQueue(2)
	obs := &outcomeRecorder{}
	processed := NewMemoryProcessedStore()
	w := NewWorker(q, gw, nil, WithRefundObserver(obs), WithProcessedStore(processed))
	ctx := context.Background()

	w.HandleMessage(ctx, envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 1}))
	done, err := processed.AlreadyProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.False(t, done)

	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		env, err := decodeEnvelope(msgs[0].Body)
		require.NoError(t, err)
		assert.Equal(t, "0xslow", env.TxRef)
		w.HandleMessage(ctx, msgs[0])
	}

	assert.Equal(t, []string{OutcomePending, OutcomePending, OutcomeExecuted}, obs.list())
	assert.Equal(t, 0, q.Len())
	done, err = processed.AlreadyProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.True(t, done)
	gw.AssertNumberOfCalls(t, "Transfer", 2)
	gw.AssertNumberOfCalls(t, "GetTransactionStatus", 2)
}

func TestWorkerConfirmsPendingRefundWithoutTransferring(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	gw.On("GetTransactionStatus", mock.Anything, "0xslow").Return(ledger.TxConfirmed, nil).Once()
	obs := &outcomeRecorder{}
	w := NewWorker(NewMemoryQueue(1), gw, nil, WithRefundObserver(obs))

	w.HandleMessage(context.Background(), envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 2, TxRef: "0xslow"}))
	assert.Equal(t, []string{OutcomeExecuted}, obs.list())
	gw.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}

type failingQueue struct {
	*MemoryQueue
}

func (failingQueue) Send(context.Context, string) error {
	return errors.New("queue down")
}

func TestWorkerAlertsWhenRequeueFails(t *testing.T) {
	gw := &ledgertest.MockGateway{}
	gw.On("Transfer", mock.Anything, mock.Anything).Return(nil, &ledger.Error{Op: "transfer", Err: ledger.ErrTimeout})
	alerts := &alertRecorder{}
	w := NewWorker(failingQueue{NewMemoryQueue(1)}, gw, nil, WithDeadLetterAlerter(alerts))

	w.HandleMessage(context.Background(), envelopeMessage(t, Envelope{Instruction: sampleRefund("a1"), Attempt: 1}))
	assert.Len(t, alerts.refunds, 1)
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	mem := ledger.NewMemoryLedger(ledger.WithOpeningBalance(coin.Coins(100)))
	q := NewMemoryQueue(16)
	pub := NewPublisher(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, pub.PublishRefund(ctx, sampleRefund(id)))
	}

	w := NewWorker(q, mem, nil, WithWorkerCount(3), WithReceiveWaitSeconds(1), WithReceiveBatchSize(2))
	w.Start(ctx)
	require.Eventually(t, func() bool { return mem.Executed() == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	w.Wait()
}

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

func TestMemoryLedgerTransferMovesFunds(t *testing.T) {
	l := NewMemoryLedger(WithBalance("0xPatient", coin.Coins(100)))
	ctx := context.Background()

	r, err := l.Transfer(ctx, TransferRequest{From: "0xpatient", To: "0xescrow", Amount: coin.Coins(15), IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, r.Status)
	assert.Equal(t, coin.Coins(15), r.ConfirmedAmount)

	bal, _ := l.BalanceOf(ctx, "0xpatient")
	assert.Equal(t, coin.Coins(85), bal)
	bal, _ = l.BalanceOf(ctx, "0xESCROW")
	assert.Equal(t, coin.Coins(15), bal)

	status, err := l.GetTransactionStatus(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)
}

func TestMemoryLedgerDeduplicatesByKey(t *testing.T) {
	l := NewMemoryLedger(WithOpeningBalance(coin.Coins(50)))
	ctx := context.Background()
	req := TransferRequest{From: "a", To: "b", Amount: coin.Coins(10), IdempotencyKey: "same"}

	var wg sync.WaitGroup
	refs := make([]string, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Transfer(ctx, req)
			if assert.NoError(t, err) {
				refs[i] = r.TxRef
			}
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	assert.Equal(t, 1, l.Executed())
	bal, _ := l.BalanceOf(ctx, "a")
	assert.Equal(t, coin.Coins(40), bal)

	req.Amount = coin.Coins(11)
	_, err := l.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestMemoryLedgerRejects(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Transfer(ctx, TransferRequest{From: "a", To: "b", Amount: coin.Coins(1), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Transfer(ctx, TransferRequest{From: "a", To: "b", Amount: -1, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrInvalidTransfer)

	_, err = l.GetTransactionStatus(ctx, "0xnope")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	assert.Equal(t, 0, l.Executed())
}

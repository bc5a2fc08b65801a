package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

// LatencyObserver receives one observation per ledger call.
type LatencyObserver interface {
	ObserveLedgerCall(op, outcome string, seconds float64)
}

// Instrumented reports the latency and outcome of every call on g.
func Instrumented(g Gateway, obs LatencyObserver) Gateway {
	if obs == nil {
		return g
	}
	return &instrumentedGateway{next: g, obs: obs}
}

type instrumentedGateway struct {
	next Gateway
	obs  LatencyObserver
}

func (i *instrumentedGateway) observe(op string, start time.Time, err error) {
	i.obs.ObserveLedgerCall(op, Outcome(err), time.Since(start).Seconds())
}

// Outcome labels an error for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid"
	default:
		return "error"
	}
}

func (i *instrumentedGateway) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	start := time.Now()
	r, err := i.next.Transfer(ctx, req)
	i.observe("transfer", start, err)
	return r, err
}

func (i *instrumentedGateway) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	start := time.Now()
	s, err := i.next.GetTransactionStatus(ctx, txRef)
	i.observe("status", start, err)
	return s, err
}

func (i *instrumentedGateway) BalanceOf(ctx context.Context, address string) (coin.Amount, error) {
	start := time.Now()
	b, err := i.next.BalanceOf(ctx, address)
	i.observe("balance", start, err)
	return b, err
}

package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

// WithTimeout bounds every call on g by d. A call that outlives d returns
// ErrTimeout even if g ignores its context.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return g
	}
	return &timeoutGateway{next: g, timeout: d}
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

type result[T any] struct {
	val T
	err error
}

func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, ErrTimeout) {
			return zero, &Error{Op: op, Err: errors.Join(ErrTimeout, r.err)}
		}
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &Error{Op: op, Err: ErrTimeout}
		}
		return zero, &Error{Op: op, Err: ctx.Err()}
	}
}

func (t *timeoutGateway) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return bounded(ctx, t.timeout, "transfer", func(ctx context.Context) (*Receipt, error) {
		return t.next.Transfer(ctx, req)
	})
}

func (t *timeoutGateway) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	return bounded(ctx, t.timeout, "status", func(ctx context.Context) (TxStatus, error) {
		return t.next.GetTransactionStatus(ctx, txRef)
	})
}

func (t *timeoutGateway) BalanceOf(ctx context.Context, address string) (coin.Amount, error) {
	return bounded(ctx, t.timeout, "balance", func(ctx context.Context) (coin.Amount, error) {
		return t.next.BalanceOf(ctx, address)
	})
}

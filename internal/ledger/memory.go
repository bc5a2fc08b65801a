package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

// MemoryLedger is an in-process ledger for development and tests. Transfers
// settle immediately and are deduplicated by idempotency key.
type MemoryLedger struct {
	mu       sync.Mutex
	opening  coin.Amount
	balances map[string]coin.Amount
	byKey    map[string]memoryTx
	byRef    map[string]memoryTx
	executed int
}

type memoryTx struct {
	req     TransferRequest
	receipt Receipt
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithOpeningBalance credits every address the first time it is seen.
func WithOpeningBalance(amount coin.Amount) MemoryOption {
	return func(l *MemoryLedger) { l.opening = amount }
}

// WithBalance seeds a single address.
func WithBalance(address string, amount coin.Amount) MemoryOption {
	return func(l *MemoryLedger) { l.balances[normalize(address)] = amount }
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		balances: make(map[string]coin.Amount),
		byKey:    make(map[string]memoryTx),
		byRef:    make(map[string]memoryTx),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "transfer", Err: err}
	}
	if err := validateTransfer(req); err != nil {
		return nil, &Error{Op: "transfer", Err: err}
	}
	req.From, req.To = normalize(req.From), normalize(req.To)

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.byKey[req.IdempotencyKey]; ok {
		if prev.req != req {
			return nil, &Error{Op: "transfer", Err: fmt.Errorf("%w: idempotency key %q reused with different parameters", ErrInvalidTransfer, req.IdempotencyKey)}
		}
		receipt := prev.receipt
		return &receipt, nil
	}

	from := l.balanceLocked(req.From)
	if from < req.Amount {
		return nil, &Error{Op: "transfer", Err: fmt.Errorf("%w: %s has %s", ErrInsufficientFunds, req.From, from)}
	}
	l.balances[req.From] = from - req.Amount
	l.balances[req.To] = l.balanceLocked(req.To) + req.Amount

	tx := memoryTx{
		req: req,
		receipt: Receipt{
			TxRef:           "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			ConfirmedAmount: req.Amount,
			Status:          TxConfirmed,
		},
	}
	l.byKey[req.IdempotencyKey] = tx
	l.byRef[tx.receipt.TxRef] = tx
	l.executed++
	receipt := tx.receipt
	return &receipt, nil
}

func (l *MemoryLedger) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Op: "status", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byRef[txRef]
	if !ok {
		return "", &Error{Op: "status", Err: fmt.Errorf("%w: %s", ErrUnknownTransaction, txRef)}
	}
	return tx.receipt.Status, nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, address string) (coin.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "balance", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(normalize(address)), nil
}

// Executed reports how many distinct transfers moved funds.
func (l *MemoryLedger) Executed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed
}

func (l *MemoryLedger) balanceLocked(address string) coin.Amount {
	bal, ok := l.balances[address]
	if !ok {
		bal = l.opening
		l.balances[address] = bal
	}
	return bal
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

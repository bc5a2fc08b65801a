// Package ledger is the boundary to the external HCOIN settlement system.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
)

// TxStatus is the settlement state of a ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

var (
	// ErrTimeout means the ledger did not answer in time. The transfer may or may not have executed.
	ErrTimeout = errors.New("ledger: timeout")
	// ErrInsufficientFunds is returned when the sender cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnknownTransaction is returned when a tx ref is not known to the ledger.
	ErrUnknownTransaction = errors.New("ledger: unknown transaction")
	// ErrInvalidTransfer is returned for malformed transfers (non-positive amount, missing parties, key reuse).
	ErrInvalidTransfer = errors.New("ledger: invalid transfer")
)

// TransferRequest moves Amount from one address to another. Requests that
// share an IdempotencyKey execute at most once.
type TransferRequest struct {
	From           string      `json:"from"`
	To             string      `json:"to"`
	Amount         coin.Amount `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// Receipt is the ledger's answer to a transfer.
type Receipt struct {
	TxRef           string      `json:"tx_ref"`
	ConfirmedAmount coin.Amount `json:"confirmed_amount"`
	Status          TxStatus    `json:"status"`
}

// Gateway executes transfers and balance queries against the settlement system.
type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
	GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
	BalanceOf(ctx context.Context, address string) (coin.Amount, error)
}

// Error carries the failing operation and, for HTTP gateways, the status code.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func validateTransfer(req TransferRequest) error {
	switch {
	case req.From == "" || req.To == "":
		return fmt.Errorf("%w: from and to are required", ErrInvalidTransfer)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidTransfer)
	}
	return nil
}

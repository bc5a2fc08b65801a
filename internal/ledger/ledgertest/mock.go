// Package ledgertest provides a testify mock of ledger.Gateway.
package ledgertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/ledger"
)

// MockGateway is a mock implementation of ledger.Gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Receipt, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*ledger.Receipt); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) GetTransactionStatus(ctx context.Context, txRef string) (ledger.TxStatus, error) {
	args := m.Called(ctx, txRef)
	return args.Get(0).(ledger.TxStatus), args.Error(1)
}

func (m *MockGateway) BalanceOf(ctx context.Context, address string) (coin.Amount, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(coin.Amount), args.Error(1)
}

// Package identity supplies the wallet address of the acting party.
//
// The core never reads identity from ambient state: adapters resolve an
// address through a Provider and pass it explicitly into every operation.
package identity

import (
	"context"
	"strings"
)

// Provider yields the current wallet address and announces changes.
type Provider interface {
	CurrentAddress(ctx context.Context) (string, bool)
	OnAddressChanged(fn func(old, new string)) (cancel func())
}

// Normalize lower-cases and trims an address so it can be used as a key.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

type contextKey string

const addressKey contextKey = "walletAddress"

// WithAddress stores a wallet address on ctx.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, addressKey, Normalize(address))
}

// AddressFromContext returns the wallet address placed on ctx by Middleware.
func AddressFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(addressKey).(string)
	return addr, ok && addr != ""
}

// RequestProvider resolves identity per request. Addresses never change
// within a request, so OnAddressChanged is a no-op.
type RequestProvider struct{}

func (RequestProvider) CurrentAddress(ctx context.Context) (string, bool) {
	return AddressFromContext(ctx)
}

func (RequestProvider) OnAddressChanged(func(old, new string)) func() {
	return func() {}
}

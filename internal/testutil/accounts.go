package testutil

import (
	"context"
	"sync"

	"github.com/roach88/availwatch/internal/ledger"
)

// StaticAccount always reports the same selected account.
//
// Implements engine.Accounts. The zero address means no account is
// selected.
//
// Thread-safety: safe for concurrent use.
type StaticAccount struct {
	mu      sync.Mutex
	address string
}

// NewStaticAccount creates an account source selecting address.
func NewStaticAccount(address string) *StaticAccount {
	return &StaticAccount{address: address}
}

// Selected returns the account and a signer that echoes the request method.
func (a *StaticAccount) Selected() (string, ledger.Signer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.address == "" {
		return "", nil, false
	}
	return a.address, EchoSigner(), true
}

// Select changes the selected account. An empty address deselects.
func (a *StaticAccount) Select(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.address = address
}

// EchoSigner returns a signer whose signed payload is the request method.
func EchoSigner() ledger.Signer {
	return ledger.SignerFunc(func(_ context.Context, req ledger.SignRequest) ([]byte, error) {
		return append([]byte(nil), req.Method...), nil
	})
}

// Package wallet manages the browser-extension wallet session.
//
// The extension itself sits behind Provider: discovery, enabling, account
// listing and signing. Manager owns what the explorer remembers about it: the
// connection status, the selected account, and which extensions have already
// been given chain metadata. The session is persisted under SessionKey and
// restored by Open.
package wallet

import (
	"context"
	"errors"

	"github.com/roach88/availwatch/internal/ledger"
)

// SessionKey is the document key holding the wallet session.
const SessionKey = "wallet-storage"

// DefaultPreferred is matched case-insensitively against extension names.
const DefaultPreferred = "subwallet"

// ErrNoExtension is returned when the preferred extension is not injected.
var ErrNoExtension = errors.New("wallet extension not found")

// ErrNotEnabled is returned when the extension refused to enable.
var ErrNotEnabled = errors.New("wallet extension did not enable")

// ErrUnknownAccount is returned when selecting an address not in the session.
var ErrUnknownAccount = errors.New("account not in wallet session")

// Account is one account exposed by an extension.
type Account struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Source  string `json:"source"`
}

// Extension is an enabled wallet extension.
type Extension interface {
	Name() string
	Signer() ledger.Signer

	// ProvideMetadata offers chain metadata so the extension can render
	// signing requests. Extensions without metadata support return nil.
	ProvideMetadata(ctx context.Context, md ledger.ChainMetadata) error
}

// Provider is the injected extension environment.
type Provider interface {
	// Available lists the names of the injected extensions.
	Available(ctx context.Context) ([]string, error)

	// Enable asks the named extension to authorize appName.
	Enable(ctx context.Context, appName, extension string) ([]Extension, error)

	// Accounts lists the accounts of every enabled extension.
	Accounts(ctx context.Context) ([]Account, error)

	// FromSource returns the enabled extension an account came from.
	FromSource(ctx context.Context, source string) (Extension, error)
}

// ConnectionStatus is the wallet connection state.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Session is the persisted part of the wallet state.
type Session struct {
	SelectedAccount       string    `json:"selectedAccount,omitempty"`
	Accounts              []Account `json:"accounts"`
	LastConnectedWalletID string    `json:"lastConnectedWalletId,omitempty"`
}

func (s Session) clone() Session {
	s.Accounts = append([]Account(nil), s.Accounts...)
	return s
}

func (s Session) account(address string) (Account, bool) {
	for _, a := range s.Accounts {
		if a.Address == address {
			return a, true
		}
	}
	return Account{}, false
}

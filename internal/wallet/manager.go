package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/store"
)

// MetadataFunc fetches the chain metadata offered to extensions.
type MetadataFunc func(ctx context.Context) (ledger.ChainMetadata, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithAppName sets the name shown by the extension when enabling.
func WithAppName(name string) Option {
	return func(m *Manager) {
		m.appName = name
	}
}

// WithPreferred sets the substring that selects the extension to enable.
func WithPreferred(substr string) Option {
	return func(m *Manager) {
		m.preferred = strings.ToLower(substr)
	}
}

// WithMetadata sets where chain metadata comes from. Without it no metadata
// is provided to extensions.
func WithMetadata(fn MetadataFunc) Option {
	return func(m *Manager) {
		m.metadata = fn
	}
}

// Manager owns the wallet session.
//
// Thread-safety: safe for concurrent use. Connect, Reconnect and Disconnect
// are serialized.
type Manager struct {
	provider  Provider
	kv        *store.Store
	log       *zap.Logger
	appName   string
	preferred string
	metadata  MetadataFunc

	opMu sync.Mutex // serializes connect/disconnect

	mu       sync.RWMutex
	session  Session
	status   ConnectionStatus
	provided map[string]bool // extension name -> metadata provided
}

// Open restores the persisted session. The manager starts Disconnected even
// when a session was restored; call Reconnect to re-enable the extension.
func Open(ctx context.Context, kv *store.Store, provider Provider, opts ...Option) (*Manager, error) {
	m := &Manager{
		provider:  provider,
		kv:        kv,
		log:       zap.NewNop(),
		appName:   "Avail Explorer",
		preferred: DefaultPreferred,
		provided:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := kv.Load(ctx, SessionKey, &m.session); err != nil {
		return nil, fmt.Errorf("open wallet session: %w", err)
	}
	return m, nil
}

// Status returns the connection status.
func (m *Manager) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Session returns a snapshot of the session.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone()
}

// Connect enables the preferred extension, loads its accounts and selects
// one. A previous selection is kept when the account is still offered;
// otherwise the first account is selected.
func (m *Manager) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.setStatus(Connecting)

	session, err := m.enable(ctx)
	if err != nil {
		m.setStatus(Disconnected)
		m.log.Warn("wallet connect failed", zap.Error(err))
		return err
	}
	if err := m.kv.Save(ctx, SessionKey, session); err != nil {
		m.setStatus(Disconnected)
		return fmt.Errorf("save wallet session: %w", err)
	}

	m.mu.Lock()
	m.session = session
	m.status = Connected
	m.mu.Unlock()

	m.log.Info("wallet connected",
		zap.String("extension", session.LastConnectedWalletID),
		zap.Int("accounts", len(session.Accounts)),
		zap.String("selected", session.SelectedAccount))
	return nil
}

func (m *Manager) enable(ctx context.Context) (Session, error) {
	name, err := m.findPreferred(ctx)
	if err != nil {
		return Session{}, err
	}
	exts, err := m.provider.Enable(ctx, m.appName, name)
	if err != nil {
		return Session{}, fmt.Errorf("enable %s: %w", name, err)
	}
	if len(exts) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNotEnabled, name)
	}
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("list accounts: %w", err)
	}

	m.mu.RLock()
	prev := m.session.SelectedAccount
	m.mu.RUnlock()

	session := Session{
		Accounts:              accounts,
		LastConnectedWalletID: name,
	}
	if _, ok := session.account(prev); ok {
		session.SelectedAccount = prev
	} else if len(accounts) > 0 {
		session.SelectedAccount = accounts[0].Address
	}
	return session, nil
}

func (m *Manager) findPreferred(ctx context.Context) (string, error) {
	names, err := m.provider.Available(ctx)
	if err != nil {
		return "", fmt.Errorf("list extensions: %w", err)
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), m.preferred) {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoExtension, m.preferred)
}

// Reconnect silently restores a previous connection. It reports false
// without error when there is nothing to restore or the extension is gone,
// and false with the error when enabling failed.
func (m *Manager) Reconnect(ctx context.Context) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	last := m.session.LastConnectedWalletID
	status := m.status
	m.mu.RUnlock()

	if status == Connected {
		return true, nil
	}
	if last == "" {
		return false, nil
	}
	if _, err := m.findPreferred(ctx); err != nil {
		m.log.Debug("silent reconnect skipped", zap.Error(err))
		return false, nil
	}

	m.mu.Lock()
	m.provided = make(map[string]bool)
	m.mu.Unlock()
	if err := m.connect(ctx); err != nil {
		return false, err
	}
	return len(m.Session().Accounts) > 0, nil
}

// Disconnect forgets the session, including the persisted copy.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.setStatus(Disconnecting)
	if err := m.kv.Delete(ctx, SessionKey); err != nil {
		m.setStatus(Connected)
		return fmt.Errorf("clear wallet session: %w", err)
	}

	m.mu.Lock()
	m.session = Session{}
	m.provided = make(map[string]bool)
	m.status = Disconnected
	m.mu.Unlock()

	m.log.Info("wallet disconnected")
	return nil
}

// Select makes address the active account.
func (m *Manager) Select(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.session.account(address); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	next := m.session.clone()
	next.SelectedAccount = address
	if err := m.kv.Save(ctx, SessionKey, next); err != nil {
		return fmt.Errorf("save wallet session: %w", err)
	}
	m.session = next
	return nil
}

// Selected returns the active account and a signer for it. ok is false when
// no wallet is connected or no account is selected.
func (m *Manager) Selected() (string, ledger.Signer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status != Connected || m.session.SelectedAccount == "" {
		return "", nil, false
	}
	acct, ok := m.session.account(m.session.SelectedAccount)
	if !ok {
		return "", nil, false
	}
	return acct.Address, &accountSigner{m: m, source: acct.Source}, true
}

func (m *Manager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// accountSigner resolves the extension of an account on first use.
type accountSigner struct {
	m      *Manager
	source string
}

func (s *accountSigner) Sign(ctx context.Context, req ledger.SignRequest) ([]byte, error) {
	ext, err := s.m.provider.FromSource(ctx, s.source)
	if err != nil {
		return nil, fmt.Errorf("extension %s: %w", s.source, err)
	}
	if err := s.m.provideMetadata(ctx, ext); err != nil {
		return nil, err
	}
	return ext.Signer().Sign(ctx, req)
}

// provideMetadata hands chain metadata to ext once per connection.
func (m *Manager) provideMetadata(ctx context.Context, ext Extension) error {
	if m.metadata == nil {
		return nil
	}

	m.mu.RLock()
	done := m.provided[ext.Name()]
	m.mu.RUnlock()
	if done {
		return nil
	}

	md, err := m.metadata(ctx)
	if err != nil {
		return fmt.Errorf("chain metadata: %w", err)
	}
	if err := ext.ProvideMetadata(ctx, md); err != nil {
		return fmt.Errorf("provide metadata to %s: %w", ext.Name(), err)
	}

	m.mu.Lock()
	m.provided[ext.Name()] = true
	m.mu.Unlock()
	m.log.Debug("extension metadata provided", zap.String("extension", ext.Name()))
	return nil
}

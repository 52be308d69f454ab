package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relves/socialrecovery/internal/storage"
)

// StoreManager keeps one open AccountStore per account under basePath.
type StoreManager struct {
	basePath string
	logger   *slog.Logger

	mu     sync.RWMutex
	stores map[string]*AccountStore
}

// ManagerOption configures a StoreManager.
type ManagerOption func(*StoreManager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *StoreManager) {
		m.logger = logger
	}
}

// NewStoreManager creates a StoreManager rooted at basePath.
func NewStoreManager(basePath string, opts ...ManagerOption) *StoreManager {
	m := &StoreManager{
		basePath: basePath,
		logger:   slog.Default(),
		stores:   make(map[string]*AccountStore),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetStore returns the store of account, opening it on first use. Account
// names that cannot be a directory name are rejected before any lock is
// taken.
func (m *StoreManager) GetStore(account string) (*AccountStore, error) {
	if !validAccount(account) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}

	m.mu.RLock()
	store, ok := m.stores[account]
	m.mu.RUnlock()
	if ok {
		return store, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[account]; ok {
		return store, nil
	}

	store, err := OpenAccountStore(m.basePath, account)
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", account, err)
	}
	m.logger.Debug("opened account store", "account", account, "path", store.DBPath())
	m.stores[account] = store
	return store, nil
}

// GetStateStore returns the StateStore for account.
func (m *StoreManager) GetStateStore(account string) (storage.StateStore, error) {
	return m.GetStore(account)
}

// LastActivity returns when account's store was first and last written. It
// returns storage.ErrNotFound for an account with no journal or draft.
func (m *StoreManager) LastActivity(ctx context.Context, account string) (*AccountRecord, error) {
	store, err := m.GetStore(account)
	if err != nil {
		return nil, err
	}
	return store.GetAccountRecord(ctx, account)
}

// CloseAll closes every open store. Stores are reopened on next use.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for account, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store for %s: %w", account, err))
		}
	}
	m.logger.Debug("closed account stores", "count", len(m.stores))
	m.stores = make(map[string]*AccountStore)
	return errors.Join(errs...)
}

func (m *StoreManager) BasePath() string {
	return m.basePath
}

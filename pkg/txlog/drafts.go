package txlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

// Drafts implements recovery.DraftStore on the account's StateStore.
type Drafts struct {
	stores StateStoreGetterFunc
}

var _ recovery.DraftStore = (*Drafts)(nil)

func NewDrafts(stores StateStoreGetterFunc) *Drafts {
	return &Drafts{stores: stores}
}

func (d *Drafts) SaveDraft(ctx context.Context, owner types.Address, cfg types.RecoveryConfig) error {
	store, err := d.stores(string(owner))
	if err != nil {
		return fmt.Errorf("failed to get store for %s: %w", owner, err)
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	return store.SetDraft(ctx, string(owner), payload)
}

// GetDraft returns nil when owner has no draft.
func (d *Drafts) GetDraft(ctx context.Context, owner types.Address) (*types.RecoveryConfig, error) {
	store, err := d.stores(string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to get store for %s: %w", owner, err)
	}
	payload, err := store.GetDraft(ctx, string(owner))
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var cfg types.RecoveryConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &cfg, nil
}

func (d *Drafts) DeleteDraft(ctx context.Context, owner types.Address) error {
	store, err := d.stores(string(owner))
	if err != nil {
		return fmt.Errorf("failed to get store for %s: %w", owner, err)
	}
	return store.DeleteDraft(ctx, string(owner))
}

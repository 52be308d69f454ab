package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/spf13/viper"

	"github.com/relves/socialrecovery/internal/ledger/memledger"
	"github.com/relves/socialrecovery/internal/storage/sqlite"
	"github.com/relves/socialrecovery/pkg/txlog"
)

// deps is everything a command builds from configuration.
type deps struct {
	ledger  *memledger.Ledger
	stores  *sqlite.StoreManager
	journal *txlog.Journal
	drafts  *txlog.Drafts
}

func loadDeps(logger *slog.Logger) (*deps, error) {
	fixture := viper.GetString("fixture")
	if fixture == "" {
		return nil, errors.New("fixture is required (--fixture or RECOVERYD_FIXTURE)")
	}
	opts := []memledger.Option{memledger.WithLogger(logger)}
	if s := viper.GetString("fee"); s != "" {
		fee, ok := new(big.Int).SetString(s, 10)
		if !ok || fee.Sign() < 0 {
			return nil, fmt.Errorf("invalid fee %q", s)
		}
		opts = append(opts, memledger.WithFee(fee))
	}
	l, err := memledger.Load(fixture, opts...)
	if err != nil {
		return nil, err
	}

	stores := sqlite.NewStoreManager(viper.GetString("data"), sqlite.WithManagerLogger(logger))
	journal, err := txlog.NewJournal(txlog.JournalConfig{
		Stores: stores.GetStateStore,
		Logger: logger,
	})
	if err != nil {
		stores.CloseAll()
		return nil, err
	}

	return &deps{
		ledger:  l,
		stores:  stores,
		journal: journal,
		drafts:  txlog.NewDrafts(stores.GetStateStore),
	}, nil
}

func (d *deps) Close() {
	d.stores.CloseAll()
}

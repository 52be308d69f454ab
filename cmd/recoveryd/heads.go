package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relves/socialrecovery/internal/storage"
	"github.com/relves/socialrecovery/internal/storage/sqlite"
	"github.com/relves/socialrecovery/pkg/txlog"
	"github.com/relves/socialrecovery/pkg/types"
)

var headsCmd = &cobra.Command{
	Use:   "heads <account>...",
	Short: "Print the submission journal heads of accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := sqlite.NewStoreManager(viper.GetString("data"), sqlite.WithManagerLogger(slog.Default()))
		defer stores.CloseAll()

		journal, err := txlog.NewJournal(txlog.JournalConfig{
			Stores: stores.GetStateStore,
			Logger: slog.Default(),
		})
		if err != nil {
			return err
		}

		accounts := make([]types.Address, len(args))
		for i, a := range args {
			accounts[i] = types.Address(a)
		}
		heads, err := journal.Heads(cmd.Context(), accounts)
		if err != nil {
			return err
		}

		verify := viper.GetBool("verify")
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tSIZE\tROOT\tLATEST CALL\tUPDATED\tVERIFIED")
		for _, h := range heads {
			updated := "-"
			rec, err := stores.LastActivity(cmd.Context(), string(h.Account))
			switch {
			case err == nil:
				updated = rec.UpdatedAt.Format(time.RFC3339)
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
			status := "-"
			if verify {
				status = "ok"
				if err := journal.Verify(cmd.Context(), h.Account); err != nil {
					status = err.Error()
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", h.Account, h.Size, h.Root, h.LatestCallID, updated, status)
		}
		return tw.Flush()
	},
}

func init() {
	headsCmd.Flags().Bool("verify", false, "recompute each root from the stored leaves and check the stored call IDs")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/server"
	"github.com/relves/socialrecovery/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only HTTP view",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.Default()
		d, err := loadDeps(logger)
		if err != nil {
			return err
		}
		defer d.Close()

		sessions, err := recovery.NewSessions(recovery.SessionsConfig{
			Ledger:     d.ledger,
			Identities: d.ledger.Identities(),
			Size:       viper.GetInt("cache-size"),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer sessions.Close()

		opts := []server.Option{
			server.WithLedger(d.ledger),
			server.WithSessions(sessions),
			server.WithJournal(d.journal),
			server.WithLogger(logger),
		}
		if blocked := viper.GetStringSlice("deny"); len(blocked) > 0 {
			addrs := make([]types.Address, len(blocked))
			for i, b := range blocked {
				addrs[i] = types.Address(b)
			}
			opts = append(opts, server.WithValidator(server.NewDenylist(addrs...)))
		}
		srv, err := server.NewServer(opts...)
		if err != nil {
			return err
		}

		addr := viper.GetString("addr")
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		fmt.Println("recoveryd")
		fmt.Println("===================================")
		fmt.Printf("Fixture: %s\n", viper.GetString("fixture"))
		fmt.Printf("Data: %s\n", d.stores.BasePath())
		fmt.Println()
		fmt.Println("Read-only API:")
		fmt.Printf("  GET http://%s/accounts/{address}/snapshot?rescuer=\n", addr)
		fmt.Printf("  GET http://%s/accounts/{address}/withdrawal?rescuer=\n", addr)
		fmt.Printf("  GET http://%s/recoveries/{lost}/{rescuer}/status\n", addr)
		fmt.Printf("  GET http://%s/recoveries/{lost}/{rescuer}/vouch?friend=\n", addr)
		fmt.Printf("  GET http://%s/accounts/{address}/submissions\n", addr)
		fmt.Printf("  GET http://%s/accounts/{address}/head\n", addr)

		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "localhost:8080", "listen address")
	serveCmd.Flags().Int("cache-size", 64, "number of cached account snapshots")
	serveCmd.Flags().StringSlice("deny", nil, "accounts the API refuses to serve")
}

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/relay"
	"github.com/BioHazard786/warpcall/internal/store"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const shutdownTimeout = 5 * time.Second

var (
	flagListen   string
	flagServeDB  string
	flagInMemory bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the relay that keeps call rooms and forwards signaling messages
between participants. Rooms, queued signals and call notices are kept in a
SQLite database unless --memory is given.

Examples:
  warpcall serve
  warpcall serve --listen :9000 --db /var/lib/warpcall/relay.db
  warpcall serve --memory`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{ListenAddr: flagListen, StorePath: flagServeDB})
	if err != nil {
		return err
	}
	log := slog.Default().With("component", "relay-server")

	opts := relay.HubOptions{Logger: slog.Default()}
	if !flagInMemory {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return call.NewError("open store", err)
		}
		defer st.Close()

		// Participants left over from a previous run can no longer be reached.
		archived, err := st.ArchiveActive(ctx)
		if err != nil {
			return call.NewError("archive stale rooms", err)
		}
		if archived > 0 {
			log.Info("Archived rooms from previous run", "rooms", archived)
		}
		opts.Store = st
	}

	hub := relay.NewHub(opts)
	hubDone := make(chan struct{})
	go func() {
		hub.Run()
		close(hubDone)
	}()
	// The store is closed only after the hub stops writing to it.
	defer func() {
		hub.Stop()
		<-hubDone
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           relay.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", cfg.ListenAddr, "persistent", opts.Store != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ui.PrintSuccessf("Relay listening on %s", cfg.ListenAddr)
	if opts.Store != nil {
		ui.PrintInfof("Store: %s", cfg.StorePath)
	}

	select {
	case err := <-errCh:
		return call.NewError("listen", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; the hub
	// closes those when it stops.
	err = srv.Shutdown(shutdownCtx)
	err = multierr.Append(err, <-errCh)
	if err != nil {
		return call.NewError("shutdown", err)
	}

	ui.PrintSuccess("Relay stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&flagServeDB, "db", "", "SQLite database path")
	serveCmd.Flags().BoolVar(&flagInMemory, "memory", false, "Keep rooms in memory only")
}

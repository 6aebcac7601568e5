package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/catalog/rest"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Catalog operations",
	}
	cmd.AddCommand(newCatalogServeCommand())
	cmd.AddCommand(newCatalogStatsCommand())
	return cmd
}

func newCatalogServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the embedded catalog over the REST catalog protocol",
		Long: `Serve the embedded catalog under /api/v1 so that other lakegate
processes can use it with catalog.mode: rest.

Set catalog.snapshot_path to keep branches and tables across restarts,
and catalog.token to require a bearer token.`,
		Example: `  # Serve on the configured address
  lakegate catalog serve

  # Serve on another port
  lakegate catalog serve --listen :18181`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()
			ctx = a.context(ctx)

			if a.cfg.Catalog.Mode != "memory" {
				return fmt.Errorf("catalog serve needs catalog.mode memory, got %q", a.cfg.Catalog.Mode)
			}
			catalog, err := a.memoryCatalog()
			if err != nil {
				return err
			}

			handler := rest.NewServer(catalog,
				rest.WithToken(a.cfg.Catalog.Token),
				rest.WithServerLogger(a.logger),
				rest.WithMiddlewares(telemetry.TracingMiddleware(a.tel.Tracer.Provider())),
			)

			addr := a.cfg.Catalog.ListenAddress
			if listen != "" {
				addr = listen
			}
			telemetry.FromContext(ctx).
				WithField("address", addr).
				WithField("snapshot", a.cfg.Catalog.SnapshotPath).
				Info("Serving catalog")
			return serveHTTP(ctx, addr, handler, a.cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: catalog.listen_address)")

	return cmd
}

func newCatalogStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [ref]",
		Short: "Show row counts per table of the embedded catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := "main"
			if len(args) > 0 {
				ref = args[0]
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			catalog, err := a.memoryCatalog()
			if err != nil {
				return err
			}
			stats, err := catalog.Stats(cmd.Context(), ref)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, stats)
			}
			for _, table := range sortedTableNames(stats) {
				fmt.Fprintf(out, "%-40s %d\n", table, stats[table])
			}
			return nil
		},
	}
	return cmd
}

// serveHTTP serves handler on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/api"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API",
		Long: `Serve the lakegate HTTP API.

Endpoints:
  POST /v1/runs              run a spec synchronously
  GET  /v1/runs              list recorded runs
  GET  /v1/runs/{id}         show one run
  GET  /v1/runs/{id}/events  list run events
  GET  /healthz              store health
  GET  /metrics              Prometheus metrics

Policy files listed in the config are reloaded on change when
policy.watch is set.`,
		Example: `  # Serve with the default config
  lakegate serve

  # Serve on another address
  lakegate serve --config lakegate.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()
			ctx = a.context(ctx)

			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			admitter, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			if pc := a.cfg.Policy; pc.Watch && len(pc.Paths) > 0 {
				if err := admitter.Watch(ctx, pc.Paths); err != nil {
					return err
				}
			}
			coordinator, err := a.coordinator(catalog, admitter, store)
			if err != nil {
				return err
			}

			sc := a.cfg.Server
			server, err := api.NewServer(api.Config{
				Runner:          coordinator,
				Store:           store,
				Metrics:         a.tel.Metrics,
				TracerProvider:  a.tel.Tracer.Provider(),
				Logger:          a.logger,
				RunTimeout:      sc.RunTimeout,
				ReadTimeout:     sc.ReadTimeout,
				WriteTimeout:    sc.WriteTimeout,
				ShutdownTimeout: sc.ShutdownTimeout,
			})
			if err != nil {
				return err
			}

			if metricsServer := a.tel.Metrics.StartMetricsServer(a.metricsLogger()); metricsServer != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = metricsServer.Shutdown(shutdownCtx)
				}()
			}

			addr := sc.ListenAddress
			if listen != "" {
				addr = listen
			}
			telemetry.FromContext(ctx).
				WithField("address", addr).
				WithField("catalog", a.cfg.Catalog.Mode).
				WithField("store", a.cfg.Store.Path).
				Info("Starting lakegate API")
			return server.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen_address)")

	return cmd
}

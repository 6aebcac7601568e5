package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakegate/lakegate/pkg/catalog/memory"
	"github.com/lakegate/lakegate/pkg/catalog/rest"
	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/expect"
	"github.com/lakegate/lakegate/pkg/policy"
	"github.com/lakegate/lakegate/pkg/source"
	"github.com/lakegate/lakegate/pkg/stores"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

// app holds the collaborators built from the process configuration.
// Commands build only the parts they need.
type app struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	reader *source.Reader

	closers []func() error
}

func loadApp() (*app, error) {
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.AppConfig) (*app, error) {
	if verbose {
		cfg.Log.Level = "debug"
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	var sources []source.Store
	if cfg.S3 != nil {
		s3, err := source.NewS3Store(*cfg.S3)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s3)
	}
	if cfg.SFTP != nil {
		sftpStore := source.NewSFTPStore(*cfg.SFTP)
		a.closers = append(a.closers, sftpStore.Close)
		sources = append(sources, sftpStore)
	}
	a.reader = source.NewReader(sources...)

	return a, nil
}

// context carries the process logger for telemetry.FromContext.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// metricsLogger is the logger of the standalone metrics listener.
func (a *app) metricsLogger() zerolog.Logger {
	return a.tel.Logger.NewComponentLogger("metrics").Zerolog()
}

// shutdown closes the app, logging what could not be released.
func (a *app) shutdown() {
	if err := a.close(); err != nil {
		a.tel.Logger.WithError(err).Warn("Shutdown incomplete")
	}
}

// close drains telemetry first so queued events reach the store.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{a.tel.Shutdown(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *app) catalog() (engine.CatalogClient, error) {
	cc := a.cfg.Catalog
	if cc.Mode == "rest" {
		return rest.NewClient(rest.ClientConfig{
			Endpoint:      cc.Endpoint,
			Token:         cc.Token,
			Timeout:       cc.Timeout,
			ImportTimeout: cc.ImportTimeout,
			RateLimit:     cc.RateLimit,
			RateBurst:     cc.RateBurst,
			UserAgent:     "lakegate/" + a.cfg.Telemetry.ServiceVersion,
		}, rest.WithObserver(a.tel.Metrics), rest.WithClientLogger(a.logger))
	}
	return a.memoryCatalog()
}

func (a *app) memoryCatalog() (*memory.Catalog, error) {
	opts := []memory.Option{memory.WithReader(a.reader), memory.WithLogger(a.logger)}
	if p := a.cfg.Catalog.SnapshotPath; p != "" {
		opts = append(opts, memory.WithSnapshot(p))
	}
	return memory.New(opts...)
}

// openStore opens the run store and subscribes it to run events.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	logger := a.tel.Logger.NewComponentLogger("run-store")
	a.tel.Events.Subscribe(func(event engine.Event) {
		if err := store.SaveEvent(context.Background(), &event); err != nil {
			logger.WithError(err).WithRunID(event.RunID).WithField("event", event.Type).Warn("Failed to persist event")
		}
	}, nil)
	return store, nil
}

func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pc := a.cfg.Policy
	pe, err := policy.NewEngine(a.logger,
		policy.WithAllowedSchemes(pc.AllowedSchemes...),
		policy.WithAllowedTargets(pc.AllowedTargets...),
	)
	if err != nil {
		return nil, err
	}
	if len(pc.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, pc.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// coordinator wires a coordinator. store may be nil; when set it records
// finished runs and rejects reused run IDs.
func (a *app) coordinator(catalog engine.CatalogClient, admitter engine.Admitter, store *stores.SQLiteStore) (*engine.Coordinator, error) {
	opts := a.cfg.CoordinatorOptions()
	opts.Checks = expect.NewBuilder(
		expect.WithScriptEvaluator(config.NewStarlarkEvaluator(a.cfg.Coordinator.ScriptTimeout)),
	)
	opts.Admitter = admitter
	if store != nil {
		opts.Recorder = store
		opts.Runs = store
	}
	opts.Publisher = a.tel.Events
	opts.Metrics = a.tel.Metrics
	logger := a.logger
	opts.Logger = &logger
	return engine.NewCoordinator(catalog, opts)
}

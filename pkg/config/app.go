package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/policy"
	"github.com/lakegate/lakegate/pkg/stores"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

// DefaultAppConfig returns the configuration used when no file is given:
// an embedded catalog, a local SQLite store and the built-in policies.
func DefaultAppConfig() *AppConfig {
	tel := telemetry.DefaultConfig()
	return &AppConfig{
		Log: tel.Logging,
		Catalog: CatalogConfig{
			Mode:          "memory",
			Timeout:       30 * time.Second,
			ImportTimeout: 10 * time.Minute,
			RateLimit:     20,
			RateBurst:     10,
			ListenAddress: ":8181",
		},
		Store: stores.Config{
			Path: "lakegate.db",
		},
		Policy: PolicyConfig{
			AllowedSchemes: append([]string(nil), policy.DefaultAllowedSchemes...),
		},
		Telemetry: *tel,
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			RunTimeout:      30 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			Owner:             "lakegate",
			Namespace:         engine.DefaultNamespace,
			ImportWorkers:     4,
			CheckWorkers:      4,
			MaxMergeAttempts:  3,
			MaxImportAttempts: 3,
			Backoff:           time.Second,
			MaxBackoff:        time.Minute,
			CleanupTimeout:    2 * time.Minute,
			ScriptTimeout:     30 * time.Second,
		},
	}
}

// LoadAppConfig reads a YAML configuration file over the defaults.
// An empty path returns the defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	if path == "" {
		cfg := DefaultAppConfig()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseAppConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseAppConfig decodes YAML over the defaults, expanding ${VAR}
// references from the environment first. Unknown keys are rejected.
func ParseAppConfig(r io.Reader) (*AppConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := os.Expand(string(data), os.Getenv)

	cfg := DefaultAppConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and copies Log into Telemetry.Logging.
func (c *AppConfig) Validate() error {
	c.Telemetry.Logging = c.Log

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Catalog.Mode == "rest" {
		u, err := url.Parse(c.Catalog.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid config: catalog endpoint %q is not a URL", c.Catalog.Endpoint)
		}
	}
	if !engine.ValidBranchSegment(c.Coordinator.Owner) {
		return fmt.Errorf("invalid config: coordinator owner %q is not a valid branch segment", c.Coordinator.Owner)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}

// CoordinatorOptions returns engine options carrying the coordinator
// section. Collaborators (checks, admitter, recorder, publisher, metrics,
// logger) are left for the caller to set.
func (c *AppConfig) CoordinatorOptions() engine.Options {
	cc := c.Coordinator
	opts := engine.DefaultOptions()
	opts.Owner = cc.Owner
	opts.Namespace = cc.Namespace
	opts.ImportWorkers = cc.ImportWorkers
	opts.CheckWorkers = cc.CheckWorkers
	if cc.CleanupTimeout > 0 {
		opts.CleanupTimeout = cc.CleanupTimeout
	}

	retry := func(attempts int, timeout time.Duration) engine.RetryPolicy {
		return engine.RetryPolicy{
			MaxAttempts:     attempts,
			InitialInterval: cc.Backoff,
			Multiplier:      2,
			MaxInterval:     cc.MaxBackoff,
			AttemptTimeout:  timeout,
		}
	}
	opts.CatalogRetry = retry(3, cc.CallTimeout)
	opts.QueryRetry = retry(3, cc.CallTimeout)
	opts.ImportRetry = retry(cc.MaxImportAttempts, 0)
	opts.MergeRetry = retry(cc.MaxMergeAttempts, cc.CallTimeout)
	return opts
}

package stores

import (
	"context"
	"time"

	"github.com/lakegate/lakegate/pkg/engine"
)

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	engine.RunRecorder
	engine.RunReader
	engine.RunIndex
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event operations
	SaveEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)

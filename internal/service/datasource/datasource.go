package datasource

import (
	"context"
	"time"

	"github.com/whaeuser/metex/internal/model"
)

// DataSource knows how to pull metrics from a concrete monitoring backend
// and normalize them into the canonical tabular form.
//
// Implementations translate the abstract (metrics, time range) request into
// their own query language and own the UTC normalization of every timestamp
// they return.
type DataSource interface {
	// Connect establishes and validates connectivity (auth, health check).
	// It is safe to call more than once, later calls may re-validate or
	// no-op.
	Connect(ctx context.Context) error
	// ListMetrics returns the metric identifiers known to the backend.
	ListMetrics(ctx context.Context) ([]string, error)
	// FetchRange returns the canonical table for the requested metrics and
	// window. A nil metrics slice means all available metrics. Zero time
	// bounds default per implementation, commonly to the most recent hour.
	// A single malformed metric expression must not abort the others, such
	// failures are logged and the metric is skipped.
	FetchRange(ctx context.Context, metrics []string, from, to time.Time) (*model.Table, error)
}

// Package influxdb implements the datasource contract over an InfluxDB 2.x
// time-series database queried with Flux.
package influxdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
	"github.com/whaeuser/metex/internal/service/log"
)

const (
	// defaultWindow is the lookback used when the caller gives no time
	// bounds.
	defaultWindow = 1 * time.Hour
	// widenBy is how far the window is stretched on each side when the
	// strict window returns no rows.
	widenBy = 24 * time.Hour
)

// Config is the configuration of the InfluxDB data source.
type Config struct {
	// URL is the base URL of the server.
	URL string
	// Token is the API token used for authentication.
	Token string
	// Org is the organization the queries run under.
	Org string
	// Bucket is the bucket holding the metrics.
	Bucket string
	// Measurement optionally restricts queries to a single measurement.
	Measurement string
	// Logger used by the data source, log.Dummy when nil.
	Logger log.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = log.Dummy
	}
}

// DataSource pulls metrics from an InfluxDB bucket.
type DataSource struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	client influxdb2.Client
	query  influxapi.QueryAPI
}

// New returns an InfluxDB data source.
func New(cfg Config) *DataSource {
	cfg.defaults()
	return &DataSource{cfg: cfg, logger: cfg.Logger}
}

// Connect builds the client and validates connectivity with a health check.
// Calling it again re-runs the health check on the existing client.
func (ds *DataSource) Connect(ctx context.Context) error {
	ds.mu.Lock()
	if ds.client == nil {
		ds.client = influxdb2.NewClient(ds.cfg.URL, ds.cfg.Token)
		ds.query = ds.client.QueryAPI(ds.cfg.Org)
	}
	client := ds.client
	ds.mu.Unlock()

	health, err := client.Health(ctx)
	if err != nil {
		return metexerr.New(metexerr.KindConnection, "failed to connect to influxdb", err)
	}
	if health.Status != domain.HealthCheckStatusPass {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return metexerr.Newf(metexerr.KindConnection, "influxdb health check failed: %s", msg)
	}
	return nil
}

// ListMetrics returns the field keys present in the bucket.
func (ds *DataSource) ListMetrics(ctx context.Context) ([]string, error) {
	queryAPI, err := ds.connectedQueryAPI(ctx)
	if err != nil {
		return nil, err
	}

	result, err := queryAPI.Query(ctx, listMetricsQuery(ds.cfg.Bucket))
	if err != nil {
		return nil, metexerr.New(metexerr.KindConnection, "failed to list influxdb metrics", err)
	}

	var metrics []string
	for result.Next() {
		if v, ok := result.Record().Value().(string); ok {
			metrics = append(metrics, v)
		}
	}
	if err := result.Err(); err != nil {
		return nil, metexerr.New(metexerr.KindConnection, "failed to list influxdb metrics", err)
	}
	return metrics, nil
}

// FetchRange pulls the requested fields over [from, to] with a single Flux
// pipeline and normalizes the records into the canonical table. When the
// strict window returns no rows it retries once with a widened window,
// filters back to the requested one and keeps the widened rows only if that
// filter empties them.
func (ds *DataSource) FetchRange(ctx context.Context, metrics []string, from, to time.Time) (*model.Table, error) {
	queryAPI, err := ds.connectedQueryAPI(ctx)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics, err = ds.ListMetrics(ctx)
		if err != nil {
			return nil, err
		}
	}

	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	from, to = from.UTC(), to.UTC()

	ds.logger.Debugf("using UTC time range: %s to %s", from, to)

	table, err := ds.runFetch(ctx, queryAPI, fetchQuery(ds.cfg.Bucket, ds.cfg.Measurement, metrics, from, to))
	if err != nil {
		return nil, err
	}
	if !table.Empty() {
		return table, nil
	}

	ds.logger.Warningf("no data found, trying with extended time range")
	widened, err := ds.runFetch(ctx, queryAPI, fetchQuery(ds.cfg.Bucket, ds.cfg.Measurement, metrics, from.Add(-widenBy), to.Add(widenBy)))
	if err != nil {
		return nil, err
	}

	filtered := widened.FilterRange(from, to)
	if !filtered.Empty() {
		return filtered, nil
	}
	return widened, nil
}

func (ds *DataSource) runFetch(ctx context.Context, queryAPI influxapi.QueryAPI, flux string) (*model.Table, error) {
	ds.logger.Debugf("executing flux query: %s", flux)

	result, err := queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, metexerr.New(metexerr.KindConnection, "failed to get data from influxdb", err)
	}

	table := model.NewTable()
	for result.Next() {
		p, ok := recordToPoint(result.Record())
		if !ok {
			ds.logger.Debugf("skipping non-numeric record for field %s", result.Record().Field())
			continue
		}
		table.Points = append(table.Points, p)
	}
	if err := result.Err(); err != nil {
		return nil, metexerr.New(metexerr.KindConnection, "failed to get data from influxdb", err)
	}
	return table, nil
}

// recordToPoint maps one Flux record to a canonical row: _time becomes the
// timestamp, _field the metric name, _value the value and every tag a label
// column.
func recordToPoint(rec *query.FluxRecord) (model.Point, bool) {
	value, ok := toFloat(rec.Value())
	if !ok {
		return model.Point{}, false
	}

	labels := map[string]string{}
	for k, v := range rec.Values() {
		if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
			continue
		}
		labels[k] = fmt.Sprint(v)
	}

	return model.Point{
		TS:     rec.Time().UTC(),
		Metric: rec.Field(),
		Value:  value,
		Labels: labels,
	}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func listMetricsQuery(bucket string) string {
	return fmt.Sprintf(`import "influxdata/influxdb/schema"

schema.fieldKeys(bucket: %q, predicate: (r) => true)`, bucket)
}

// fetchQuery builds the Flux pipeline for a window fetch: range, optional
// measurement filter, field membership filter.
func fetchQuery(bucket, measurement string, metrics []string, from, to time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", from.Format(time.RFC3339), to.Format(time.RFC3339))
	if measurement != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", measurement)
	}

	quoted := make([]string, 0, len(metrics))
	for _, m := range metrics {
		quoted = append(quoted, fmt.Sprintf("%q", m))
	}
	fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r._field, set: [%s]))", strings.Join(quoted, ", "))

	return b.String()
}

func (ds *DataSource) connectedQueryAPI(ctx context.Context) (influxapi.QueryAPI, error) {
	ds.mu.Lock()
	queryAPI := ds.query
	ds.mu.Unlock()
	if queryAPI != nil {
		return queryAPI, nil
	}

	if err := ds.Connect(ctx); err != nil {
		return nil, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.query, nil
}

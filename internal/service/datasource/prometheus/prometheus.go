// Package prometheus implements the datasource contract over a pull-based
// metrics server speaking the Prometheus HTTP API.
package prometheus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
	"github.com/whaeuser/metex/internal/service/log"
)

const (
	// defaultWindow is the lookback used when the caller gives no time
	// bounds.
	defaultWindow = 1 * time.Hour
	// widenBy is how far the window is stretched on each side when the
	// strict window filters every sample away.
	widenBy = 1 * time.Hour
	// functionStep is the resolution used for function query expressions.
	functionStep = 1 * time.Second
)

// functionQueryRegexp matches expressions calling functions like rate() or
// sum(), which need a range query instead of a range-vector selector.
var functionQueryRegexp = regexp.MustCompile(`[a-zA-Z_:][a-zA-Z0-9_:]*\(`)

// Config is the configuration of the Prometheus data source.
type Config struct {
	// Address is the base URL of the server.
	Address string
	// Username and Password are optional basic auth credentials.
	Username string
	Password string
	// SkipTLSVerify disables certificate verification.
	SkipTLSVerify bool
	// Headers are extra HTTP headers sent with every request.
	Headers map[string]string
	// Logger used by the data source, log.Dummy when nil.
	Logger log.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = log.Dummy
	}
}

// DataSource pulls metrics from a Prometheus server.
type DataSource struct {
	cfg    Config
	logger log.Logger

	mu  sync.Mutex
	api promv1.API
}

// New returns a Prometheus data source.
func New(cfg Config) *DataSource {
	cfg.defaults()
	return &DataSource{cfg: cfg, logger: cfg.Logger}
}

// Connect builds the API client and validates connectivity with an instant
// query. Calling it again re-validates the existing client.
func (ds *DataSource) Connect(ctx context.Context) error {
	ds.mu.Lock()
	if ds.api == nil {
		cli, err := api.NewClient(api.Config{
			Address:      ds.cfg.Address,
			RoundTripper: ds.roundTripper(),
		})
		if err != nil {
			ds.mu.Unlock()
			return metexerr.New(metexerr.KindConnection, "failed to create prometheus client", err)
		}
		ds.api = promv1.NewAPI(cli)
	}
	papi := ds.api
	ds.mu.Unlock()

	// Probe with a cheap instant query, the same check the server's own
	// targets answer.
	if _, _, err := papi.Query(ctx, "up", time.Now()); err != nil {
		return metexerr.New(metexerr.KindConnection, "failed to connect to prometheus", err)
	}
	return nil
}

// ListMetrics returns every metric name the server knows.
func (ds *DataSource) ListMetrics(ctx context.Context) ([]string, error) {
	papi, err := ds.connectedAPI(ctx)
	if err != nil {
		return nil, err
	}

	values, warnings, err := papi.LabelValues(ctx, "__name__", nil, time.Time{}, time.Time{})
	if err != nil {
		return nil, metexerr.New(metexerr.KindConnection, "failed to list prometheus metrics", err)
	}
	ds.logWarnings(warnings)

	metrics := make([]string, 0, len(values))
	for _, v := range values {
		metrics = append(metrics, string(v))
	}
	return metrics, nil
}

// FetchRange pulls the requested metrics over [from, to] and normalizes them
// into the canonical table. Plain metric names become range-vector selectors
// evaluated at the window's end, expressions with function calls go through
// a range query at 1s resolution. A metric expression that fails to query is
// logged and skipped without aborting the rest.
func (ds *DataSource) FetchRange(ctx context.Context, metrics []string, from, to time.Time) (*model.Table, error) {
	papi, err := ds.connectedAPI(ctx)
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

	table := model.NewTable()
	for _, metric := range metrics {
		points, err := ds.fetchMetric(ctx, papi, metric, from, to)
		if err != nil {
			ds.logger.Warningf("failed to get data for metric %s: %v", metric, err)
			continue
		}
		table.Points = append(table.Points, points...)
	}
	return table, nil
}

func (ds *DataSource) fetchMetric(ctx context.Context, papi promv1.API, metric string, from, to time.Time) ([]model.Point, error) {
	if isFunctionQuery(metric) {
		ds.logger.Debugf("handling function query: %s", metric)
		value, warnings, err := papi.QueryRange(ctx, metric, promv1.Range{Start: from, End: to, Step: functionStep})
		if err != nil {
			return nil, err
		}
		ds.logWarnings(warnings)
		// The original expression is the metric identifier, the series name
		// alone doesn't describe a derived value.
		return matrixToPoints(value, metric, true), nil
	}

	seconds := int64(to.Sub(from) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	selector := fmt.Sprintf("%s[%ds]", metric, seconds)
	ds.logger.Debugf("using range vector query: %s @ %s", selector, to)

	value, warnings, err := papi.Query(ctx, selector, to)
	if err != nil {
		return nil, err
	}
	ds.logWarnings(warnings)

	return ds.filterWindow(matrixToPoints(value, metric, false), from, to), nil
}

// filterWindow keeps the samples inside the strict window, retrying once
// with a widened window when the strict one filters everything away and
// falling back to all returned samples as a last resort.
func (ds *DataSource) filterWindow(points []model.Point, from, to time.Time) []model.Point {
	if len(points) == 0 {
		return points
	}

	raw := model.NewTable(points...)
	filtered := raw.FilterRange(from, to)
	if !filtered.Empty() {
		return filtered.Points
	}

	ds.logger.Warningf("no data after filtering, using extended time range")
	widened := raw.FilterRange(from.Add(-widenBy), to.Add(widenBy))
	if !widened.Empty() {
		return widened.Points
	}

	ds.logger.Warningf("no data even with extended range, using all available data")
	return raw.Points
}

// matrixToPoints flattens a matrix response into canonical rows. When
// useExpr is set the original expression names the rows instead of the
// series' __name__ label.
func matrixToPoints(value prommodel.Value, expr string, useExpr bool) []model.Point {
	matrix, ok := value.(prommodel.Matrix)
	if !ok {
		return nil
	}

	var points []model.Point
	for _, stream := range matrix {
		name := expr
		if !useExpr {
			name = string(stream.Metric[prommodel.MetricNameLabel])
		}

		labels := map[string]string{}
		for k, v := range stream.Metric {
			if k == prommodel.MetricNameLabel {
				continue
			}
			labels[string(k)] = string(v)
		}

		for _, sample := range stream.Values {
			points = append(points, model.Point{
				TS:     sample.Timestamp.Time().UTC(),
				Metric: name,
				Value:  float64(sample.Value),
				Labels: labels,
			})
		}
	}
	return points
}

func isFunctionQuery(query string) bool {
	return functionQueryRegexp.MatchString(query)
}

func (ds *DataSource) connectedAPI(ctx context.Context) (promv1.API, error) {
	ds.mu.Lock()
	papi := ds.api
	ds.mu.Unlock()
	if papi != nil {
		return papi, nil
	}

	if err := ds.Connect(ctx); err != nil {
		return nil, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.api, nil
}

func (ds *DataSource) roundTripper() http.RoundTripper {
	var rt http.RoundTripper = api.DefaultRoundTripper
	if ds.cfg.SkipTLSVerify {
		rt = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	if ds.cfg.Username == "" && len(ds.cfg.Headers) == 0 {
		return rt
	}
	return decoratedRoundTripper{
		rt:       rt,
		username: ds.cfg.Username,
		password: ds.cfg.Password,
		headers:  ds.cfg.Headers,
	}
}

func (ds *DataSource) logWarnings(warnings promv1.Warnings) {
	for _, w := range warnings {
		ds.logger.Debugf("prometheus warning: %s", w)
	}
}

// decoratedRoundTripper injects the configured headers and basic auth into
// every request.
type decoratedRoundTripper struct {
	rt       http.RoundTripper
	username string
	password string
	headers  map[string]string
}

func (d decoratedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}
	return d.rt.RoundTrip(req)
}

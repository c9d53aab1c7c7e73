package extract_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
	"github.com/whaeuser/metex/internal/service/extract"
)

type fetchCall struct {
	metrics []string
	from    time.Time
	to      time.Time
}

// mockSource is a recording data source. By default every fetch returns
// three rows per requested metric.
type mockSource struct {
	mu           sync.Mutex
	connectCalls int
	listCalls    int
	fetchCalls   []fetchCall

	metrics    []string
	connectErr error
	fetchErrs  map[string]error
	data       func(metrics []string, from, to time.Time) *model.Table

	inFlight    int32
	maxInFlight int32
	fetchDelay  time.Duration
}

func (m *mockSource) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	return m.connectErr
}

func (m *mockSource) ListMetrics(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return m.metrics, nil
}

func (m *mockSource) FetchRange(ctx context.Context, metrics []string, from, to time.Time) (*model.Table, error) {
	cur := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, cur) {
			break
		}
	}
	if m.fetchDelay > 0 {
		time.Sleep(m.fetchDelay)
	}

	m.mu.Lock()
	m.fetchCalls = append(m.fetchCalls, fetchCall{metrics: metrics, from: from, to: to})
	m.mu.Unlock()

	for _, metric := range metrics {
		if err, ok := m.fetchErrs[metric]; ok {
			return nil, err
		}
	}

	if m.data != nil {
		return m.data(metrics, from, to), nil
	}
	return defaultData(metrics, from, to), nil
}

func defaultData(metrics []string, from, to time.Time) *model.Table {
	if from.IsZero() {
		from = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	table := model.NewTable()
	for _, metric := range metrics {
		for i := 0; i < 3; i++ {
			table.Points = append(table.Points, model.Point{
				TS:     from.Add(time.Duration(i) * time.Minute),
				Metric: metric,
				Value:  float64(i),
			})
		}
	}
	return table
}

func (m *mockSource) calls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.fetchCalls...)
}

func TestExtractConnectsBeforeFetching(t *testing.T) {
	tests := []struct {
		name string
		req  extract.Request
	}{
		{
			name: "Per-metric mode connects exactly once",
			req:  extract.Request{Metrics: []string{"m1", "m2"}},
		},
		{
			name: "Combined mode connects exactly once",
			req:  extract.Request{Metrics: []string{"m1", "m2"}, Combined: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{}
			e := extract.NewExtractor(nil, nil)

			_, err := e.Extract(context.Background(), src, tt.req)

			require.NoError(t, err)
			assert.Equal(t, 1, src.connectCalls)
			assert.NotEmpty(t, src.calls())
		})
	}
}

func TestExtractCombinedPassesRequestThrough(t *testing.T) {
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		metrics []string
	}{
		{
			name:    "Explicit metric list is forwarded unmodified",
			metrics: []string{"m1", "m2"},
		},
		{
			name:    "Nil metric selection is forwarded without resolving",
			metrics: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{metrics: []string{"a", "b"}}
			e := extract.NewExtractor(nil, nil)

			_, err := e.Extract(context.Background(), src, extract.Request{
				Metrics:  tt.metrics,
				From:     from,
				To:       to,
				Combined: true,
			})

			require.NoError(t, err)
			calls := src.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.metrics, calls[0].metrics)
			assert.Equal(t, from, calls[0].from)
			assert.Equal(t, to, calls[0].to)
			assert.Equal(t, 0, src.listCalls)
		})
	}
}

func TestExtractPerMetric(t *testing.T) {
	src := &mockSource{}
	e := extract.NewExtractor(nil, nil)

	res, err := e.Extract(context.Background(), src, extract.Request{Metrics: []string{"a", "b"}})

	require.NoError(t, err)
	require.Nil(t, res.Artifact)
	require.Len(t, res.PerMetric, 2)

	for _, metric := range []string{"a", "b"} {
		artifact, ok := res.PerMetric[metric]
		require.True(t, ok, "missing artifact for %s", metric)

		table, ok := artifact.(*model.Table)
		require.True(t, ok)
		require.False(t, table.Empty())
		for _, p := range table.Points {
			assert.Equal(t, metric, p.Metric, "artifact for %s mixes in rows of %s", metric, p.Metric)
		}
	}
}

func TestExtractResolvesAllMetrics(t *testing.T) {
	src := &mockSource{metrics: []string{"m1", "m2", "m3"}}
	e := extract.NewExtractor(nil, nil)

	res, err := e.Extract(context.Background(), src, extract.Request{})

	require.NoError(t, err)
	assert.Equal(t, 1, src.listCalls)
	assert.Len(t, res.PerMetric, 3)
}

func TestExtractUnknownFormat(t *testing.T) {
	src := &mockSource{}
	e := extract.NewExtractor(nil, nil)

	_, err := e.Extract(context.Background(), src, extract.Request{
		Metrics: []string{"m1"},
		Format:  "does-not-exist",
	})

	require.Error(t, err)
	assert.True(t, metexerr.IsKind(err, metexerr.KindNotFound))
	assert.Equal(t, 0, src.connectCalls, "formatter lookup must fail before any I/O")
}

func TestExtractSkipsFailedMetric(t *testing.T) {
	src := &mockSource{
		fetchErrs: map[string]error{"bad": errors.New("query exploded")},
	}
	e := extract.NewExtractor(nil, nil)

	res, err := e.Extract(context.Background(), src, extract.Request{Metrics: []string{"good", "bad"}})

	require.NoError(t, err)
	assert.Contains(t, res.PerMetric, "good")
	assert.NotContains(t, res.PerMetric, "bad")
}

func TestExtractFormatsArtifacts(t *testing.T) {
	src := &mockSource{}
	e := extract.NewExtractor(nil, nil)

	tests := []struct {
		name     string
		format   string
		validate func(t *testing.T, artifact interface{})
	}{
		{
			name:   "table returns the canonical table",
			format: "table",
			validate: func(t *testing.T, artifact interface{}) {
				_, ok := artifact.(*model.Table)
				assert.True(t, ok)
			},
		},
		{
			name:   "dict returns a column to values mapping",
			format: "dict",
			validate: func(t *testing.T, artifact interface{}) {
				m, ok := artifact.(map[string][]interface{})
				require.True(t, ok)
				assert.Contains(t, m, "metric")
				assert.Contains(t, m, "value")
			},
		},
		{
			name:   "json returns a textual serialization",
			format: "json",
			validate: func(t *testing.T, artifact interface{}) {
				s, ok := artifact.(string)
				require.True(t, ok)
				assert.Contains(t, s, `"metric"`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Extract(context.Background(), src, extract.Request{
				Metrics: []string{"m1"},
				Format:  tt.format,
			})

			require.NoError(t, err)
			tt.validate(t, res.PerMetric["m1"])
		})
	}
}

func TestExtractParallelRequiresMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metrics []string
	}{
		{name: "Nil metrics", metrics: nil},
		{name: "Empty metrics", metrics: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{}
			e := extract.NewExtractor(nil, nil)

			_, err := e.ExtractParallel(context.Background(), src, extract.Request{Metrics: tt.metrics}, 4)

			require.Error(t, err)
			assert.True(t, metexerr.IsKind(err, metexerr.KindValidation))
			assert.Equal(t, 0, src.connectCalls, "validation must fail before touching the source")
			assert.Empty(t, src.calls())
		})
	}
}

func TestExtractParallelPerMetric(t *testing.T) {
	src := &mockSource{}
	e := extract.NewExtractor(nil, nil)

	res, err := e.ExtractParallel(context.Background(), src, extract.Request{Metrics: []string{"a", "b", "c"}}, 2)

	require.NoError(t, err)
	require.Len(t, res.PerMetric, 3)
	assert.Equal(t, 1, src.connectCalls)

	for _, metric := range []string{"a", "b", "c"} {
		table, ok := res.PerMetric[metric].(*model.Table)
		require.True(t, ok)
		for _, p := range table.Points {
			assert.Equal(t, metric, p.Metric)
		}
	}
}

func TestExtractParallelCombined(t *testing.T) {
	src := &mockSource{}
	e := extract.NewExtractor(nil, nil)

	res, err := e.ExtractParallel(context.Background(), src, extract.Request{
		Metrics:  []string{"a", "b"},
		Combined: true,
	}, 4)

	require.NoError(t, err)
	table, ok := res.Artifact.(*model.Table)
	require.True(t, ok)
	assert.Equal(t, 6, table.Len(), "combined table should hold the rows of both metrics")
}

func TestExtractParallelAbortsOnTaskFailure(t *testing.T) {
	boom := errors.New("task exploded")
	src := &mockSource{
		fetchErrs: map[string]error{"b": boom},
	}
	e := extract.NewExtractor(nil, nil)

	_, err := e.ExtractParallel(context.Background(), src, extract.Request{Metrics: []string{"a", "b", "c"}}, 4)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestExtractParallelBoundsWorkers(t *testing.T) {
	src := &mockSource{fetchDelay: 5 * time.Millisecond}
	e := extract.NewExtractor(nil, nil)

	metrics := make([]string, 16)
	for i := range metrics {
		metrics[i] = string(rune('a' + i))
	}

	_, err := e.ExtractParallel(context.Background(), src, extract.Request{Metrics: metrics}, 3)

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.maxInFlight), int32(3))
}

func TestExtractConnectionErrorSurfaces(t *testing.T) {
	connErr := metexerr.Newf(metexerr.KindConnection, "backend unreachable")
	src := &mockSource{connectErr: connErr}
	e := extract.NewExtractor(nil, nil)

	_, err := e.Extract(context.Background(), src, extract.Request{Metrics: []string{"m1"}})

	require.Error(t, err)
	assert.True(t, metexerr.IsKind(err, metexerr.KindConnection))
}

package extract

import (
	"context"
	"time"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/service/datasource"
	"github.com/whaeuser/metex/internal/service/format"
)

// Iterator walks an extraction time range chunk by chunk. Each chunk is
// fetched only when the consumer asks for it, nothing is prefetched, so
// stopping the pulls is all the cancellation there is.
//
//	it, err := extractor.ExtractIncremental(ctx, src, req, 24*time.Hour)
//	for it.Next(ctx) {
//		use(it.Chunk())
//	}
//	err = it.Err()
type Iterator struct {
	extractor *Extractor
	source    datasource.DataSource
	metrics   []string
	formatter format.Formatter
	combined  bool

	cursor time.Time
	end    time.Time
	chunk  time.Duration

	current *Result
	err     error
	done    bool
}

// ExtractIncremental prepares a lazy chunked extraction over
// [req.From, req.To) split into consecutive chunkSize intervals, the last
// one clipped to req.To.
//
// Missing time bounds are discovered with one unbounded probe fetch; a probe
// returning no rows yields an immediately exhausted iterator, not an error.
func (e *Extractor) ExtractIncremental(ctx context.Context, src datasource.DataSource, req Request, chunkSize time.Duration) (*Iterator, error) {
	if chunkSize <= 0 {
		return nil, metexerr.Newf(metexerr.KindValidation, "chunk size must be positive, got %v", chunkSize)
	}

	f, err := e.formats.Get(req.format())
	if err != nil {
		return nil, err
	}

	if err := src.Connect(ctx); err != nil {
		return nil, err
	}

	metrics, err := e.resolveMetrics(ctx, src, req.Metrics)
	if err != nil {
		return nil, err
	}

	from, to := req.From, req.To
	if from.IsZero() || to.IsZero() {
		probe, err := src.FetchRange(ctx, metrics, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		if probe.Empty() {
			return &Iterator{done: true}, nil
		}
		if from.IsZero() {
			from = probe.MinTS()
		}
		if to.IsZero() {
			to = probe.MaxTS()
		}
	}

	return &Iterator{
		extractor: e,
		source:    src,
		metrics:   metrics,
		formatter: f,
		combined:  req.Combined,
		cursor:    from,
		end:       to,
		chunk:     chunkSize,
	}, nil
}

// Next fetches the next chunk. It returns false when the range is exhausted
// or a chunk failed, in which case Err reports the failure.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil || !it.cursor.Before(it.end) {
		it.done = true
		return false
	}

	chunkEnd := it.cursor.Add(it.chunk)
	if chunkEnd.After(it.end) {
		chunkEnd = it.end
	}

	result, err := it.extract(ctx, it.cursor, chunkEnd)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}

	it.current = result
	it.cursor = chunkEnd
	return true
}

// Chunk returns the result produced by the last successful Next call.
func (it *Iterator) Chunk() *Result {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) extract(ctx context.Context, from, to time.Time) (*Result, error) {
	if it.combined {
		table, err := it.source.FetchRange(ctx, it.metrics, from, to)
		if err != nil {
			return nil, err
		}
		artifact, err := it.formatter(table)
		if err != nil {
			return nil, err
		}
		return &Result{Artifact: artifact}, nil
	}

	results := make(map[string]interface{}, len(it.metrics))
	for _, metric := range it.metrics {
		table, err := it.source.FetchRange(ctx, []string{metric}, from, to)
		if err != nil {
			it.extractor.logger.Warningf("failed to extract chunk of metric %s, skipping: %v", metric, err)
			continue
		}
		artifact, err := it.formatter(table)
		if err != nil {
			return nil, err
		}
		results[metric] = artifact
	}
	return &Result{PerMetric: results}, nil
}

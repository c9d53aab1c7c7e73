// Package format holds the registry of output formatters that turn the
// canonical metrics table into an exchange artifact.
package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
)

// Formatter is a pure function mapping one tabular dataset to one output
// artifact: the same table, a reshaped container, a textual serialization or
// a binary blob.
type Formatter func(t *model.Table) (interface{}, error)

// Registry stores a mapping of format names to formatter functions.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
}

// NewRegistry allocates a registry with all built-in formatters registered.
func NewRegistry() *Registry {
	r := &Registry{formatters: map[string]Formatter{}}

	r.Register("table", formatTable)
	r.Register("columns", formatColumns)
	r.Register("dict", formatDict)
	r.Register("csv", formatCSV)
	r.Register("json", formatJSON)
	r.Register("parquet", formatParquet)
	r.Register("msgpack", formatMsgpack)
	r.Register("cbor", formatCBOR)

	return r
}

// Default is the process-wide registry. Built-ins are registered before any
// user of the package can look them up.
var Default = NewRegistry()

// Register adds a formatter by name. Registering an existing name silently
// replaces the previous formatter, user-defined formats may shadow the
// built-ins.
func (r *Registry) Register(name string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[name] = f
}

// Get fetches a formatter by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[name]
	if !ok {
		return nil, metexerr.Newf(metexerr.KindNotFound, "unknown formatter: %s", name)
	}
	return f, nil
}

// Names returns the sorted format names registered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns is the columnar-arrays artifact: one typed slice per core column
// and one string slice per label column, all aligned by row index. Rows
// missing a label carry an empty string.
type Columns struct {
	Timestamps []time.Time
	Metrics    []string
	Values     []float64
	Labels     map[string][]string
}

func formatTable(t *model.Table) (interface{}, error) {
	return t, nil
}

func formatColumns(t *model.Table) (interface{}, error) {
	c := &Columns{
		Timestamps: make([]time.Time, 0, t.Len()),
		Metrics:    make([]string, 0, t.Len()),
		Values:     make([]float64, 0, t.Len()),
		Labels:     map[string][]string{},
	}
	for _, name := range labelColumns(t) {
		c.Labels[name] = make([]string, 0, t.Len())
	}

	for _, p := range t.Points {
		c.Timestamps = append(c.Timestamps, p.TS)
		c.Metrics = append(c.Metrics, p.Metric)
		c.Values = append(c.Values, p.Value)
		for name := range c.Labels {
			c.Labels[name] = append(c.Labels[name], p.Labels[name])
		}
	}
	return c, nil
}

func formatDict(t *model.Table) (interface{}, error) {
	cols := t.Columns()
	out := make(map[string][]interface{}, len(cols))
	for _, name := range cols {
		out[name] = make([]interface{}, 0, t.Len())
	}

	for _, p := range t.Points {
		out["timestamp"] = append(out["timestamp"], p.TS)
		out["metric"] = append(out["metric"], p.Metric)
		if model.IsMissing(p.Value) {
			out["value"] = append(out["value"], nil)
		} else {
			out["value"] = append(out["value"], p.Value)
		}
		for _, name := range cols[3:] {
			if v, ok := p.Labels[name]; ok {
				out[name] = append(out[name], v)
			} else {
				out[name] = append(out[name], nil)
			}
		}
	}
	return out, nil
}

func formatCSV(t *model.Table) (interface{}, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	cols := t.Columns()
	if err := w.Write(cols); err != nil {
		return nil, err
	}

	record := make([]string, len(cols))
	for _, p := range t.Points {
		record[0] = p.TS.UTC().Format(time.RFC3339Nano)
		record[1] = p.Metric
		if model.IsMissing(p.Value) {
			record[2] = ""
		} else {
			record[2] = strconv.FormatFloat(p.Value, 'g', -1, 64)
		}
		for i, name := range cols[3:] {
			record[3+i] = p.Labels[name]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.String(), nil
}

func formatJSON(t *model.Table) (interface{}, error) {
	b, err := json.Marshal(records(t, true))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// records reshapes the table into a record-oriented slice. JSON cannot carry
// NaN so nullMissing replaces missing values with nil.
func records(t *model.Table, nullMissing bool) []map[string]interface{} {
	cols := t.Columns()
	out := make([]map[string]interface{}, 0, t.Len())
	for _, p := range t.Points {
		rec := map[string]interface{}{
			"timestamp": p.TS.UTC().Format(time.RFC3339Nano),
			"metric":    p.Metric,
		}
		if nullMissing && model.IsMissing(p.Value) {
			rec["value"] = nil
		} else {
			rec["value"] = p.Value
		}
		for _, name := range cols[3:] {
			if v, ok := p.Labels[name]; ok {
				rec[name] = v
			} else {
				rec[name] = nil
			}
		}
		out = append(out, rec)
	}
	return out
}

func labelColumns(t *model.Table) []string {
	return t.Columns()[3:]
}

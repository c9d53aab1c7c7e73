package model

import (
	"math"
	"sort"
	"time"
)

// Point is one measured value of a metric at a point in time. TS is always
// UTC, adapters own the normalization. Value may be NaN to mark a missing
// sample in a gapped series.
type Point struct {
	TS     time.Time
	Metric string
	Value  float64
	Labels map[string]string
}

// Table is the canonical tabular exchange format all data sources produce:
// timestamp-indexed rows with a metric identifier, a value and optional
// label columns.
type Table struct {
	Points []Point
}

// NewTable returns a table over the received points.
func NewTable(points ...Point) *Table {
	return &Table{Points: points}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Points)
}

// Empty returns true when the table has no rows.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Columns returns the column names in stable order: timestamp, metric, value
// and then the union of label keys sorted alphabetically.
func (t *Table) Columns() []string {
	cols := []string{"timestamp", "metric", "value"}
	if t == nil {
		return cols
	}

	seen := map[string]struct{}{}
	for _, p := range t.Points {
		for k := range p.Labels {
			seen[k] = struct{}{}
		}
	}

	labels := make([]string, 0, len(seen))
	for k := range seen {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	return append(cols, labels...)
}

// FilterRange returns a new table keeping only the rows inside [from, to].
// A zero bound leaves that side unbounded.
func (t *Table) FilterRange(from, to time.Time) *Table {
	if t == nil {
		return NewTable()
	}

	points := make([]Point, 0, len(t.Points))
	for _, p := range t.Points {
		if !from.IsZero() && p.TS.Before(from) {
			continue
		}
		if !to.IsZero() && p.TS.After(to) {
			continue
		}
		points = append(points, p)
	}
	return &Table{Points: points}
}

// MinTS returns the smallest timestamp in the table, zero when empty.
func (t *Table) MinTS() time.Time {
	var min time.Time
	if t == nil {
		return min
	}
	for _, p := range t.Points {
		if min.IsZero() || p.TS.Before(min) {
			min = p.TS
		}
	}
	return min
}

// MaxTS returns the largest timestamp in the table, zero when empty.
func (t *Table) MaxTS() time.Time {
	var max time.Time
	if t == nil {
		return max
	}
	for _, p := range t.Points {
		if p.TS.After(max) {
			max = p.TS
		}
	}
	return max
}

// SortByTime orders the rows by ascending timestamp in place. The sort is
// stable so rows of different metrics sharing a timestamp keep their
// relative order.
func (t *Table) SortByTime() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Points, func(i, j int) bool {
		return t.Points[i].TS.Before(t.Points[j].TS)
	})
}

// Concat appends all rows of the received tables, row-wise, into a new
// table. Nil tables are skipped.
func Concat(tables ...*Table) *Table {
	out := NewTable()
	for _, t := range tables {
		if t == nil {
			continue
		}
		out.Points = append(out.Points, t.Points...)
	}
	return out
}

// IsMissing returns true when the value marks a gap.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Missing is the value adapters use for a gap in a series.
func Missing() float64 {
	return math.NaN()
}

// TimeRange represents a time range for queries. Zero bounds are unset and
// default per data source.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

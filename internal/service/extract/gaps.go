package extract

import (
	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
)

// FillPolicy selects how FillGaps replaces missing values.
type FillPolicy string

const (
	// FillInterpolate linearly interpolates, by position, between the
	// nearest known values on either side of a gap.
	FillInterpolate FillPolicy = "interpolate"
	// FillForward propagates the last known value forward. A leading gap
	// stays unfilled.
	FillForward FillPolicy = "ffill"
	// FillBackward propagates the next known value backward. A trailing gap
	// stays unfilled.
	FillBackward FillPolicy = "bfill"
)

// FillGaps returns a copy of the table with missing values along the sorted
// time index filled according to the policy. It is orthogonal to extraction
// and can be applied to any extracted table.
func FillGaps(t *model.Table, policy FillPolicy) (*model.Table, error) {
	switch policy {
	case FillInterpolate, FillForward, FillBackward:
	default:
		return nil, metexerr.Newf(metexerr.KindValidation, "unknown gap policy: %s", policy)
	}

	out := model.NewTable(append([]model.Point(nil), t.Points...)...)
	out.SortByTime()

	values := make([]float64, out.Len())
	for i, p := range out.Points {
		values[i] = p.Value
	}

	switch policy {
	case FillInterpolate:
		interpolate(values)
	case FillForward:
		fillForward(values)
	case FillBackward:
		fillBackward(values)
	}

	for i := range out.Points {
		out.Points[i].Value = values[i]
	}
	return out, nil
}

// interpolate fills interior gaps linearly between the surrounding known
// values. Leading gaps stay missing, trailing gaps carry the last known
// value forward.
func interpolate(values []float64) {
	prev := -1
	for i := 0; i < len(values); i++ {
		if model.IsMissing(values[i]) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			step := (values[i] - values[prev]) / float64(i-prev)
			for j := prev + 1; j < i; j++ {
				values[j] = values[prev] + step*float64(j-prev)
			}
		}
		prev = i
	}

	// Trailing gap: no right neighbor to interpolate towards.
	if prev >= 0 {
		for j := prev + 1; j < len(values); j++ {
			values[j] = values[prev]
		}
	}
}

func fillForward(values []float64) {
	last := model.Missing()
	for i := range values {
		if model.IsMissing(values[i]) {
			values[i] = last
		} else {
			last = values[i]
		}
	}
}

func fillBackward(values []float64) {
	next := model.Missing()
	for i := len(values) - 1; i >= 0; i-- {
		if model.IsMissing(values[i]) {
			values[i] = next
		} else {
			next = values[i]
		}
	}
}

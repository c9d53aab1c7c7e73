package format

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/whaeuser/metex/internal/model"
)

// parquetRow is the fixed parquet schema of the canonical table. Label
// columns ride in a string map so arbitrary label keys survive without a
// per-export schema.
type parquetRow struct {
	Timestamp int64             `parquet:"timestamp"`
	Metric    string            `parquet:"metric"`
	Value     float64           `parquet:"value"`
	Labels    map[string]string `parquet:"labels"`
}

func formatParquet(t *model.Table) (interface{}, error) {
	rows := make([]parquetRow, 0, t.Len())
	for _, p := range t.Points {
		rows = append(rows, parquetRow{
			Timestamp: p.TS.UTC().UnixNano(),
			Metric:    p.Metric,
			Value:     p.Value,
			Labels:    p.Labels,
		})
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[parquetRow](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatMsgpack(t *model.Table) (interface{}, error) {
	b, err := msgpack.Marshal(records(t, false))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func formatCBOR(t *model.Table) (interface{}, error) {
	doc := map[string]interface{}{}

	ts := make([]int64, 0, t.Len())
	metrics := make([]string, 0, t.Len())
	values := make([]float64, 0, t.Len())
	labels := map[string][]string{}
	for _, name := range labelColumns(t) {
		labels[name] = make([]string, 0, t.Len())
	}

	for _, p := range t.Points {
		ts = append(ts, p.TS.UTC().UnixNano())
		metrics = append(metrics, p.Metric)
		values = append(values, p.Value)
		for name := range labels {
			labels[name] = append(labels[name], p.Labels[name])
		}
	}

	doc["timestamp"] = ts
	doc["metric"] = metrics
	doc["value"] = values
	for name, col := range labels {
		doc[name] = col
	}

	b, err := cbor.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return b, nil
}

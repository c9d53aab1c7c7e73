package format_test

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/whaeuser/metex/internal/metexerr"
	"github.com/whaeuser/metex/internal/model"
	"github.com/whaeuser/metex/internal/service/format"
)

func testTable() *model.Table {
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NewTable(
		model.Point{TS: base, Metric: "cpu", Value: 0.5, Labels: map[string]string{"server_name": "a"}},
		model.Point{TS: base.Add(time.Minute), Metric: "cpu", Value: 0.7, Labels: map[string]string{"server_name": "b"}},
		model.Point{TS: base.Add(2 * time.Minute), Metric: "mem", Value: 1024},
	)
}

func TestRegistryReRegisterReplaces(t *testing.T) {
	r := format.NewRegistry()

	r.Register("custom", func(*model.Table) (interface{}, error) { return "old", nil })
	r.Register("custom", func(*model.Table) (interface{}, error) { return "new", nil })

	f, err := r.Get("custom")
	require.NoError(t, err)

	artifact, err := f(nil)
	require.NoError(t, err)
	assert.Equal(t, "new", artifact)
}

func TestRegistryUnknownName(t *testing.T) {
	r := format.NewRegistry()

	_, err := r.Get("no-such-format")

	require.Error(t, err)
	assert.True(t, metexerr.IsKind(err, metexerr.KindNotFound))
}

func TestRegistryBuiltins(t *testing.T) {
	names := format.NewRegistry().Names()

	for _, name := range []string{"table", "columns", "dict", "csv", "json", "parquet", "msgpack", "cbor"} {
		assert.Contains(t, names, name)
	}
}

func TestFormatTableIsIdentity(t *testing.T) {
	table := testTable()
	f, err := format.Default.Get("table")
	require.NoError(t, err)

	artifact, err := f(table)

	require.NoError(t, err)
	assert.Same(t, table, artifact)
}

func TestFormatColumns(t *testing.T) {
	f, err := format.Default.Get("columns")
	require.NoError(t, err)

	artifact, err := f(testTable())
	require.NoError(t, err)

	c, ok := artifact.(*format.Columns)
	require.True(t, ok)
	assert.Equal(t, []string{"cpu", "cpu", "mem"}, c.Metrics)
	assert.Equal(t, []float64{0.5, 0.7, 1024}, c.Values)
	assert.Len(t, c.Timestamps, 3)
	require.Contains(t, c.Labels, "server_name")
	assert.Equal(t, []string{"a", "b", ""}, c.Labels["server_name"])
}

func TestFormatDict(t *testing.T) {
	f, err := format.Default.Get("dict")
	require.NoError(t, err)

	artifact, err := f(testTable())
	require.NoError(t, err)

	m, ok := artifact.(map[string][]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"cpu", "cpu", "mem"}, m["metric"])
	assert.Equal(t, []interface{}{0.5, 0.7, 1024.0}, m["value"])
	assert.Equal(t, []interface{}{"a", "b", nil}, m["server_name"])
}

func TestFormatCSV(t *testing.T) {
	f, err := format.Default.Get("csv")
	require.NoError(t, err)

	artifact, err := f(testTable())
	require.NoError(t, err)

	s, ok := artifact.(string)
	require.True(t, ok)

	records, err := csv.NewReader(bytes.NewBufferString(s)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4, "header plus three rows")
	assert.Equal(t, []string{"timestamp", "metric", "value", "server_name"}, records[0])
	assert.Equal(t, "cpu", records[1][1])
	assert.Equal(t, "0.5", records[1][2])
	assert.Equal(t, "a", records[1][3])
	assert.Equal(t, "", records[3][3], "row without the label gets an empty cell")
}

func TestFormatJSONRoundTrips(t *testing.T) {
	table := testTable()
	f, err := format.Default.Get("json")
	require.NoError(t, err)

	artifact, err := f(table)
	require.NoError(t, err)

	s, ok := artifact.(string)
	require.True(t, ok)

	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &records))
	require.Len(t, records, table.Len())

	for i, rec := range records {
		assert.Equal(t, table.Points[i].Metric, rec["metric"])
		assert.Equal(t, table.Points[i].Value, rec["value"])
	}
	assert.Equal(t, "a", records[0]["server_name"])
	assert.Nil(t, records[2]["server_name"])
}

func TestFormatMsgpackRoundTrips(t *testing.T) {
	table := testTable()
	f, err := format.Default.Get("msgpack")
	require.NoError(t, err)

	artifact, err := f(table)
	require.NoError(t, err)

	b, ok := artifact.([]byte)
	require.True(t, ok)

	var records []map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(b, &records))
	require.Len(t, records, table.Len())

	assert.Equal(t, "cpu", records[0]["metric"])
	assert.Equal(t, 0.5, records[0]["value"])
	assert.Equal(t, "a", records[0]["server_name"])
}

func TestFormatCBORRoundTrips(t *testing.T) {
	table := testTable()
	f, err := format.Default.Get("cbor")
	require.NoError(t, err)

	artifact, err := f(table)
	require.NoError(t, err)

	b, ok := artifact.([]byte)
	require.True(t, ok)

	var doc map[string]interface{}
	require.NoError(t, cbor.Unmarshal(b, &doc))

	for _, col := range []string{"timestamp", "metric", "value", "server_name"} {
		assert.Contains(t, doc, col, "column names must survive the container")
	}
}

func TestFormatParquetContainer(t *testing.T) {
	f, err := format.Default.Get("parquet")
	require.NoError(t, err)

	tests := []struct {
		name  string
		table *model.Table
	}{
		{name: "Populated table", table: testTable()},
		{name: "Empty table", table: model.NewTable()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact, err := f(tt.table)
			require.NoError(t, err)

			b, ok := artifact.([]byte)
			require.True(t, ok)
			require.GreaterOrEqual(t, len(b), 8)
			assert.Equal(t, []byte("PAR1"), b[:4])
			assert.Equal(t, []byte("PAR1"), b[len(b)-4:])
		})
	}
}

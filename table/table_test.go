package table

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

func sample(t *testing.T) *Table {
	t.Helper()
	tb := New(3)
	require.NoError(t, tb.SetString("zipcode", []string{"02134", "10001", ""}, []bool{false, false, true}))
	require.NoError(t, tb.SetNumeric("num_returns", []float64{100, math.NaN(), 300}))
	require.NoError(t, tb.SetNumeric("total_agi", []float64{5000, 6000, 7000}))
	return tb
}

func TestTableBasics(t *testing.T) {
	tb := sample(t)
	assert.Equal(t, 3, tb.NRows())
	assert.Equal(t, []string{"zipcode", "num_returns", "total_agi"}, tb.Names())
	assert.Equal(t, []string{"num_returns", "total_agi"}, tb.NumericNames())
	assert.InDelta(t, 1.0/3, tb.MissingFraction("num_returns"), 1e-12)
	assert.InDelta(t, 1.0/3, tb.MissingFraction("zipcode"), 1e-12)

	err := tb.SetNumeric("short", []float64{1})
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	require.NoError(t, tb.SetNumeric("num_returns", []float64{1, 2, 3}))
	assert.Equal(t, []string{"zipcode", "num_returns", "total_agi"}, tb.Names(), "replace keeps position")
}

func TestCloneIsDeep(t *testing.T) {
	tb := sample(t)
	cp := tb.Clone()
	v, _ := cp.Numeric("total_agi")
	v[0] = -1
	cp.Drop("zipcode")

	orig, _ := tb.Numeric("total_agi")
	assert.Equal(t, 5000.0, orig[0])
	assert.True(t, tb.Has("zipcode"))
	assert.False(t, cp.Has("zipcode"))
}

func TestFilter(t *testing.T) {
	tb := sample(t)
	out, err := tb.Filter([]bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.NRows())
	zips, _ := out.Strings("zipcode")
	assert.Equal(t, "02134", zips[0])
}

func TestFromRecords(t *testing.T) {
	tb := FromRecords([]map[string]float64{{"b": 1, "a": 2}, {"a": 3}})
	assert.Equal(t, []string{"a", "b"}, tb.Names())
	b, _ := tb.Numeric("b")
	assert.True(t, math.IsNaN(b[1]))
}

func TestCSVRoundTripKeepsIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.csv")
	content := "zipcode,state_fips,num_returns,total_agi,county_name\n" +
		"02134,06,100,5000.5,Alpha\n" +
		"10001,36,,6000,\n" +
		"00501,36,300,NA,Gamma\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tb, err := Load(path, LoadOptions{IdentifierColumns: []string{"zipcode", "state_fips"}})
	require.NoError(t, err)

	zips, ok := tb.Strings("zipcode")
	require.True(t, ok)
	assert.Equal(t, []string{"02134", "10001", "00501"}, zips)
	states, ok := tb.Strings("state_fips")
	require.True(t, ok)
	assert.Equal(t, "06", states[0])

	returns, ok := tb.Numeric("num_returns")
	require.True(t, ok)
	assert.True(t, math.IsNaN(returns[1]))
	agi, _ := tb.Numeric("total_agi")
	assert.Equal(t, 5000.5, agi[0])
	assert.True(t, math.IsNaN(agi[2]))

	names, _ := tb.Column("county_name")
	assert.Equal(t, String, names.Kind)
	assert.True(t, names.Missing[1])

	out := filepath.Join(t.TempDir(), "out", "copy.csv")
	require.NoError(t, Save(tb, out))
	back, err := Load(out, LoadOptions{IdentifierColumns: []string{"zipcode", "state_fips"}})
	require.NoError(t, err)
	agi2, _ := back.Numeric("total_agi")
	assert.Equal(t, 5000.5, agi2[0])
	zips2, _ := back.Strings("zipcode")
	assert.Equal(t, zips, zips2)
}

func TestLoadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counties.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"fips", "num_returns", "county_name"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"01001", 250, "Autauga"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"01003", nil, "Baldwin"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	tb, err := Load(path, LoadOptions{IdentifierColumns: []string{"fips"}})
	require.NoError(t, err)
	fips, ok := tb.Strings("fips")
	require.True(t, ok)
	assert.Equal(t, "01001", fips[0])
	returns, ok := tb.Numeric("num_returns")
	require.True(t, ok)
	assert.Equal(t, 250.0, returns[0])
	assert.True(t, math.IsNaN(returns[1]))
}

func TestXLSXSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.xlsx")
	require.NoError(t, Save(sample(t), path))
	back, err := Load(path, LoadOptions{IdentifierColumns: []string{"zipcode"}})
	require.NoError(t, err)
	assert.Equal(t, 3, back.NRows())
	agi, _ := back.Numeric("total_agi")
	assert.Equal(t, []float64{5000, 6000, 7000}, agi)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.csv"), LoadOptions{})
	var nf *errors.DataNotFoundError
	assert.True(t, errors.As(err, &nf))

	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err = Load(path, LoadOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotImplemented))
}

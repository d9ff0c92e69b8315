package table

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/xuri/excelize/v2"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// missingTokens are the cell values read as missing.
var missingTokens = []string{"", "NA", "N/A", "NaN", "nan", "null", "None", "<nil>"}

// LoadOptions controls how files are parsed into a Table.
type LoadOptions struct {
	// IdentifierColumns are always loaded as strings so that fixed-width
	// codes like ZIP "02134" keep their zero padding.
	IdentifierColumns []string
}

// Load reads a table from path. The format is chosen by extension: .csv
// or .xlsx (first sheet). A missing file yields a DataNotFoundError.
func Load(path string, opts LoadOptions) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewDataNotFoundError("table", path)
		}
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path, opts)
	case ".xlsx":
		return loadXLSX(path, opts)
	default:
		return nil, errors.Wrapf(errors.ErrNotImplemented, "unsupported table format %q", filepath.Ext(path))
	}
}

func loadCSV(path string, opts LoadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	types := make(map[string]series.Type, len(opts.IdentifierColumns))
	for _, c := range opts.IdentifierColumns {
		types[c] = series.String
	}

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(types),
		dataframe.NaNValues(missingTokens),
	)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %s", path)
	}
	return fromDataFrame(df)
}

func fromDataFrame(df dataframe.DataFrame) (*Table, error) {
	t := New(df.Nrow())
	for _, name := range df.Names() {
		s := df.Col(name)
		var err error
		switch s.Type() {
		case series.Float, series.Int, series.Bool:
			err = t.SetNumeric(name, s.Float())
		default:
			err = t.SetString(name, s.Records(), s.IsNaN())
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func loadXLSX(path string, opts LoadOptions) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sheet %s", sheets[0])
	}
	if len(rows) < 2 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "sheet %s has no data rows", sheets[0])
	}
	return fromRecords(rows[0], rows[1:], opts)
}

// fromRecords infers column kinds from text cells: a column is numeric when
// every non-missing cell parses as a float and it is not an identifier.
func fromRecords(header []string, rows [][]string, opts LoadOptions) (*Table, error) {
	ids := make(map[string]bool, len(opts.IdentifierColumns))
	for _, c := range opts.IdentifierColumns {
		ids[c] = true
	}

	t := New(len(rows))
	for j, name := range header {
		raw := make([]string, len(rows))
		missing := make([]bool, len(rows))
		numeric := !ids[name]
		for i, row := range rows {
			if j < len(row) {
				raw[i] = strings.TrimSpace(row[j])
			}
			missing[i] = isMissingToken(raw[i])
			if numeric && !missing[i] {
				if _, err := strconv.ParseFloat(raw[i], 64); err != nil {
					numeric = false
				}
			}
		}

		var err error
		if numeric {
			vals := make([]float64, len(rows))
			for i := range raw {
				if missing[i] {
					vals[i] = math.NaN()
					continue
				}
				vals[i], _ = strconv.ParseFloat(raw[i], 64)
			}
			err = t.SetNumeric(name, vals)
		} else {
			err = t.SetString(name, raw, missing)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func isMissingToken(s string) bool {
	for _, tok := range missingTokens {
		if s == tok {
			return true
		}
	}
	return false
}

// Save writes the table to path, creating parent directories. The format
// is chosen by extension like Load.
func Save(t *Table, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return saveCSV(t, path)
	case ".xlsx":
		return saveXLSX(t, path)
	default:
		return errors.Wrapf(errors.ErrNotImplemented, "unsupported table format %q", filepath.Ext(path))
	}
}

// ToDataFrame converts the table to a gota DataFrame. Numeric values are
// rendered with full precision.
func ToDataFrame(t *Table) dataframe.DataFrame {
	cols := make([]series.Series, 0, t.NCols())
	for _, c := range t.Columns() {
		cols = append(cols, series.New(cellStrings(c), series.String, c.Name))
	}
	return dataframe.New(cols...)
}

func cellStrings(c *Column) []string {
	out := make([]string, c.Len())
	for i := range out {
		switch {
		case c.IsMissing(i):
			out[i] = "NaN"
		case c.Kind == Numeric:
			out[i] = strconv.FormatFloat(c.Num[i], 'g', -1, 64)
		default:
			out[i] = c.Str[i]
		}
	}
	return out
}

func saveCSV(t *Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	if err := ToDataFrame(t).WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}

func saveXLSX(t *Table, path string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := make([]interface{}, t.NCols())
	for j, name := range t.Names() {
		header[j] = name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return errors.Wrap(err, "failed to write header")
	}

	cols := t.Columns()
	for i := 0; i < t.NRows(); i++ {
		row := make([]interface{}, len(cols))
		for j, c := range cols {
			switch {
			case c.IsMissing(i):
				row[j] = nil
			case c.Kind == Numeric:
				row[j] = c.Num[i]
			default:
				row[j] = c.Str[i]
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return errors.Wrap(err, "failed to address cell")
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrapf(err, "failed to write row %d", i)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "failed to save %s", path)
	}
	return nil
}

package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/table"
)

// OutlierIQRMultiplier is the Tukey fence used for the target summary.
const OutlierIQRMultiplier = 1.5

// CheckMissingValues returns the missing fraction of every column above
// threshold.
func CheckMissingValues(t *table.Table, threshold float64) map[string]float64 {
	out := make(map[string]float64)
	for _, name := range t.Names() {
		if f := t.MissingFraction(name); f > threshold {
			out[name] = f
		}
	}
	return out
}

// ValidateSchema fails with a MissingRequiredColumnError listing every
// required column absent from t.
func ValidateSchema(t *table.Table, required []string) error {
	var missing []string
	for _, name := range required {
		if !t.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingRequiredColumnError(missing...)
	}
	return nil
}

// DetectOutliersIQR flags rows of a numeric column outside
// [Q1 - multiplier*IQR, Q3 + multiplier*IQR]. Quartiles use linear
// interpolation between order statistics. Missing values are never flagged.
func DetectOutliersIQR(t *table.Table, column string, multiplier float64) ([]bool, error) {
	col, ok := t.Numeric(column)
	if !ok {
		return nil, errors.NewMissingRequiredColumnError(column)
	}
	clean := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	out := make([]bool, len(col))
	if len(clean) == 0 {
		return out, nil
	}
	sort.Float64s(clean)
	q1 := quantile(0.25, clean)
	q3 := quantile(0.75, clean)
	iqr := q3 - q1
	lo, hi := q1-multiplier*iqr, q3+multiplier*iqr
	for i, v := range col {
		out[i] = !math.IsNaN(v) && (v < lo || v > hi)
	}
	return out, nil
}

// quantile computes the p-quantile of sorted at position (n-1)p with
// linear interpolation, the pandas default.
func quantile(p float64, sorted []float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Describe summarises a numeric column: count of non-missing values, mean,
// standard deviation, min and max.
type Describe struct {
	Count          int
	Mean, Std      float64
	Min, Max       float64
	MissingPercent float64
}

// DescribeColumn computes summary statistics over the non-missing values.
func DescribeColumn(t *table.Table, column string) (Describe, error) {
	col, ok := t.Numeric(column)
	if !ok {
		return Describe{}, errors.NewMissingRequiredColumnError(column)
	}
	clean := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	d := Describe{Count: len(clean), MissingPercent: 100 * t.MissingFraction(column)}
	if len(clean) == 0 {
		d.Mean, d.Std, d.Min, d.Max = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		return d, nil
	}
	d.Mean, d.Std = stat.MeanStdDev(clean, nil)
	sort.Float64s(clean)
	d.Min, d.Max = clean[0], clean[len(clean)-1]
	return d, nil
}

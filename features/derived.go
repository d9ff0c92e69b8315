package features

import (
	"math"
	"strings"

	"github.com/YuminosukeSato/agipredict/table"
)

// DerivedFeature declares one computed column. The engine skips an entry
// when any of its Inputs is missing from the table; Optional inputs are
// read as 0 when absent.
type DerivedFeature struct {
	Name     string
	Inputs   []string
	Optional []string
	// Compute receives one value per Inputs entry followed by one per
	// Optional entry, in declaration order.
	Compute func(v []float64) float64
}

// ratio returns num / (den + 1). The +1 smoothing matches artifacts
// trained by earlier versions and must not be changed.
func ratio(num, den float64) float64 { return num / (den + 1) }

func ratioOf(name, num, den string) DerivedFeature {
	return DerivedFeature{
		Name:    name,
		Inputs:  []string{num, den},
		Compute: func(v []float64) float64 { return ratio(v[0], v[1]) },
	}
}

var derivedFeatures = []DerivedFeature{
	ratioOf("wages_ratio", "total_wages", "total_income"),
	ratioOf("dividends_ratio", "dividends", "total_income"),
	{
		Name:    "pop_density",
		Inputs:  []string{"total_population", "area_sq_km"},
		Compute: func(v []float64) float64 { return v[0] / (v[1] + 0.1) },
	},
	ratioOf("owner_occupied_rate", "owner_occupied_housing", "total_households"),
	ratioOf("unemployment_rate", "unemployed", "labor_force"),
	ratioOf("poverty_rate", "poverty_count", "poverty_denominator"),
	{
		Name:     "education_rate",
		Inputs:   []string{"bachelors_degree", "total_population_25plus"},
		Optional: []string{"masters_degree", "doctorate_degree"},
		Compute: func(v []float64) float64 {
			return ratio(v[0]+v[2]+v[3], v[1])
		},
	},
	ratioOf("tax_filing_rate", "num_returns", "total_population"),
	ratioOf("avg_household_agi", "total_agi", "total_households"),
	ratioOf("business_income_ratio", "business_income", "total_agi"),
	ratioOf("long_commute_rate", "long_commute_60plus_min", "total_commuters"),
	{
		Name:    "rent_burden",
		Inputs:  []string{"median_gross_rent", "median_household_income"},
		Compute: func(v []float64) float64 { return ratio(v[0]*12, v[1]) },
	},
	{
		Name:    "age_squared",
		Inputs:  []string{"median_age"},
		Compute: func(v []float64) float64 { return v[0] * v[0] },
	},
}

// DerivedFeatures returns the declarative feature table in evaluation order.
func DerivedFeatures() []DerivedFeature {
	return append([]DerivedFeature(nil), derivedFeatures...)
}

// Apply computes the feature on t and stores it as a new numeric column.
// It reports false, leaving t untouched, when a required input is absent.
func (f DerivedFeature) Apply(t *table.Table) bool {
	cols := make([][]float64, 0, len(f.Inputs)+len(f.Optional))
	for _, name := range f.Inputs {
		col, ok := t.Numeric(name)
		if !ok {
			return false
		}
		cols = append(cols, col)
	}
	for _, name := range f.Optional {
		col, _ := t.Numeric(name)
		cols = append(cols, col)
	}

	out := make([]float64, t.NRows())
	v := make([]float64, len(cols))
	for i := range out {
		for j, col := range cols {
			if col == nil {
				v[j] = 0
				continue
			}
			v[j] = col[i]
		}
		out[i] = f.Compute(v)
	}
	return t.SetNumeric(f.Name, out) == nil
}

// logIncomeColumns lists the numeric columns whose name contains "income"
// and that hold at least one positive value.
func logIncomeColumns(t *table.Table) []string {
	var out []string
	for _, name := range t.NumericNames() {
		if !strings.Contains(strings.ToLower(name), "income") {
			continue
		}
		col, _ := t.Numeric(name)
		for _, v := range col {
			if v > 0 {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// addLogColumns adds log_<col> = log1p(col) for each column. Values at or
// below -1 give NaN and are imputed later by the pipeline.
func addLogColumns(t *table.Table, cols []string) []string {
	added := make([]string, 0, len(cols))
	for _, name := range cols {
		col, _ := t.Numeric(name)
		out := make([]float64, len(col))
		for i, v := range col {
			out[i] = math.Log1p(v)
		}
		logName := "log_" + name
		if err := t.SetNumeric(logName, out); err == nil {
			added = append(added, logName)
		}
	}
	return added
}

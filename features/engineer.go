// Package features turns a raw merged regional table into a clean numeric
// feature matrix, a target vector and a fitted preprocessing pipeline.
package features

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/outcome"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/preprocessing"
	"github.com/YuminosukeSato/agipredict/table"
)

// UnknownCategory fills categorical columns that have no mode.
const UnknownCategory = "Unknown"

// SpatialLagSuffix names the column added for each spatial variable.
const SpatialLagSuffix = "_spatial_lag"

// Target source columns used when the target column is not present.
const (
	TotalAGIColumn   = "total_agi"
	NumReturnsColumn = "num_returns"
)

// FeatureEngineer implements the feature preparation steps. It never
// mutates the tables it receives.
type FeatureEngineer struct {
	cfg    *config.Config
	logger log.Logger
}

// Option configures a FeatureEngineer.
type Option func(*FeatureEngineer)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(fe *FeatureEngineer) { fe.logger = l }
}

// New returns a FeatureEngineer driven by cfg.
func New(cfg *config.Config, opts ...Option) *FeatureEngineer {
	fe := &FeatureEngineer{cfg: cfg, logger: log.GetLoggerWithName("features")}
	for _, opt := range opts {
		opt(fe)
	}
	return fe
}

// Load reads the table at path; identifier columns stay strings.
func (fe *FeatureEngineer) Load(path string) (*table.Table, error) {
	fe.logger.Info("Loading data", log.PathKey, path)
	t, err := table.Load(path, table.LoadOptions{IdentifierColumns: fe.cfg.Features.IdentifierColumns})
	if err != nil {
		return nil, err
	}
	fe.logger.Info("Loaded data", log.SamplesKey, t.NRows(), log.FeaturesKey, t.NCols())
	return t, nil
}

// MissingReport describes what HandleMissingValues did.
type MissingReport struct {
	Dropped            []string
	Flagged            map[string]float64
	ImputedNumeric     []string
	ImputedCategorical []string
}

// HandleMissingValues drops columns whose missing fraction exceeds the drop
// threshold, flags columns above the warning threshold, then fills numeric
// gaps with the column median and categorical gaps with the mode (ties go
// to the lexicographically smallest value) or UnknownCategory. The target
// column is left untouched so invalid targets can be filtered later.
// Applying it twice gives the same table as applying it once.
func (fe *FeatureEngineer) HandleMissingValues(t *table.Table) (*table.Table, MissingReport) {
	out := t.Clone()
	rep := MissingReport{Flagged: make(map[string]float64)}
	f := fe.cfg.Features

	sparse := CheckMissingValues(out, f.WarnMissingThreshold)
	for _, name := range out.Names() {
		frac, ok := sparse[name]
		if !ok || name == f.TargetColumn {
			continue
		}
		switch {
		case frac > f.DropMissingThreshold:
			rep.Dropped = append(rep.Dropped, name)
		case frac > f.WarnMissingThreshold:
			rep.Flagged[name] = frac
			errors.Warn(errors.NewDataQualityWarning(name, "missing_fraction", frac, f.WarnMissingThreshold))
			fe.logger.Warn("High missing fraction", log.ColumnKey, name, log.MissingFractionKey, frac)
		}
	}
	if len(rep.Dropped) > 0 {
		out.Drop(rep.Dropped...)
		fe.logger.Warn("Dropped sparse columns", log.DroppedColumnsKey, rep.Dropped)
	}

	for _, c := range out.Columns() {
		if c.Name == f.TargetColumn || c.MissingCount() == 0 {
			continue
		}
		if c.Kind == table.Numeric {
			fill := preprocessing.Median(c.Num)
			if math.IsNaN(fill) {
				continue
			}
			vals := append([]float64(nil), c.Num...)
			for i, v := range vals {
				if math.IsNaN(v) {
					vals[i] = fill
				}
			}
			_ = out.SetNumeric(c.Name, vals)
			rep.ImputedNumeric = append(rep.ImputedNumeric, c.Name)
			fe.logger.Debug("Imputed with median", log.ColumnKey, c.Name, "median", fill)
			continue
		}
		fill := mode(c)
		vals := append([]string(nil), c.Str...)
		for i := range vals {
			if c.Missing[i] {
				vals[i] = fill
			}
		}
		_ = out.SetString(c.Name, vals, nil)
		rep.ImputedCategorical = append(rep.ImputedCategorical, c.Name)
	}

	fe.logger.Info("Missing value handling complete",
		log.DroppedColumnsKey, rep.Dropped,
		"imputed_columns", len(rep.ImputedNumeric)+len(rep.ImputedCategorical),
	)
	return out, rep
}

func mode(c *table.Column) string {
	counts := make(map[string]int)
	for i, v := range c.Str {
		if !c.Missing[i] {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return UnknownCategory
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}

// CreateFeatures adds log1p transforms of the income columns and every
// entry of DerivedFeatures whose inputs are present.
func (fe *FeatureEngineer) CreateFeatures(t *table.Table) *table.Table {
	out := t.Clone()
	before := out.NCols()

	logCols := addLogColumns(out, logIncomeColumns(out))
	var created []string
	for _, f := range derivedFeatures {
		if f.Apply(out) {
			created = append(created, f.Name)
		} else {
			fe.logger.Debug("Skipped derived feature", log.FeatureNameKey, f.Name)
		}
	}

	fe.logger.Info("Created derived features",
		"derived", created,
		"log_transformed", logCols,
		log.FeaturesKey, out.NCols()-before,
	)
	return out
}

// SpatialResult is the outcome of AddSpatialFeatures with the resulting
// table, which is the input table unchanged unless the outcome is Computed.
type SpatialResult struct {
	outcome.Outcome
	Table *table.Table
	Added []string
}

// AddSpatialFeatures adds <var>_spatial_lag columns holding the mean of
// each configured variable over the k nearest regions by centroid,
// excluding the region itself. It never fails the pipeline: problems are
// reported through the result and logged as warnings.
func (fe *FeatureEngineer) AddSpatialFeatures(t *table.Table) SpatialResult {
	f := fe.cfg.Features
	lat, okLat := t.Numeric(f.LatitudeColumn)
	lon, okLon := t.Numeric(f.LongitudeColumn)
	if !okLat || !okLon {
		res := SpatialResult{Outcome: outcome.Skip("no centroid columns"), Table: t}
		fe.logger.Warn("No location data, skipping spatial features", log.SpatialStatusKey, res.Outcome)
		return res
	}

	ix, err := newNeighbourIndex(lat, lon)
	if err != nil {
		fe.logger.Warn("Failed to create spatial features", err, log.SpatialStatusKey, outcome.Failed.String())
		return SpatialResult{Outcome: outcome.Fail(err), Table: t}
	}

	out := t.Clone()
	var added []string
	for _, v := range f.SpatialVariables {
		values, ok := t.Numeric(v)
		if !ok {
			continue
		}
		name := v + SpatialLagSuffix
		if err := out.SetNumeric(name, ix.spatialLag(values, f.SpatialNeighbors)); err != nil {
			wrapped := errors.NewSpatialFeatureError("cannot store "+name, err)
			fe.logger.Warn("Failed to create spatial features", wrapped)
			return SpatialResult{Outcome: outcome.Fail(wrapped), Table: t}
		}
		added = append(added, name)
	}
	if len(added) == 0 {
		return SpatialResult{Outcome: outcome.Skip("no spatial variables present"), Table: t}
	}

	fe.logger.Info("Added spatial lag features", "added", added, log.SpatialStatusKey, outcome.Computed.String())
	return SpatialResult{Outcome: outcome.Done(), Table: out, Added: added}
}

// BuildPreprocessingPipeline returns an unfitted median-impute then
// standardize pipeline over the given numeric columns, in order.
func (fe *FeatureEngineer) BuildPreprocessingPipeline(numericFeatures []string) *preprocessing.Pipeline {
	fe.logger.Info("Pipeline built", log.FeaturesKey, len(numericFeatures))
	return preprocessing.NewPipeline(numericFeatures)
}

// EnsureTarget returns t with the target column present. When the table
// lacks it, it is derived as total_agi * 1000 / num_returns, NaN where
// num_returns is not positive. Fails with MissingTargetError when neither
// the target nor its sources exist.
func (fe *FeatureEngineer) EnsureTarget(t *table.Table) (*table.Table, error) {
	target := fe.cfg.Features.TargetColumn
	if _, ok := t.Numeric(target); ok {
		return t, nil
	}
	agi, okA := t.Numeric(TotalAGIColumn)
	returns, okR := t.Numeric(NumReturnsColumn)
	if !okA || !okR {
		return nil, errors.NewMissingTargetError(target)
	}
	vals := make([]float64, t.NRows())
	for i := range vals {
		if returns[i] > 0 {
			vals[i] = agi[i] * 1000 / returns[i]
		} else {
			vals[i] = math.NaN()
		}
	}
	out := t.Clone()
	if err := out.SetNumeric(target, vals); err != nil {
		return nil, err
	}
	return out, nil
}

// FilterTarget drops rows whose target is missing, non-finite or not
// positive, and returns the number of dropped rows.
func (fe *FeatureEngineer) FilterTarget(t *table.Table) (*table.Table, int, error) {
	target := fe.cfg.Features.TargetColumn
	y, ok := t.Numeric(target)
	if !ok {
		return nil, 0, errors.NewMissingTargetError(target)
	}
	keep := make([]bool, len(y))
	dropped := 0
	for i, v := range y {
		keep[i] = !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
		if !keep[i] {
			dropped++
		}
	}
	out, err := t.Filter(keep)
	if err != nil {
		return nil, 0, err
	}
	if dropped > 0 {
		fe.logger.Info("Excluded rows with invalid target", log.DroppedRowsKey, dropped)
	}
	return out, dropped, nil
}

// FeatureColumns lists the numeric columns of t usable as model features,
// in table order.
func (fe *FeatureEngineer) FeatureColumns(t *table.Table) []string {
	exclude := fe.cfg.ExcludeSet()
	var out []string
	for _, name := range t.NumericNames() {
		if !exclude[name] {
			out = append(out, name)
		}
	}
	return out
}

// Prepared is the output of PrepareFeatures.
type Prepared struct {
	X            *mat.Dense
	Y            *mat.VecDense
	FeatureNames []string
	// Groups holds the group column value per row, nil when absent.
	Groups   []string
	Pipeline *preprocessing.Pipeline
	// Table is the filtered table before the pipeline transform.
	Table       *table.Table
	DroppedRows int
	Spatial     outcome.Outcome
}

// PrepareFeatures runs load, missing value handling, derived features,
// optional spatial lag, target filtering and feature selection, then fits
// the preprocessing pipeline on the result, transforms it and persists the
// pipeline to the configured path.
func (fe *FeatureEngineer) PrepareFeatures(ctx context.Context, includeSpatial bool) (*Prepared, error) {
	start := time.Now()
	paths := fe.cfg.Paths

	t, err := fe.Load(paths.DataFile)
	if err != nil {
		return nil, err
	}
	prep, err := fe.PrepareTable(ctx, t, includeSpatial)
	if err != nil {
		return nil, err
	}

	if err := prep.Pipeline.Save(paths.PipelineFile); err != nil {
		return nil, errors.Wrap(err, "failed to save preprocessing pipeline")
	}
	fe.logger.Info("Feature engineering complete",
		log.SamplesKey, prep.X.RawMatrix().Rows,
		log.FeaturesKey, len(prep.FeatureNames),
		log.PathKey, paths.PipelineFile,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return prep, nil
}

// PrepareTable is PrepareFeatures on an already loaded table, without
// persisting the pipeline.
func (fe *FeatureEngineer) PrepareTable(ctx context.Context, t *table.Table, includeSpatial bool) (*Prepared, error) {
	t, spatial, dropped, err := fe.EngineerTable(ctx, t, includeSpatial)
	if err != nil {
		return nil, err
	}

	names := fe.FeatureColumns(t)
	if len(names) == 0 {
		return nil, errors.NewModelError("PrepareFeatures", "no numeric feature columns", errors.ErrEmptyData)
	}

	pipe := fe.BuildPreprocessingPipeline(names)
	if err := pipe.FitTable(t); err != nil {
		return nil, err
	}
	X, err := pipe.TransformTable(t)
	if err != nil {
		return nil, err
	}

	yv, _ := t.Numeric(fe.cfg.Features.TargetColumn)
	return &Prepared{
		X:            X,
		Y:            mat.NewVecDense(len(yv), append([]float64(nil), yv...)),
		FeatureNames: names,
		Groups:       groups(t, fe.cfg.Features.GroupColumn),
		Pipeline:     pipe,
		Table:        t,
		DroppedRows:  dropped,
		Spatial:      spatial,
	}, nil
}

// EngineerTable runs the table steps of PrepareTable (target derivation,
// missing values, derived and spatial features, target filtering) without
// fitting a pipeline. It returns the engineered table, the spatial outcome
// and the number of rows dropped for an invalid target.
func (fe *FeatureEngineer) EngineerTable(ctx context.Context, t *table.Table, includeSpatial bool) (*table.Table, outcome.Outcome, int, error) {
	spatial := outcome.Skip("disabled")
	t, err := fe.EnsureTarget(t)
	if err != nil {
		return nil, spatial, 0, err
	}
	t, _ = fe.HandleMissingValues(t)
	t = fe.CreateFeatures(t)

	if includeSpatial {
		if err := ctx.Err(); err != nil {
			return nil, spatial, 0, err
		}
		res := fe.AddSpatialFeatures(t)
		t, spatial = res.Table, res.Outcome
	}

	t, dropped, err := fe.FilterTarget(t)
	if err != nil {
		return nil, spatial, 0, err
	}
	if t.NRows() == 0 {
		return nil, spatial, dropped, errors.NewModelError("PrepareFeatures", "no rows with a valid target", errors.ErrEmptyData)
	}
	fe.logTargetSummary(t)
	return t, spatial, dropped, nil
}

// logTargetSummary logs the target distribution and its IQR outlier count.
func (fe *FeatureEngineer) logTargetSummary(t *table.Table) {
	target := fe.cfg.Features.TargetColumn
	d, err := DescribeColumn(t, target)
	if err != nil {
		return
	}
	flags, err := DetectOutliersIQR(t, target, OutlierIQRMultiplier)
	if err != nil {
		return
	}
	outliers := 0
	for _, f := range flags {
		if f {
			outliers++
		}
	}
	fe.logger.Info("Target summary",
		log.ColumnKey, target,
		log.SamplesKey, d.Count,
		"mean", d.Mean,
		"std", d.Std,
		"min", d.Min,
		"max", d.Max,
		"iqr_outliers", outliers,
	)
}

func groups(t *table.Table, column string) []string {
	if column == "" {
		return nil
	}
	c, ok := t.Column(column)
	if !ok {
		return nil
	}
	out := make([]string, c.Len())
	for i := range out {
		if c.Kind == table.String {
			out[i] = c.Str[i]
		} else {
			out[i] = strconv.FormatFloat(c.Num[i], 'g', -1, 64)
		}
	}
	return out
}

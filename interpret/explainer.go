// Package interpret explains a fitted regressor on held-out rows with
// permutation importance and SHAP attributions, and writes the CSV and
// chart reports.
package interpret

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/outcome"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// DefaultHoldoutFraction is the tail share of rows explained when no
// explicit test set is given.
const DefaultHoldoutFraction = 0.2

// FeatureImportance is the importance of one feature with its spread over
// repeats.
type FeatureImportance struct {
	Feature string
	Mean    float64
	Std     float64
}

// Explainer computes attributions for one model on one evaluation set.
type Explainer struct {
	model        model.Predictor
	name         string
	X            *mat.Dense
	y            *mat.VecDense
	featureNames []string
	cfg          *config.Config
	logger       log.Logger
	background   *mat.Dense

	permutation []FeatureImportance
	shap        SHAPResult
}

// Option configures an Explainer.
type Option func(*Explainer)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Explainer) { e.logger = l }
}

// WithBackground fixes the background rows of the sampling SHAP estimator
// instead of drawing them from X.
func WithBackground(bg *mat.Dense) Option {
	return func(e *Explainer) { e.background = bg }
}

// NewExplainer returns an Explainer of m on (X, y). name labels logs and
// reports.
func NewExplainer(name string, m model.Predictor, X *mat.Dense, y *mat.VecDense, featureNames []string, cfg *config.Config, opts ...Option) (*Explainer, error) {
	if m == nil {
		return nil, errors.NewModelNotTrainedError(name)
	}
	r, c := X.Dims()
	if r == 0 {
		return nil, errors.NewModelError("NewExplainer", "empty data", errors.ErrEmptyData)
	}
	if y.Len() != r {
		return nil, errors.NewDimensionError("NewExplainer", r, y.Len(), 0)
	}
	if len(featureNames) != c {
		return nil, errors.NewDimensionError("NewExplainer", c, len(featureNames), 1)
	}
	e := &Explainer{
		model:        m,
		name:         name,
		X:            X,
		y:            y,
		featureNames: featureNames,
		cfg:          cfg,
		shap:         SHAPResult{Outcome: outcome.Skip("not computed")},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.GetLoggerWithName("interpret")
	}
	e.logger = e.logger.With(log.ModelNameKey, name)
	return e, nil
}

// HoldoutTail returns the last frac share of rows (at least one).
func HoldoutTail(X *mat.Dense, y *mat.VecDense, frac float64) (*mat.Dense, *mat.VecDense) {
	r, _ := X.Dims()
	start := int(float64(r) * (1 - frac))
	start = min(max(start, 0), r-1)
	rows := make([]int, r-start)
	for i := range rows {
		rows[i] = start + i
	}
	return model.TakeRows(X, rows), model.TakeVec(y, rows)
}

// FeatureNames returns the explained feature order.
func (e *Explainer) FeatureNames() []string { return e.featureNames }

// PermutationImportance returns the last computed permutation importance.
func (e *Explainer) PermutationImportance() []FeatureImportance { return e.permutation }

// SHAP returns the last SHAP result.
func (e *Explainer) SHAP() SHAPResult { return e.shap }

// ModelImportance returns the model's own global importance, ranked, when
// the model provides one.
func (e *Explainer) ModelImportance() ([]FeatureImportance, bool) {
	gi, ok := e.model.(model.GlobalImportancer)
	if !ok {
		return nil, false
	}
	imp, err := gi.GlobalImportance()
	if err != nil || len(imp) != len(e.featureNames) {
		return nil, false
	}
	out := make([]FeatureImportance, len(imp))
	for j, v := range imp {
		out[j] = FeatureImportance{Feature: e.featureNames[j], Mean: v}
	}
	rank(out)
	return out, true
}

// GetTopFeatures returns up to n feature names by mean |SHAP| when SHAP was
// computed, else by permutation importance, highest first.
func (e *Explainer) GetTopFeatures(n int) []string {
	var ranked []FeatureImportance
	switch {
	case e.shap.OK():
		ranked = e.shap.MeanAbs(e.featureNames)
	case len(e.permutation) > 0:
		ranked = e.permutation
	default:
		e.logger.Warn("No attributions computed, cannot rank features")
		return nil
	}
	n = min(n, len(ranked))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].Feature
	}
	return out
}

// rank sorts by Mean descending; equal means keep feature order.
func rank(imps []FeatureImportance) {
	sort.SliceStable(imps, func(i, j int) bool { return imps[i].Mean > imps[j].Mean })
}

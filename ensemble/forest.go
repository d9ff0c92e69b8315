// Package ensemble provides the tree ensembles and the stacked ensemble
// that compete in model selection, plus the k-fold splitter and early
// stopping they share.
package ensemble

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/parallel"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/tree"
)

// RandomForestName is the report key of the random forest candidate.
const RandomForestName = "RandomForest"

// Max feature strategies.
const (
	MaxFeaturesSqrt = "sqrt"
	MaxFeaturesLog2 = "log2"
	MaxFeaturesAll  = "all"
)

// ForestParams are the random forest hyperparameters.
type ForestParams struct {
	NEstimators     int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     string
	Bootstrap       bool
	Seed            uint64
}

// DefaultForestParams returns the untuned configuration.
func DefaultForestParams() ForestParams {
	return ForestParams{
		NEstimators:     100,
		MaxDepth:        20,
		MinSamplesSplit: 5,
		MinSamplesLeaf:  2,
		MaxFeatures:     MaxFeaturesSqrt,
		Bootstrap:       true,
		Seed:            42,
	}
}

// Validate checks the parameter ranges.
func (p ForestParams) Validate() error {
	switch {
	case p.NEstimators < 1:
		return errors.NewValidationError("n_estimators", "must be >= 1", p.NEstimators)
	case p.MaxDepth < 0:
		return errors.NewValidationError("max_depth", "must be >= 0", p.MaxDepth)
	case p.MinSamplesSplit < 2:
		return errors.NewValidationError("min_samples_split", "must be >= 2", p.MinSamplesSplit)
	case p.MinSamplesLeaf < 1:
		return errors.NewValidationError("min_samples_leaf", "must be >= 1", p.MinSamplesLeaf)
	}
	switch p.MaxFeatures {
	case MaxFeaturesSqrt, MaxFeaturesLog2, MaxFeaturesAll:
		return nil
	}
	return errors.NewValidationError("max_features", "must be sqrt, log2 or all", p.MaxFeatures)
}

// featuresPerSplit resolves MaxFeatures for nFeatures columns.
func (p ForestParams) featuresPerSplit(nFeatures int) int {
	var k int
	switch p.MaxFeatures {
	case MaxFeaturesSqrt:
		k = int(math.Sqrt(float64(nFeatures)))
	case MaxFeaturesLog2:
		k = int(math.Log2(float64(nFeatures)))
	default:
		k = nFeatures
	}
	return min(max(k, 1), nFeatures)
}

// RandomForest averages CART regression trees grown on bootstrap samples
// with per-split feature sampling. Trees are grown concurrently.
type RandomForest struct {
	model.BaseEstimator
	Params      ForestParams
	Trees       []tree.Tree
	NFeatures   int
	Importances []float64
}

// NewRandomForest creates an unfitted forest.
func NewRandomForest(p ForestParams) *RandomForest {
	return &RandomForest{Params: p}
}

// Name implements model.CandidateModel.
func (rf *RandomForest) Name() string { return RandomForestName }

// Fit grows NEstimators trees. Tree i draws its bootstrap sample and split
// features from PCG(Seed, i), so results do not depend on scheduling.
func (rf *RandomForest) Fit(X, y mat.Matrix) error {
	return rf.FitContext(context.Background(), X, y)
}

// FitContext is Fit with cancellation.
func (rf *RandomForest) FitContext(ctx context.Context, X, y mat.Matrix) error {
	if err := rf.Params.Validate(); err != nil {
		return err
	}
	n, c := X.Dims()
	if n == 0 || c == 0 {
		return errors.NewModelError("RandomForest.Fit", "empty data", errors.ErrEmptyData)
	}
	if ry, _ := y.Dims(); ry != n {
		return errors.NewDimensionError("RandomForest.Fit", n, ry, 0)
	}

	ds := tree.NewDataset(X, tree.DefaultMaxBin)
	yv := model.ToVec(y)
	grad := make([]float64, n)
	hess := make([]float64, n)
	for i := 0; i < n; i++ {
		grad[i] = -yv.AtVec(i)
		hess[i] = 1
	}
	features := make([]int, c)
	for j := range features {
		features[j] = j
	}
	params := tree.Params{
		Growth:          tree.DepthWise,
		MaxDepth:        rf.Params.MaxDepth,
		MinSamplesSplit: rf.Params.MinSamplesSplit,
		MinSamplesLeaf:  rf.Params.MinSamplesLeaf,
		MaxFeatures:     rf.Params.featuresPerSplit(c),
	}

	trees := make([]tree.Tree, rf.Params.NEstimators)
	err := parallel.ForEach(ctx, rf.Params.NEstimators, 0, func(_ context.Context, i int) error {
		rng := rand.New(rand.NewPCG(rf.Params.Seed, uint64(i)))
		rows := make([]int, n)
		if rf.Params.Bootstrap {
			for k := range rows {
				rows[k] = rng.IntN(n)
			}
		} else {
			for k := range rows {
				rows[k] = k
			}
		}
		trees[i] = *tree.Grow(ds, grad, hess, rows, features, params, rng)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "random forest training cancelled")
	}

	rf.Trees = trees
	rf.NFeatures = c
	rf.Importances = make([]float64, c)
	for i := range rf.Trees {
		rf.Trees[i].AddGainImportance(rf.Importances)
	}
	rf.Importances = model.NormalizeImportance(rf.Importances)
	rf.SetFitted()

	log.GetLoggerWithName("ensemble").Debug("Random forest fitted",
		log.ModelNameKey, RandomForestName,
		log.SamplesKey, n,
		log.FeaturesKey, c,
		"n_estimators", rf.Params.NEstimators,
	)
	return nil
}

// Predict averages the tree outputs.
func (rf *RandomForest) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForest", "Predict")
	}
	Xd, err := checkPredict("RandomForest.Predict", X, rf.NFeatures)
	if err != nil {
		return nil, err
	}
	r, _ := Xd.Dims()
	out := make([]float64, r)
	scale := 1 / float64(len(rf.Trees))
	parallel.ParallelizeWithThreshold(r, 500, func(start, end int) {
		for i := start; i < end; i++ {
			x := Xd.RawRowView(i)
			var s float64
			for t := range rf.Trees {
				s += rf.Trees[t].PredictRow(x)
			}
			out[i] = s * scale
		}
	})
	return mat.NewVecDense(r, out), nil
}

// GlobalImportance returns the normalized total split gain per feature.
func (rf *RandomForest) GlobalImportance() ([]float64, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForest", "GlobalImportance")
	}
	return append([]float64(nil), rf.Importances...), nil
}

// ExpectedValue implements model.TreeExplainable.
func (rf *RandomForest) ExpectedValue() float64 {
	if len(rf.Trees) == 0 {
		return 0
	}
	var s float64
	for i := range rf.Trees {
		s += rf.Trees[i].ExpectedValue()
	}
	return s / float64(len(rf.Trees))
}

// SHAPValues implements model.TreeExplainable.
func (rf *RandomForest) SHAPValues(X mat.Matrix) (*mat.Dense, error) {
	if !rf.IsFitted() {
		return nil, errors.NewNotFittedError("RandomForest", "SHAPValues")
	}
	Xd, err := checkPredict("RandomForest.SHAPValues", X, rf.NFeatures)
	if err != nil {
		return nil, err
	}
	return treeSHAP(Xd, rf.Trees, 1/float64(len(rf.Trees))), nil
}

// treeSHAP sums scale-weighted TreeSHAP values over trees for every row.
func treeSHAP(X *mat.Dense, trees []tree.Tree, scale float64) *mat.Dense {
	r, c := X.Dims()
	out := mat.NewDense(r, c, nil)
	parallel.ParallelizeWithThreshold(r, 16, func(start, end int) {
		for i := start; i < end; i++ {
			x := X.RawRowView(i)
			phi := out.RawRowView(i)
			for t := range trees {
				trees[t].AddSHAP(x, phi, scale)
			}
		}
	})
	return out
}

func checkPredict(op string, X mat.Matrix, nFeatures int) (*mat.Dense, error) {
	r, c := X.Dims()
	if c != nFeatures {
		return nil, errors.NewDimensionError(op, nFeatures, c, 1)
	}
	if r == 0 {
		return nil, errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	return model.ToDense(X), nil
}

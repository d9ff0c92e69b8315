package ensemble

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/parallel"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/tree"
)

// Report keys of the two gradient boosting families.
const (
	XGBoostName  = "XGBoost"
	LightGBMName = "LightGBM"
)

// BoostParams are the gradient boosting hyperparameters shared by the
// depth-wise (XGBoost) and leaf-wise (LightGBM) families.
type BoostParams struct {
	NEstimators  int
	LearningRate float64
	Growth       tree.Growth
	MaxDepth     int
	// NumLeaves bounds leaves per tree; used by leaf-wise growth.
	NumLeaves      int
	Subsample      float64
	ColSample      float64
	Lambda         float64
	Gamma          float64
	MinChildWeight float64
	MinDataInLeaf  int
	// EarlyStoppingRounds stops training when the validation RMSE has not
	// improved for this many rounds; 0 disables it.
	EarlyStoppingRounds int
	MaxBin              int
	Seed                uint64
}

// DefaultXGBoostParams returns the untuned depth-wise configuration.
func DefaultXGBoostParams() BoostParams {
	return BoostParams{
		NEstimators:    100,
		LearningRate:   0.1,
		Growth:         tree.DepthWise,
		MaxDepth:       6,
		Subsample:      0.8,
		ColSample:      0.8,
		Lambda:         1,
		Gamma:          0,
		MinChildWeight: 1,
		MaxBin:         tree.DefaultMaxBin,
		Seed:           42,
	}
}

// DefaultLightGBMParams returns the untuned leaf-wise configuration.
func DefaultLightGBMParams() BoostParams {
	return BoostParams{
		NEstimators:         100,
		LearningRate:        0.1,
		Growth:              tree.LeafWise,
		MaxDepth:            20,
		NumLeaves:           31,
		Subsample:           0.8,
		ColSample:           0.8,
		MinChildWeight:      1e-3,
		MinDataInLeaf:       20,
		EarlyStoppingRounds: 10,
		MaxBin:              tree.DefaultMaxBin,
		Seed:                42,
	}
}

// Validate checks the parameter ranges.
func (p BoostParams) Validate() error {
	switch {
	case p.NEstimators < 1:
		return errors.NewValidationError("n_estimators", "must be >= 1", p.NEstimators)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return errors.NewValidationError("learning_rate", "must be in (0, 1]", p.LearningRate)
	case p.Subsample <= 0 || p.Subsample > 1:
		return errors.NewValidationError("subsample", "must be in (0, 1]", p.Subsample)
	case p.ColSample <= 0 || p.ColSample > 1:
		return errors.NewValidationError("colsample", "must be in (0, 1]", p.ColSample)
	case p.EarlyStoppingRounds < 0:
		return errors.NewValidationError("early_stopping_rounds", "must be >= 0", p.EarlyStoppingRounds)
	}
	return p.treeParams().Validate()
}

func (p BoostParams) treeParams() tree.Params {
	tp := tree.Params{
		Growth:         p.Growth,
		MaxDepth:       p.MaxDepth,
		MinSamplesLeaf: p.MinDataInLeaf,
		MinChildWeight: p.MinChildWeight,
		Lambda:         p.Lambda,
		Gamma:          p.Gamma,
	}
	if p.Growth == tree.LeafWise {
		tp.MaxLeaves = p.NumLeaves
	}
	return tp
}

// GradientBoosting fits an additive model of regression trees to the
// squared error gradients, starting from the target mean.
type GradientBoosting struct {
	model.BaseEstimator
	ModelName string
	Params    BoostParams

	InitScore     float64
	Trees         []tree.Tree
	NFeatures     int
	Importances   []float64
	BestIteration int
	// BestScore is the validation RMSE at BestIteration, NaN without
	// validation data.
	BestScore float64
}

// NewXGBoost creates an unfitted depth-wise booster.
func NewXGBoost(p BoostParams) *GradientBoosting {
	p.Growth = tree.DepthWise
	return &GradientBoosting{ModelName: XGBoostName, Params: p}
}

// NewLightGBM creates an unfitted leaf-wise booster.
func NewLightGBM(p BoostParams) *GradientBoosting {
	p.Growth = tree.LeafWise
	return &GradientBoosting{ModelName: LightGBMName, Params: p}
}

// Name implements model.CandidateModel.
func (gb *GradientBoosting) Name() string { return gb.ModelName }

// Fit trains for NEstimators rounds without early stopping.
func (gb *GradientBoosting) Fit(X, y mat.Matrix) error {
	return gb.FitWithValidation(X, y, nil, nil)
}

// FitWithValidation trains with early stopping on (Xval, yval) when both
// are non-nil and EarlyStoppingRounds > 0. Trees after the best iteration
// are discarded.
func (gb *GradientBoosting) FitWithValidation(X, y, Xval, yval mat.Matrix) error {
	p := gb.Params
	if err := p.Validate(); err != nil {
		return err
	}
	n, c := X.Dims()
	if n == 0 || c == 0 {
		return errors.NewModelError(gb.ModelName+".Fit", "empty data", errors.ErrEmptyData)
	}
	if ry, _ := y.Dims(); ry != n {
		return errors.NewDimensionError(gb.ModelName+".Fit", n, ry, 0)
	}

	Xd := model.ToDense(X)
	yv := model.ToVec(y).RawVector().Data
	ds := tree.NewDataset(Xd, p.MaxBin)

	var Xv *mat.Dense
	var yvv []float64
	es := newStopper(0)
	if Xval != nil && yval != nil && p.EarlyStoppingRounds > 0 {
		if _, cv := Xval.Dims(); cv != c {
			return errors.NewDimensionError(gb.ModelName+".FitWithValidation", c, cv, 1)
		}
		Xv = model.ToDense(Xval)
		yvv = model.ToVec(yval).RawVector().Data
		es = newStopper(p.EarlyStoppingRounds)
	}

	gb.InitScore = stat.Mean(yv, nil)
	gb.Trees = gb.Trees[:0]
	gb.BestIteration = -1
	gb.BestScore = math.NaN()

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = gb.InitScore
	}
	var valPred []float64
	if Xv != nil {
		r, _ := Xv.Dims()
		valPred = make([]float64, r)
		for i := range valPred {
			valPred[i] = gb.InitScore
		}
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed))
	grad := make([]float64, n)
	hess := make([]float64, n)
	for i := range hess {
		hess[i] = 1
	}
	tp := p.treeParams()
	nRows := max(1, int(math.Round(p.Subsample*float64(n))))
	nCols := max(1, int(math.Round(p.ColSample*float64(c))))
	logger := log.GetLoggerWithName("ensemble").With(log.ModelNameKey, gb.ModelName)

	for iter := 0; iter < p.NEstimators; iter++ {
		for i := 0; i < n; i++ {
			grad[i] = pred[i] - yv[i]
		}
		rows := sampleIndices(rng, n, nRows)
		features := sampleIndices(rng, c, nCols)

		t := tree.Grow(ds, grad, hess, rows, features, tp, nil)
		gb.Trees = append(gb.Trees, *t)

		parallel.ParallelizeWithThreshold(n, 2000, func(start, end int) {
			for i := start; i < end; i++ {
				pred[i] += p.LearningRate * t.PredictRow(Xd.RawRowView(i))
			}
		})

		if Xv != nil {
			t.AddPredictions(Xv, p.LearningRate, valPred)
			var sse float64
			for i := range valPred {
				d := valPred[i] - yvv[i]
				sse += d * d
			}
			rmse := math.Sqrt(sse / float64(len(valPred)))
			if es.observe(iter, rmse) {
				logger.Debug("Early stopping",
					log.IterationKey, iter,
					log.BestIterationKey, es.bestIter,
					log.RMSEKey, es.bestRMSE,
				)
				break
			}
		}
	}

	if es.enabled() && es.bestIter >= 0 {
		gb.Trees = gb.Trees[:es.bestIter+1]
		gb.BestIteration = es.bestIter
		gb.BestScore = es.bestRMSE
	} else {
		gb.BestIteration = len(gb.Trees) - 1
	}

	gb.NFeatures = c
	gb.Importances = make([]float64, c)
	for i := range gb.Trees {
		gb.Trees[i].AddGainImportance(gb.Importances)
	}
	gb.Importances = model.NormalizeImportance(gb.Importances)
	gb.SetFitted()

	logger.Debug("Gradient boosting fitted",
		log.SamplesKey, n,
		log.FeaturesKey, c,
		"n_trees", len(gb.Trees),
		"growth", p.Growth.String(),
	)
	return nil
}

// sampleIndices draws k of n indices without replacement, sorted; all
// indices when k >= n.
func sampleIndices(rng *rand.Rand, n, k int) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := rng.Perm(n)[:k]
	sort.Ints(out)
	return out
}

// Predict returns InitScore plus the shrunken sum of the tree outputs.
func (gb *GradientBoosting) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !gb.IsFitted() {
		return nil, errors.NewNotFittedError(gb.ModelName, "Predict")
	}
	Xd, err := checkPredict(gb.ModelName+".Predict", X, gb.NFeatures)
	if err != nil {
		return nil, err
	}
	r, _ := Xd.Dims()
	out := make([]float64, r)
	lr := gb.Params.LearningRate
	parallel.ParallelizeWithThreshold(r, 500, func(start, end int) {
		for i := start; i < end; i++ {
			x := Xd.RawRowView(i)
			s := gb.InitScore
			for t := range gb.Trees {
				s += lr * gb.Trees[t].PredictRow(x)
			}
			out[i] = s
		}
	})
	return mat.NewVecDense(r, out), nil
}

// GlobalImportance returns the normalized total split gain per feature.
func (gb *GradientBoosting) GlobalImportance() ([]float64, error) {
	if !gb.IsFitted() {
		return nil, errors.NewNotFittedError(gb.ModelName, "GlobalImportance")
	}
	return append([]float64(nil), gb.Importances...), nil
}

// ExpectedValue implements model.TreeExplainable.
func (gb *GradientBoosting) ExpectedValue() float64 {
	v := gb.InitScore
	for i := range gb.Trees {
		v += gb.Params.LearningRate * gb.Trees[i].ExpectedValue()
	}
	return v
}

// SHAPValues implements model.TreeExplainable.
func (gb *GradientBoosting) SHAPValues(X mat.Matrix) (*mat.Dense, error) {
	if !gb.IsFitted() {
		return nil, errors.NewNotFittedError(gb.ModelName, "SHAPValues")
	}
	Xd, err := checkPredict(gb.ModelName+".SHAPValues", X, gb.NFeatures)
	if err != nil {
		return nil, err
	}
	return treeSHAP(Xd, gb.Trees, gb.Params.LearningRate), nil
}

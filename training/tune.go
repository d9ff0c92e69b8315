package training

import (
	"context"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/ensemble"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

var maxFeaturesChoices = []string{ensemble.MaxFeaturesSqrt, ensemble.MaxFeaturesLog2, ensemble.MaxFeaturesAll}

// ForestSpace is the random forest search space.
var ForestSpace = []Param{
	{Name: "n_estimators", Kind: IntParam, Low: 50, High: 300},
	{Name: "max_depth", Kind: IntParam, Low: 5, High: 30},
	{Name: "min_samples_split", Kind: IntParam, Low: 2, High: 20},
	{Name: "min_samples_leaf", Kind: IntParam, Low: 1, High: 10},
	{Name: "max_features", Kind: CategoricalParam, Choices: maxFeaturesChoices},
}

// XGBoostSpace is the depth-wise booster search space.
var XGBoostSpace = []Param{
	{Name: "n_estimators", Kind: IntParam, Low: 50, High: 300},
	{Name: "max_depth", Kind: IntParam, Low: 3, High: 12},
	{Name: "learning_rate", Kind: LogFloatParam, Low: 0.01, High: 0.3},
	{Name: "subsample", Kind: FloatParam, Low: 0.6, High: 1},
	{Name: "colsample", Kind: FloatParam, Low: 0.6, High: 1},
	{Name: "gamma", Kind: FloatParam, Low: 0, High: 5},
}

// LightGBMSpace is the leaf-wise booster search space.
var LightGBMSpace = []Param{
	{Name: "n_estimators", Kind: IntParam, Low: 50, High: 300},
	{Name: "max_depth", Kind: IntParam, Low: 3, High: 30},
	{Name: "learning_rate", Kind: LogFloatParam, Low: 0.01, High: 0.3},
	{Name: "num_leaves", Kind: IntParam, Low: 20, High: 100},
	{Name: "subsample", Kind: FloatParam, Low: 0.6, High: 1},
	{Name: "colsample", Kind: FloatParam, Low: 0.6, High: 1},
}

func (t *ModelTrainer) forestFrom(v map[string]float64) ensemble.ForestParams {
	p := t.forest
	p.NEstimators = int(v["n_estimators"])
	p.MaxDepth = int(v["max_depth"])
	p.MinSamplesSplit = int(v["min_samples_split"])
	p.MinSamplesLeaf = int(v["min_samples_leaf"])
	p.MaxFeatures = maxFeaturesChoices[int(v["max_features"])]
	return p
}

func (t *ModelTrainer) xgboostFrom(v map[string]float64) ensemble.BoostParams {
	p := t.xgboost
	p.NEstimators = int(v["n_estimators"])
	p.MaxDepth = int(v["max_depth"])
	p.LearningRate = v["learning_rate"]
	p.Subsample = v["subsample"]
	p.ColSample = v["colsample"]
	p.Gamma = v["gamma"]
	return p
}

func (t *ModelTrainer) lightgbmFrom(v map[string]float64) ensemble.BoostParams {
	p := t.lightgbm
	p.NEstimators = int(v["n_estimators"])
	p.MaxDepth = int(v["max_depth"])
	p.LearningRate = v["learning_rate"]
	p.NumLeaves = int(v["num_leaves"])
	p.Subsample = v["subsample"]
	p.ColSample = v["colsample"]
	// tuning scores full-length models
	p.EarlyStoppingRounds = 0
	return p
}

// TuneRandomForest searches ForestSpace for the lowest holdout RMSE.
// nTrials <= 0 uses Training.NTrials.
func (t *ModelTrainer) TuneRandomForest(ctx context.Context, nTrials int) (ensemble.ForestParams, error) {
	if err := t.require("TuneRandomForest", Split); err != nil {
		return ensemble.ForestParams{}, err
	}
	best, err := t.tune(ctx, ensemble.RandomForestName, ForestSpace, nTrials,
		func(ctx context.Context, v map[string]float64, X, valX *mat.Dense, y, valY *mat.VecDense) (float64, error) {
			m := ensemble.NewRandomForest(t.forestFrom(v))
			if err := m.FitContext(ctx, X, y); err != nil {
				return 0, err
			}
			return holdoutRMSE(m, valX, valY)
		})
	if err != nil {
		return ensemble.ForestParams{}, err
	}
	return t.forestFrom(best.Params), nil
}

// TuneXGBoost searches XGBoostSpace for the lowest holdout RMSE.
func (t *ModelTrainer) TuneXGBoost(ctx context.Context, nTrials int) (ensemble.BoostParams, error) {
	if err := t.require("TuneXGBoost", Split); err != nil {
		return ensemble.BoostParams{}, err
	}
	best, err := t.tune(ctx, ensemble.XGBoostName, XGBoostSpace, nTrials,
		func(_ context.Context, v map[string]float64, X, valX *mat.Dense, y, valY *mat.VecDense) (float64, error) {
			m := ensemble.NewXGBoost(t.xgboostFrom(v))
			if err := m.Fit(X, y); err != nil {
				return 0, err
			}
			return holdoutRMSE(m, valX, valY)
		})
	if err != nil {
		return ensemble.BoostParams{}, err
	}
	return t.xgboostFrom(best.Params), nil
}

// TuneLightGBM searches LightGBMSpace for the lowest holdout RMSE. The
// returned parameters keep the configured early stopping rounds.
func (t *ModelTrainer) TuneLightGBM(ctx context.Context, nTrials int) (ensemble.BoostParams, error) {
	if err := t.require("TuneLightGBM", Split); err != nil {
		return ensemble.BoostParams{}, err
	}
	best, err := t.tune(ctx, ensemble.LightGBMName, LightGBMSpace, nTrials,
		func(_ context.Context, v map[string]float64, X, valX *mat.Dense, y, valY *mat.VecDense) (float64, error) {
			m := ensemble.NewLightGBM(t.lightgbmFrom(v))
			if err := m.Fit(X, y); err != nil {
				return 0, err
			}
			return holdoutRMSE(m, valX, valY)
		})
	if err != nil {
		return ensemble.BoostParams{}, err
	}
	p := t.lightgbmFrom(best.Params)
	p.EarlyStoppingRounds = t.lightgbm.EarlyStoppingRounds
	return p, nil
}

type fitScore func(ctx context.Context, v map[string]float64, X, valX *mat.Dense, y, valY *mat.VecDense) (float64, error)

func (t *ModelTrainer) tune(ctx context.Context, name string, space []Param, nTrials int, fn fitScore) (Trial, error) {
	if nTrials <= 0 {
		nTrials = t.cfg.Training.NTrials
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Training.TuneTimeout)
	defer cancel()

	X, y, valX, valY := t.holdout()
	if valX == nil {
		// too few rows to carve a validation set
		X, y, valX, valY = t.trainX, t.trainY, t.testX, t.testY
	}

	logger := t.logger.With(log.ModelNameKey, name)
	logger.Info("Tuning hyperparameters", "n_trials", nTrials)
	started := time.Now()

	sampler := NewTPESampler(space, t.cfg.Training.RandomSeed)
	sampler.logger = logger
	best, err := sampler.Optimize(ctx, nTrials, func(ctx context.Context, v map[string]float64) (float64, error) {
		return fn(ctx, v, X, valX, y, valY)
	})
	if err != nil {
		return Trial{}, err
	}
	logger.Info("Tuning finished",
		"trials", len(sampler.Trials()),
		log.RMSEKey, best.Score,
		log.HyperParamsKey, best.Params,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
	return best, nil
}

func holdoutRMSE(m model.Predictor, X *mat.Dense, y *mat.VecDense) (float64, error) {
	pred, err := model.PredictVec(m, X)
	if err != nil {
		return 0, err
	}
	return metrics.RMSE(y, pred)
}

// Package training fits the candidate regressors on a prepared feature
// matrix, evaluates them on a held-out partition and persists the best one.
package training

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/ensemble"
	"github.com/YuminosukeSato/agipredict/linear"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// State is the lifecycle position of a ModelTrainer.
type State int

const (
	Unsplit State = iota
	Split
	Trained
	Evaluated
	Selected
	Saved
)

func (s State) String() string {
	switch s {
	case Unsplit:
		return "Unsplit"
	case Split:
		return "Split"
	case Trained:
		return "Trained"
	case Evaluated:
		return "Evaluated"
	case Selected:
		return "Selected"
	case Saved:
		return "Saved"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EvaluationResult holds the held-out metrics of one candidate.
type EvaluationResult struct {
	Name string
	metrics.Report
}

// ModelTrainer owns the train/test partitions and the trained candidates of
// one run. It is not safe for concurrent use.
type ModelTrainer struct {
	RunID string

	cfg          *config.Config
	logger       log.Logger
	X            *mat.Dense
	y            *mat.VecDense
	featureNames []string
	groups       []string

	state   State
	trainX  *mat.Dense
	trainY  *mat.VecDense
	testX   *mat.Dense
	testY   *mat.VecDense
	models  map[string]model.CandidateModel
	order   []string
	results map[string]metrics.Report

	forest   ensemble.ForestParams
	xgboost  ensemble.BoostParams
	lightgbm ensemble.BoostParams

	bestName string
}

// Option configures a ModelTrainer.
type Option func(*ModelTrainer)

// WithGroups supplies one group label per row (e.g. state FIPS) for a
// stratified split.
func WithGroups(groups []string) Option {
	return func(t *ModelTrainer) { t.groups = groups }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *ModelTrainer) { t.logger = l }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(t *ModelTrainer) { t.RunID = id }
}

// NewModelTrainer validates the inputs and returns an Unsplit trainer.
func NewModelTrainer(X *mat.Dense, y *mat.VecDense, featureNames []string, cfg *config.Config, opts ...Option) (*ModelTrainer, error) {
	if X == nil || y == nil {
		return nil, errors.NewModelError("NewModelTrainer", "empty data", errors.ErrEmptyData)
	}
	r, c := X.Dims()
	if y.Len() != r {
		return nil, errors.NewDimensionError("NewModelTrainer", r, y.Len(), 0)
	}
	if len(featureNames) != c {
		return nil, errors.NewDimensionError("NewModelTrainer", c, len(featureNames), 1)
	}

	t := &ModelTrainer{
		RunID:        uuid.NewString(),
		cfg:          cfg,
		X:            X,
		y:            y,
		featureNames: featureNames,
		models:       map[string]model.CandidateModel{},
		results:      map[string]metrics.Report{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.groups != nil && len(t.groups) != r {
		return nil, errors.NewDimensionError("NewModelTrainer", r, len(t.groups), 0)
	}
	if t.logger == nil {
		t.logger = log.GetLoggerWithName("training")
	}
	t.logger = t.logger.With(log.RunIDKey, t.RunID)

	seed := cfg.Training.RandomSeed
	t.forest = ensemble.DefaultForestParams()
	t.forest.Seed = seed
	t.xgboost = ensemble.DefaultXGBoostParams()
	t.xgboost.Seed = seed
	t.lightgbm = ensemble.DefaultLightGBMParams()
	t.lightgbm.Seed = seed
	t.lightgbm.EarlyStoppingRounds = cfg.Training.EarlyStoppingRounds
	return t, nil
}

// State returns the current lifecycle state.
func (t *ModelTrainer) State() State { return t.state }

// FeatureNames returns the feature column order.
func (t *ModelTrainer) FeatureNames() []string { return t.featureNames }

// TrainSet returns the training partition.
func (t *ModelTrainer) TrainSet() (*mat.Dense, *mat.VecDense) { return t.trainX, t.trainY }

// TestSet returns the held-out partition.
func (t *ModelTrainer) TestSet() (*mat.Dense, *mat.VecDense) { return t.testX, t.testY }

// Model returns a trained candidate.
func (t *ModelTrainer) Model(name string) (model.CandidateModel, error) {
	m, ok := t.models[name]
	if !ok {
		return nil, errors.NewModelNotTrainedError(name)
	}
	return m, nil
}

// Results returns the evaluations in training order.
func (t *ModelTrainer) Results() []EvaluationResult {
	out := make([]EvaluationResult, 0, len(t.results))
	for _, name := range t.order {
		if r, ok := t.results[name]; ok {
			out = append(out, EvaluationResult{Name: name, Report: r})
		}
	}
	return out
}

// BestModelName returns the selected model name, empty before selection.
func (t *ModelTrainer) BestModelName() string { return t.bestName }

func (t *ModelTrainer) require(op string, s State) error {
	if t.state < s {
		return errors.NewStateError(op, t.state.String(), s.String())
	}
	return nil
}

func (t *ModelTrainer) advance(s State) {
	if t.state < s {
		t.state = s
	}
}

// SplitData partitions the rows into train and test sets with
// int(n*testSize) test rows, stratified by group when groups were given.
func (t *ModelTrainer) SplitData(testSize float64) error {
	if t.state != Unsplit {
		return errors.NewStateError("SplitData", t.state.String(), Unsplit.String())
	}
	if testSize <= 0 || testSize >= 1 {
		return errors.NewValidationError("test_size", "must be in (0, 1)", testSize)
	}
	n, _ := t.X.Dims()
	nTest := int(float64(n) * testSize)
	if nTest < 1 || nTest >= n {
		return errors.NewValidationError("test_size", fmt.Sprintf("leaves an empty partition for %d rows", n), testSize)
	}

	seed := t.cfg.Training.RandomSeed
	rng := rand.New(rand.NewPCG(seed, seed))
	train, test, stratified := splitIndices(rng, n, testSize, t.groups)
	if t.groups != nil && !stratified {
		t.logger.Warn("Stratified split not possible, using random split")
	}

	t.trainX = model.TakeRows(t.X, train)
	t.trainY = model.TakeVec(t.y, train)
	t.testX = model.TakeRows(t.X, test)
	t.testY = model.TakeVec(t.y, test)
	t.state = Split

	t.logger.Info("Data split",
		"train_samples", len(train),
		"test_samples", len(test),
		"stratified", stratified,
	)
	return nil
}

// holdout returns the fitting rows and the held-out rows used for early
// stopping and tuning. With the validation source the last
// ValidationFraction of the training partition is carved off; with the test
// source the test partition is used.
func (t *ModelTrainer) holdout() (fitX *mat.Dense, fitY *mat.VecDense, valX *mat.Dense, valY *mat.VecDense) {
	if t.cfg.Training.EarlyStoppingSource == config.EarlyStoppingTest {
		return t.trainX, t.trainY, t.testX, t.testY
	}
	n, _ := t.trainX.Dims()
	nVal := int(float64(n) * t.cfg.Training.ValidationFraction)
	if nVal < 1 || n-nVal < 2 {
		return t.trainX, t.trainY, nil, nil
	}
	fit := make([]int, n-nVal)
	for i := range fit {
		fit[i] = i
	}
	val := make([]int, nVal)
	for i := range val {
		val[i] = n - nVal + i
	}
	return model.TakeRows(t.trainX, fit), model.TakeVec(t.trainY, fit),
		model.TakeRows(t.trainX, val), model.TakeVec(t.trainY, val)
}

func (t *ModelTrainer) store(m model.CandidateModel, started time.Time) {
	name := m.Name()
	if _, ok := t.models[name]; !ok {
		t.order = append(t.order, name)
	}
	t.models[name] = m
	delete(t.results, name)
	t.bestName = ""
	t.advance(Trained)
	t.logger.Info("Model trained",
		log.ModelNameKey, name,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
}

// TrainLinearRegression fits the OLS baseline.
func (t *ModelTrainer) TrainLinearRegression() (*linear.LinearRegression, error) {
	if err := t.require("TrainLinearRegression", Split); err != nil {
		return nil, err
	}
	started := time.Now()
	m := linear.NewLinearRegression()
	if err := m.Fit(t.trainX, t.trainY); err != nil {
		return nil, errors.Wrap(err, "train LinearRegression")
	}
	t.store(m, started)
	return m, nil
}

// TrainRandomForest fits a forest with p, or the current parameters when p
// is nil.
func (t *ModelTrainer) TrainRandomForest(ctx context.Context, p *ensemble.ForestParams) (*ensemble.RandomForest, error) {
	if err := t.require("TrainRandomForest", Split); err != nil {
		return nil, err
	}
	if p != nil {
		t.forest = *p
	}
	started := time.Now()
	m := ensemble.NewRandomForest(t.forest)
	if err := m.FitContext(ctx, t.trainX, t.trainY); err != nil {
		return nil, errors.Wrap(err, "train RandomForest")
	}
	t.store(m, started)
	return m, nil
}

// TrainXGBoost fits the depth-wise booster with p, or the current
// parameters when p is nil.
func (t *ModelTrainer) TrainXGBoost(p *ensemble.BoostParams) (*ensemble.GradientBoosting, error) {
	if err := t.require("TrainXGBoost", Split); err != nil {
		return nil, err
	}
	if p != nil {
		t.xgboost = *p
	}
	return t.trainBooster(ensemble.NewXGBoost(t.xgboost))
}

// TrainLightGBM fits the leaf-wise booster with early stopping on the
// configured holdout.
func (t *ModelTrainer) TrainLightGBM(p *ensemble.BoostParams) (*ensemble.GradientBoosting, error) {
	if err := t.require("TrainLightGBM", Split); err != nil {
		return nil, err
	}
	if p != nil {
		t.lightgbm = *p
	}
	return t.trainBooster(ensemble.NewLightGBM(t.lightgbm))
}

func (t *ModelTrainer) trainBooster(m *ensemble.GradientBoosting) (*ensemble.GradientBoosting, error) {
	started := time.Now()
	var err error
	if m.Params.EarlyStoppingRounds > 0 {
		fitX, fitY, valX, valY := t.holdout()
		if valX == nil {
			err = m.Fit(t.trainX, t.trainY)
		} else {
			if t.cfg.Training.EarlyStoppingSource == config.EarlyStoppingTest {
				t.logger.Warn("Early stopping on the test partition", log.ModelNameKey, m.Name())
			}
			err = m.FitWithValidation(fitX, fitY, valX, valY)
		}
	} else {
		err = m.Fit(t.trainX, t.trainY)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "train %s", m.Name())
	}
	t.store(m, started)
	if m.Params.EarlyStoppingRounds > 0 {
		t.logger.Debug("Boosting rounds kept",
			log.ModelNameKey, m.Name(),
			log.BestIterationKey, m.BestIteration,
		)
	}
	return m, nil
}

// TrainStackedEnsemble fits the XGBoost + LightGBM + RandomForest stack
// with the current parameters of each base learner.
func (t *ModelTrainer) TrainStackedEnsemble() (*ensemble.StackedEnsemble, error) {
	if err := t.require("TrainStackedEnsemble", Split); err != nil {
		return nil, err
	}
	fp, xp, lp := t.forest, t.xgboost, t.lightgbm
	m := ensemble.NewStackedEnsemble(t.cfg.Training.RandomSeed,
		func() model.CandidateModel { return ensemble.NewXGBoost(xp) },
		func() model.CandidateModel { return ensemble.NewLightGBM(lp) },
		func() model.CandidateModel { return ensemble.NewRandomForest(fp) },
	)
	m.Folds = t.cfg.Training.CVFolds
	started := time.Now()
	if err := m.Fit(t.trainX, t.trainY); err != nil {
		return nil, errors.Wrap(err, "train StackedEnsemble")
	}
	t.store(m, started)
	return m, nil
}

// TrainAllModels trains and evaluates every candidate in order, tuning the
// tree models first when tune is set.
func (t *ModelTrainer) TrainAllModels(ctx context.Context, tune, useEnsemble bool) error {
	if err := t.require("TrainAllModels", Split); err != nil {
		return err
	}
	t.logger.Info("Training all models", "tune", tune, "ensemble", useEnsemble)
	trials := t.cfg.Training.TuneTrials

	if _, err := t.TrainLinearRegression(); err != nil {
		return err
	}
	if _, err := t.EvaluateModel(linear.LinearRegressionName); err != nil {
		return err
	}

	var fp *ensemble.ForestParams
	if tune {
		p, err := t.TuneRandomForest(ctx, trials)
		if err != nil {
			return err
		}
		fp = &p
	}
	if _, err := t.TrainRandomForest(ctx, fp); err != nil {
		return err
	}
	if _, err := t.EvaluateModel(ensemble.RandomForestName); err != nil {
		return err
	}

	var xp *ensemble.BoostParams
	if tune {
		p, err := t.TuneXGBoost(ctx, trials)
		if err != nil {
			return err
		}
		xp = &p
	}
	if _, err := t.TrainXGBoost(xp); err != nil {
		return err
	}
	if _, err := t.EvaluateModel(ensemble.XGBoostName); err != nil {
		return err
	}

	var lp *ensemble.BoostParams
	if tune {
		p, err := t.TuneLightGBM(ctx, trials)
		if err != nil {
			return err
		}
		lp = &p
	}
	if _, err := t.TrainLightGBM(lp); err != nil {
		return err
	}
	if _, err := t.EvaluateModel(ensemble.LightGBMName); err != nil {
		return err
	}

	if useEnsemble {
		if _, err := t.TrainStackedEnsemble(); err != nil {
			return err
		}
		if _, err := t.EvaluateModel(ensemble.StackedEnsembleName); err != nil {
			return err
		}
	}
	t.logger.Info("All models trained", "n_models", len(t.order))
	return nil
}

// EvaluateModel scores a trained candidate on the test partition.
func (t *ModelTrainer) EvaluateModel(name string) (EvaluationResult, error) {
	if err := t.require("EvaluateModel", Trained); err != nil {
		return EvaluationResult{}, err
	}
	m, ok := t.models[name]
	if !ok {
		return EvaluationResult{}, errors.NewModelNotTrainedError(name)
	}
	pred, err := model.PredictVec(m, t.testX)
	if err != nil {
		return EvaluationResult{}, errors.Wrapf(err, "evaluate %s", name)
	}
	report, err := metrics.Regression(t.testY, pred)
	if err != nil {
		return EvaluationResult{}, errors.Wrapf(err, "evaluate %s", name)
	}
	t.results[name] = report
	t.bestName = ""
	t.advance(Evaluated)

	t.logger.Info("Model evaluated",
		log.ModelNameKey, name,
		log.MAEKey, report.MAE,
		log.RMSEKey, report.RMSE,
		log.R2ScoreKey, report.R2,
		log.MAPEKey, report.MAPE,
	)
	return EvaluationResult{Name: name, Report: report}, nil
}

// SelectBestModel picks the evaluated candidate with the lowest RMSE; the
// first trained wins ties.
func (t *ModelTrainer) SelectBestModel() (string, model.CandidateModel, error) {
	if len(t.results) == 0 {
		return "", nil, errors.NewNoEvaluatedModelsError()
	}
	best := ""
	for _, name := range t.order {
		r, ok := t.results[name]
		if !ok {
			continue
		}
		if best == "" || r.RMSE < t.results[best].RMSE {
			best = name
		}
	}
	t.bestName = best
	t.advance(Selected)

	r := t.results[best]
	t.logger.Info("Best model selected",
		log.ModelNameKey, best,
		log.RMSEKey, r.RMSE,
		log.R2ScoreKey, r.R2,
	)
	return best, t.models[best], nil
}

// Summary renders the evaluation table sorted by RMSE.
func (t *ModelTrainer) Summary() string {
	results := t.Results()
	sort.SliceStable(results, func(i, j int) bool { return results[i].RMSE < results[j].RMSE })

	var b strings.Builder
	rule := strings.Repeat("=", 68)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "MODEL COMPARISON")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "%-20s %12s %12s %10s %10s\n", "Model", "MAE", "RMSE", "R2", "MAPE")
	fmt.Fprintln(&b, strings.Repeat("-", 68))
	for _, r := range results {
		fmt.Fprintf(&b, "%-20s %12.2f %12.2f %10.4f %9.2f%%\n", r.Name, r.MAE, r.RMSE, r.R2, r.MAPE)
	}
	fmt.Fprintln(&b, rule)
	if t.bestName != "" {
		fmt.Fprintf(&b, "Best Model: %s\n", t.bestName)
		fmt.Fprintln(&b, rule)
	}
	return b.String()
}

package training

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/ensemble"
	"github.com/YuminosukeSato/agipredict/linear"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

func linearData(rows, cols int) (*mat.Dense, *mat.VecDense, []string) {
	rng := rand.New(rand.NewPCG(42, 42))
	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	names := make([]string, cols)
	for j := range names {
		names[j] = "feature_" + string(rune('a'+j))
	}
	for i := 0; i < rows; i++ {
		sum := 50.0
		for j := 0; j < cols; j++ {
			v := rng.NormFloat64()
			X.Set(i, j, v)
			sum += v * float64(j+1) * 2
		}
		y.SetVec(i, sum+rng.NormFloat64()*0.5)
	}
	return X, y, names
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ModelsDir = filepath.Join(dir, "models")
	cfg.Paths.ModelFile = filepath.Join(dir, "models", "best_model.gob")
	cfg.Paths.ReportsDir = filepath.Join(dir, "reports")
	return cfg
}

func newTrainer(t *testing.T, rows, cols int, opts ...Option) *ModelTrainer {
	t.Helper()
	errors.SetWarningHandler(func(error) {})
	t.Cleanup(func() { errors.SetWarningHandler(nil) })

	X, y, names := linearData(rows, cols)
	logger, _ := log.NewTestLogger(log.LevelDebug)
	opts = append([]Option{WithLogger(logger)}, opts...)
	tr, err := NewModelTrainer(X, y, names, testConfig(t), opts...)
	require.NoError(t, err)
	return tr
}

func TestNewModelTrainerValidation(t *testing.T) {
	X, y, names := linearData(10, 2)
	cfg := config.Default()

	_, err := NewModelTrainer(X, mat.NewVecDense(9, nil), names, cfg)
	assert.Error(t, err)
	_, err = NewModelTrainer(X, y, names[:1], cfg)
	assert.Error(t, err)
	_, err = NewModelTrainer(X, y, names, cfg, WithGroups([]string{"a"}))
	assert.Error(t, err)

	tr, err := NewModelTrainer(X, y, names, cfg, WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", tr.RunID)
	assert.Equal(t, Unsplit, tr.State())
}

func TestSplitDataSizes(t *testing.T) {
	tr := newTrainer(t, 100, 3)
	require.NoError(t, tr.SplitData(0.2))
	assert.Equal(t, Split, tr.State())

	trainX, trainY := tr.TrainSet()
	testX, testY := tr.TestSet()
	r, _ := trainX.Dims()
	assert.Equal(t, 80, r)
	assert.Equal(t, 80, trainY.Len())
	r, _ = testX.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 20, testY.Len())

	var state *errors.StateError
	assert.True(t, errors.As(tr.SplitData(0.2), &state))
}

func TestSplitDataRejectsEmptyPartition(t *testing.T) {
	tr := newTrainer(t, 3, 1)
	assert.Error(t, tr.SplitData(0.2))
	assert.Error(t, tr.SplitData(1.5))
	assert.Equal(t, Unsplit, tr.State())
}

func TestSplitIndicesStratified(t *testing.T) {
	groups := make([]string, 50)
	for i := range groups {
		groups[i] = []string{"01", "02", "03", "04", "05"}[i%5]
	}
	rng := rand.New(rand.NewPCG(1, 1))
	train, test, stratified := splitIndices(rng, 50, 0.2, groups)
	require.True(t, stratified)
	assert.Len(t, test, 10)
	assert.Len(t, train, 40)

	perGroup := map[string]int{}
	for _, i := range test {
		perGroup[groups[i]]++
	}
	for _, g := range []string{"01", "02", "03", "04", "05"} {
		assert.Equal(t, 2, perGroup[g], g)
	}

	all := append(append([]int(nil), train...), test...)
	sort.Ints(all)
	for i := range all {
		assert.Equal(t, i, all[i])
	}
}

func TestSplitIndicesFallback(t *testing.T) {
	groups := []string{"a", "a", "a", "b", "b", "b", "c", "c", "c", "lonely"}
	rng := rand.New(rand.NewPCG(1, 1))
	train, test, stratified := splitIndices(rng, 10, 0.3, groups)
	assert.False(t, stratified)
	assert.Len(t, test, 3)
	assert.Len(t, train, 7)
}

func TestSplitDataWithGroupsLogsFallback(t *testing.T) {
	errors.SetWarningHandler(func(error) {})
	defer errors.SetWarningHandler(nil)

	X, y, names := linearData(10, 2)
	logger, buf := log.NewTestLogger(log.LevelDebug)
	groups := []string{"a", "a", "a", "b", "b", "b", "c", "c", "c", "lonely"}
	tr, err := NewModelTrainer(X, y, names, config.Default(), WithLogger(logger), WithGroups(groups))
	require.NoError(t, err)
	require.NoError(t, tr.SplitData(0.2))
	assert.True(t, logger.ContainsMessage("Stratified split not possible, using random split"), buf.String())
}

func TestStateMachine(t *testing.T) {
	tr := newTrainer(t, 50, 2)

	var state *errors.StateError
	_, err := tr.TrainLinearRegression()
	require.True(t, errors.As(err, &state))
	assert.Equal(t, "Unsplit", state.Current)
	assert.Equal(t, "Split", state.Required)

	_, err = tr.EvaluateModel(linear.LinearRegressionName)
	assert.True(t, errors.As(err, &state))
	_, err = tr.SaveBestModel()
	assert.True(t, errors.As(err, &state))

	require.NoError(t, tr.SplitData(0.2))
	_, err = tr.EvaluateModel(linear.LinearRegressionName)
	assert.True(t, errors.As(err, &state))

	_, err = tr.TrainLinearRegression()
	require.NoError(t, err)
	assert.Equal(t, Trained, tr.State())

	var notTrained *errors.ModelNotTrainedError
	_, err = tr.EvaluateModel("XGBoost")
	assert.True(t, errors.As(err, &notTrained))

	_, err = tr.EvaluateModel(linear.LinearRegressionName)
	require.NoError(t, err)
	assert.Equal(t, Evaluated, tr.State())

	name, m, err := tr.SelectBestModel()
	require.NoError(t, err)
	assert.Equal(t, linear.LinearRegressionName, name)
	assert.NotNil(t, m)
	assert.Equal(t, Selected, tr.State())
}

func TestSelectBestModelNoEvaluations(t *testing.T) {
	tr := newTrainer(t, 20, 2)
	var none *errors.NoEvaluatedModelsError
	_, _, err := tr.SelectBestModel()
	assert.True(t, errors.As(err, &none))
}

func TestSelectBestModelDeterministic(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]float64
		want    string
	}{
		{"lowest rmse", map[string]float64{"A": 105, "B": 100}, "B"},
		{"tie goes to first trained", map[string]float64{"A": 100, "B": 100}, "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTrainer(t, 20, 2)
			tr.state = Evaluated
			for _, name := range []string{"A", "B"} {
				tr.order = append(tr.order, name)
				tr.models[name] = linear.NewLinearRegression()
				tr.results[name] = metrics.Report{RMSE: tt.results[name]}
			}
			got, _, err := tr.SelectBestModel()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, tr.BestModelName())
		})
	}
}

func TestEndToEndLinearAndForest(t *testing.T) {
	tr := newTrainer(t, 1000, 3)
	require.NoError(t, tr.SplitData(0.2))

	_, err := tr.TrainLinearRegression()
	require.NoError(t, err)
	lr, err := tr.EvaluateModel(linear.LinearRegressionName)
	require.NoError(t, err)
	assert.Greater(t, lr.R2, 0.9)

	p := ensemble.DefaultForestParams()
	p.NEstimators = 30
	_, err = tr.TrainRandomForest(context.Background(), &p)
	require.NoError(t, err)
	rf, err := tr.EvaluateModel(ensemble.RandomForestName)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rf.R2, 0.0)

	results := tr.Results()
	require.Len(t, results, 2)
	assert.Equal(t, linear.LinearRegressionName, results[0].Name)
	assert.Equal(t, ensemble.RandomForestName, results[1].Name)

	name, _, err := tr.SelectBestModel()
	require.NoError(t, err)
	assert.Equal(t, linear.LinearRegressionName, name)
}

func TestSaveBestModelRoundTrip(t *testing.T) {
	tr := newTrainer(t, 200, 3)
	require.NoError(t, tr.SplitData(0.2))
	_, err := tr.TrainLinearRegression()
	require.NoError(t, err)
	_, err = tr.EvaluateModel(linear.LinearRegressionName)
	require.NoError(t, err)
	xp := ensemble.DefaultXGBoostParams()
	xp.NEstimators = 20
	_, err = tr.TrainXGBoost(&xp)
	require.NoError(t, err)
	_, err = tr.EvaluateModel(ensemble.XGBoostName)
	require.NoError(t, err)

	path, err := tr.SaveBestModel()
	require.NoError(t, err)
	assert.Equal(t, Saved, tr.State())

	artifact, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, tr.BestModelName(), artifact.Name)
	assert.Equal(t, tr.RunID, artifact.RunID)
	assert.Equal(t, tr.FeatureNames(), artifact.FeatureNames)

	testX, _ := tr.TestSet()
	best, err := tr.Model(tr.BestModelName())
	require.NoError(t, err)
	want, err := model.PredictVec(best, testX)
	require.NoError(t, err)
	got, err := artifact.Predict(testX)
	require.NoError(t, err)
	mae, err := metrics.MAE(want, got)
	require.NoError(t, err)
	assert.Equal(t, 0.0, mae)

	_, err = artifact.Predict(mat.NewDense(1, 2, nil))
	assert.Error(t, err)

	results, err := LoadResults(tr.cfg.ResultsFile())
	require.NoError(t, err)
	assert.Contains(t, results, linear.LinearRegressionName)
	assert.Contains(t, results, ensemble.XGBoostName)

	paths, err := tr.SaveAllModels(filepath.Join(t.TempDir(), "all"))
	require.NoError(t, err)
	require.Len(t, paths, 2)
	other, err := LoadArtifact(paths[1])
	require.NoError(t, err)
	assert.Equal(t, ensemble.XGBoostName, other.Name)
}

func TestSaveBestModelReselectsAfterRetrain(t *testing.T) {
	tr := newTrainer(t, 300, 3)
	require.NoError(t, tr.SplitData(0.2))
	_, err := tr.TrainLinearRegression()
	require.NoError(t, err)
	_, err = tr.EvaluateModel(linear.LinearRegressionName)
	require.NoError(t, err)
	p := ensemble.DefaultForestParams()
	p.NEstimators = 10
	_, err = tr.TrainRandomForest(context.Background(), &p)
	require.NoError(t, err)
	rf, err := tr.EvaluateModel(ensemble.RandomForestName)
	require.NoError(t, err)

	name, _, err := tr.SelectBestModel()
	require.NoError(t, err)
	require.Equal(t, linear.LinearRegressionName, name)

	// the retrained baseline has no evaluation yet
	_, err = tr.TrainLinearRegression()
	require.NoError(t, err)
	assert.Empty(t, tr.BestModelName())

	path, err := tr.SaveBestModel()
	require.NoError(t, err)
	artifact, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, ensemble.RandomForestName, artifact.Name)
	assert.Equal(t, rf.Report, artifact.Metrics)

	results, err := LoadResults(tr.cfg.ResultsFile())
	require.NoError(t, err)
	assert.Contains(t, results, artifact.Name)
	assert.NotContains(t, results, linear.LinearRegressionName)
}

func TestLoadArtifactMissing(t *testing.T) {
	var nf *errors.DataNotFoundError
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "missing.gob"))
	assert.True(t, errors.As(err, &nf))
	_, err = LoadResults(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.As(err, &nf))
}

func TestTrainAllModels(t *testing.T) {
	tr := newTrainer(t, 200, 3)
	tr.cfg.Training.CVFolds = 3
	tr.forest.NEstimators = 10
	tr.xgboost.NEstimators = 20
	tr.lightgbm.NEstimators = 20
	require.NoError(t, tr.SplitData(0.2))
	require.NoError(t, tr.TrainAllModels(context.Background(), false, true))

	var names []string
	for _, r := range tr.Results() {
		names = append(names, r.Name)
		assert.False(t, math.IsNaN(r.RMSE))
	}
	assert.Equal(t, []string{
		linear.LinearRegressionName,
		ensemble.RandomForestName,
		ensemble.XGBoostName,
		ensemble.LightGBMName,
		ensemble.StackedEnsembleName,
	}, names)

	lgbm, err := tr.Model(ensemble.LightGBMName)
	require.NoError(t, err)
	gb := lgbm.(*ensemble.GradientBoosting)
	assert.Len(t, gb.Trees, gb.BestIteration+1)

	summary := tr.Summary()
	for _, n := range names {
		assert.True(t, strings.Contains(summary, n), n)
	}
}

func TestTuneXGBoost(t *testing.T) {
	tr := newTrainer(t, 150, 2)
	require.NoError(t, tr.SplitData(0.2))

	p, err := tr.TuneXGBoost(context.Background(), 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p.NEstimators, 50)
	assert.LessOrEqual(t, p.NEstimators, 300)
	assert.GreaterOrEqual(t, p.LearningRate, 0.01)
	assert.LessOrEqual(t, p.LearningRate, 0.3)
	assert.NoError(t, p.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.TuneRandomForest(ctx, 3)
	assert.Error(t, err)
}

func TestTPESamplerMinimises(t *testing.T) {
	space := []Param{
		{Name: "x", Kind: FloatParam, Low: 0, High: 5},
		{Name: "c", Kind: CategoricalParam, Choices: []string{"bad", "good"}},
	}
	s := NewTPESampler(space, 42)
	best, err := s.Optimize(context.Background(), 60, func(_ context.Context, v map[string]float64) (float64, error) {
		penalty := 0.0
		if v["c"] == 0 {
			penalty = 10
		}
		return (v["x"]-2)*(v["x"]-2) + penalty, nil
	})
	require.NoError(t, err)
	assert.Len(t, s.Trials(), 60)
	assert.Equal(t, 1.0, best.Params["c"])
	assert.InDelta(t, 2.0, best.Params["x"], 0.5)

	again := NewTPESampler(space, 42)
	for i := 0; i < 15; i++ {
		assert.Equal(t, s.Trials()[i].Params, again.Suggest())
		again.trials = append(again.trials, s.Trials()[i])
	}
}

func TestTPESamplerParamKinds(t *testing.T) {
	space := []Param{
		{Name: "n", Kind: IntParam, Low: 3, High: 7},
		{Name: "lr", Kind: LogFloatParam, Low: 0.01, High: 0.3},
	}
	s := NewTPESampler(space, 7)
	_, err := s.Optimize(context.Background(), 20, func(_ context.Context, v map[string]float64) (float64, error) {
		return v["lr"], nil
	})
	require.NoError(t, err)
	for _, tr := range s.Trials() {
		n := tr.Params["n"]
		assert.Equal(t, math.Round(n), n)
		assert.GreaterOrEqual(t, n, 3.0)
		assert.LessOrEqual(t, n, 7.0)
		assert.GreaterOrEqual(t, tr.Params["lr"], 0.01-1e-12)
		assert.LessOrEqual(t, tr.Params["lr"], 0.3+1e-12)
	}

	failing := NewTPESampler(space, 7)
	_, err = failing.Optimize(context.Background(), 3, func(context.Context, map[string]float64) (float64, error) {
		return 0, errors.New("boom")
	})
	assert.Error(t, err)
}

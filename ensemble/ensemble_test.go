package ensemble

import (
	"bytes"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/linear"
	"github.com/YuminosukeSato/agipredict/metrics"
)

func linearData(rows, cols int, seed uint64) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		sum := 1.0
		for j := 0; j < cols; j++ {
			v := rng.Float64()*2 - 1
			X.Set(i, j, v)
			sum += v * float64(j+1) * 0.5
		}
		y.SetVec(i, sum+(rng.Float64()-0.5)*0.1)
	}
	return X, y
}

func r2(t *testing.T, m model.Predictor, X mat.Matrix, y *mat.VecDense) float64 {
	t.Helper()
	pred, err := model.PredictVec(m, X)
	require.NoError(t, err)
	s, err := metrics.R2Score(y, pred)
	require.NoError(t, err)
	return s
}

func TestKFoldPartition(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		splits  int
		shuffle bool
	}{
		{"even", 10, 5, false},
		{"remainder", 11, 3, true},
		{"defaulted", 7, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kf := NewKFold(tt.splits, tt.shuffle, 42)
			folds := kf.Split(tt.n)
			require.Len(t, folds, kf.NSplits)

			var seen []int
			for i, f := range folds {
				assert.Len(t, f.TrainIndices, tt.n-len(f.TestIndices))
				if i > 0 {
					assert.LessOrEqual(t, len(f.TestIndices), len(folds[0].TestIndices))
				}
				seen = append(seen, f.TestIndices...)

				inTest := map[int]bool{}
				for _, r := range f.TestIndices {
					inTest[r] = true
				}
				for _, r := range f.TrainIndices {
					assert.False(t, inTest[r], "row %d in both partitions", r)
				}
			}
			sort.Ints(seen)
			for i := range seen {
				assert.Equal(t, i, seen[i])
			}
		})
	}

	a := NewKFold(4, true, 7).Split(20)
	b := NewKFold(4, true, 7).Split(20)
	assert.Equal(t, a, b)
}

func TestStopper(t *testing.T) {
	s := newStopper(2)
	require.True(t, s.enabled())
	assert.Equal(t, -1, s.bestIter)

	assert.False(t, s.observe(0, 3.0))
	assert.False(t, s.observe(1, 2.0))
	assert.False(t, s.observe(2, 2.5))
	assert.True(t, s.observe(3, 2.1))
	assert.Equal(t, 1, s.bestIter)
	assert.Equal(t, 2.0, s.bestRMSE)

	off := newStopper(0)
	assert.False(t, off.enabled())
	assert.False(t, off.observe(0, 1))
}

func TestRandomForestFitPredict(t *testing.T) {
	X, y := linearData(1000, 3, 1)
	p := DefaultForestParams()
	p.NEstimators = 20

	rf := NewRandomForest(p)
	require.NoError(t, rf.Fit(X, y))
	assert.Equal(t, RandomForestName, rf.Name())
	assert.Len(t, rf.Trees, 20)
	assert.GreaterOrEqual(t, r2(t, rf, X, y), 0.0)

	imp, err := rf.GlobalImportance()
	require.NoError(t, err)
	require.Len(t, imp, 3)
	assert.InDelta(t, 1.0, imp[0]+imp[1]+imp[2], 1e-9)
	// largest coefficient
	assert.Greater(t, imp[2], imp[0])

	again := NewRandomForest(p)
	require.NoError(t, again.Fit(X, y))
	a, err := model.PredictVec(rf, X)
	require.NoError(t, err)
	b, err := model.PredictVec(again, X)
	require.NoError(t, err)
	assert.Equal(t, a.RawVector().Data, b.RawVector().Data)
}

func TestRandomForestErrors(t *testing.T) {
	rf := NewRandomForest(DefaultForestParams())
	_, err := rf.Predict(mat.NewDense(1, 2, nil))
	assert.Error(t, err)

	bad := DefaultForestParams()
	bad.MaxFeatures = "half"
	assert.Error(t, NewRandomForest(bad).Fit(mat.NewDense(2, 1, []float64{1, 2}), mat.NewVecDense(2, []float64{1, 2})))

	X, y := linearData(50, 2, 3)
	p := DefaultForestParams()
	p.NEstimators = 3
	rf = NewRandomForest(p)
	require.NoError(t, rf.Fit(X, y))
	_, err = rf.Predict(mat.NewDense(2, 3, nil))
	assert.Error(t, err)
}

func TestGradientBoostingFamilies(t *testing.T) {
	X, y := linearData(600, 3, 5)
	for _, gb := range []*GradientBoosting{
		NewXGBoost(DefaultXGBoostParams()),
		NewLightGBM(DefaultLightGBMParams()),
	} {
		t.Run(gb.Name(), func(t *testing.T) {
			require.NoError(t, gb.Fit(X, y))
			assert.Len(t, gb.Trees, gb.Params.NEstimators)
			assert.Equal(t, len(gb.Trees)-1, gb.BestIteration)
			assert.True(t, math.IsNaN(gb.BestScore))
			assert.Greater(t, r2(t, gb, X, y), 0.8)
		})
	}
	assert.Equal(t, XGBoostName, NewXGBoost(DefaultXGBoostParams()).Name())
	assert.Equal(t, LightGBMName, NewLightGBM(DefaultXGBoostParams()).Name())
}

func TestGradientBoostingEarlyStopping(t *testing.T) {
	X, y := linearData(400, 2, 11)
	Xval, yval := linearData(100, 2, 12)

	p := DefaultXGBoostParams()
	p.NEstimators = 300
	p.LearningRate = 0.5
	p.EarlyStoppingRounds = 5
	gb := NewXGBoost(p)
	require.NoError(t, gb.FitWithValidation(X, y, Xval, yval))

	assert.Len(t, gb.Trees, gb.BestIteration+1)
	assert.Less(t, len(gb.Trees), 300)
	assert.False(t, math.IsNaN(gb.BestScore))

	pred, err := model.PredictVec(gb, Xval)
	require.NoError(t, err)
	rmse, err := metrics.RMSE(yval, pred)
	require.NoError(t, err)
	assert.InDelta(t, gb.BestScore, rmse, 1e-9)
}

func TestTreeSHAPLocalAccuracy(t *testing.T) {
	X, y := linearData(300, 3, 21)
	fp := DefaultForestParams()
	fp.NEstimators = 10
	candidates := []interface {
		model.CandidateModel
		model.TreeExplainable
	}{
		NewRandomForest(fp),
		NewXGBoost(DefaultXGBoostParams()),
		NewLightGBM(DefaultLightGBMParams()),
	}
	sample := model.TakeRows(X, []int{0, 1, 2, 3, 4})
	for _, m := range candidates {
		t.Run(m.Name(), func(t *testing.T) {
			require.NoError(t, m.Fit(X, y))
			phi, err := m.SHAPValues(sample)
			require.NoError(t, err)
			pred, err := model.PredictVec(m, sample)
			require.NoError(t, err)
			base := m.ExpectedValue()
			for i := 0; i < 5; i++ {
				sum := base
				for j := 0; j < 3; j++ {
					sum += phi.At(i, j)
				}
				assert.InDelta(t, pred.AtVec(i), sum, 1e-6)
			}
		})
	}
}

func testFactories() []model.Factory {
	fp := DefaultForestParams()
	fp.NEstimators = 10
	xp := DefaultXGBoostParams()
	xp.NEstimators = 30
	return []model.Factory{
		func() model.CandidateModel { return linear.NewLinearRegression() },
		func() model.CandidateModel { return NewRandomForest(fp) },
		func() model.CandidateModel { return NewXGBoost(xp) },
	}
}

func TestStackedEnsemble(t *testing.T) {
	X, y := linearData(300, 3, 31)
	s := NewStackedEnsemble(42, testFactories()...)
	require.NoError(t, s.Fit(X, y))
	assert.Equal(t, StackedEnsembleName, s.Name())
	require.Len(t, s.Bases, 3)
	require.Len(t, s.Meta.Coef, 3)
	assert.Greater(t, r2(t, s, X, y), 0.9)

	var buf bytes.Buffer
	require.NoError(t, model.SaveModelToWriter(s, &buf))
	var loaded StackedEnsemble
	require.NoError(t, model.LoadModelFromReader(&loaded, &buf))

	a, err := model.PredictVec(s, X)
	require.NoError(t, err)
	b, err := model.PredictVec(&loaded, X)
	require.NoError(t, err)
	mae, err := metrics.MAE(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, mae)
}

func TestStackedEnsembleErrors(t *testing.T) {
	X, y := linearData(4, 2, 1)
	assert.Error(t, NewStackedEnsemble(1).Fit(X, y))
	assert.Error(t, NewStackedEnsemble(1, testFactories()...).Fit(X, y))

	_, err := NewStackedEnsemble(1, testFactories()...).Predict(X)
	assert.Error(t, err)
}

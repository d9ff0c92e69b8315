package interpret

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/outcome"
	"github.com/YuminosukeSato/agipredict/ensemble"
	"github.com/YuminosukeSato/agipredict/linear"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/table"
)

var names = []string{"wages", "dividends", "noise"}

// y = 4*wages + dividends + 0*noise + small noise
func incomeData(rows int, seed uint64) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := mat.NewDense(rows, 3, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		a, b, c := rng.Float64()*2-1, rng.Float64()*2-1, rng.Float64()*2-1
		X.SetRow(i, []float64{a, b, c})
		y.SetVec(i, 10+4*a+b+(rng.Float64()-0.5)*0.01)
	}
	return X, y
}

func fitLinear(t *testing.T, X *mat.Dense, y *mat.VecDense) *linear.LinearRegression {
	t.Helper()
	lr := linear.NewLinearRegression()
	require.NoError(t, lr.Fit(X, y))
	return lr
}

func newExplainer(t *testing.T, m model.Predictor, X *mat.Dense, y *mat.VecDense, opts ...Option) *Explainer {
	t.Helper()
	cfg := config.Default()
	cfg.Interpret.BackgroundSize = 20
	e, err := NewExplainer("test", m, X, y, names, cfg, opts...)
	require.NoError(t, err)
	return e
}

func assertLocalAccuracy(t *testing.T, m model.Predictor, X *mat.Dense, res SHAPResult, tol float64) {
	t.Helper()
	pred, err := model.PredictVec(m, model.TakeRows(X, res.Rows))
	require.NoError(t, err)
	for i := range res.Rows {
		sum := res.ExpectedValue
		for j := 0; j < len(names); j++ {
			sum += res.Values.At(i, j)
		}
		assert.InDelta(t, pred.AtVec(i), sum, tol, "row %d", i)
	}
}

func TestNewExplainerValidation(t *testing.T) {
	X, y := incomeData(20, 1)
	cfg := config.Default()

	_, err := NewExplainer("m", nil, X, y, names, cfg)
	var nt *errors.ModelNotTrainedError
	assert.True(t, errors.As(err, &nt))

	lr := fitLinear(t, X, y)
	_, err = NewExplainer("m", lr, X, mat.NewVecDense(3, nil), names, cfg)
	assert.Error(t, err)
	_, err = NewExplainer("m", lr, X, y, names[:2], cfg)
	assert.Error(t, err)
}

func TestHoldoutTail(t *testing.T) {
	X, y := incomeData(100, 2)
	Xt, yt := HoldoutTail(X, y, DefaultHoldoutFraction)
	r, _ := Xt.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 20, yt.Len())
	assert.Equal(t, X.At(80, 0), Xt.At(0, 0))
	assert.Equal(t, y.AtVec(99), yt.AtVec(19))

	small, _ := incomeData(3, 3)
	Xs, _ := HoldoutTail(small, mat.NewVecDense(3, nil), 0.2)
	r, _ = Xs.Dims()
	assert.Equal(t, 1, r)
}

func TestPermutationImportance(t *testing.T) {
	X, y := incomeData(400, 4)
	lr := fitLinear(t, X, y)
	e := newExplainer(t, lr, X, y)

	imps, err := e.ComputePermutationImportance(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, imps, 3)
	assert.Equal(t, "wages", imps[0].Feature)
	assert.Equal(t, "dividends", imps[1].Feature)
	assert.Greater(t, imps[0].Mean, imps[1].Mean)
	assert.InDelta(t, 0, imps[2].Mean, 0.01)
	for _, imp := range imps {
		assert.GreaterOrEqual(t, imp.Std, 0.0)
	}
	assert.Equal(t, []string{"wages", "dividends"}, e.GetTopFeatures(2))

	again, err := newExplainer(t, lr, X, y).ComputePermutationImportance(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, imps, again)

	_, err = e.ComputePermutationImportance(context.Background(), 0)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ComputePermutationImportance(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSamplingSHAPLinear(t *testing.T) {
	X, y := incomeData(200, 5)
	lr := fitLinear(t, X, y)
	e := newExplainer(t, lr, X, y)

	res := e.ComputeSHAPValues(context.Background(), 30)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, MethodSampling, res.Method)
	assert.Len(t, res.Rows, 30)
	r, c := res.Values.Dims()
	assert.Equal(t, 30, r)
	assert.Equal(t, 3, c)
	assertLocalAccuracy(t, lr, X, res, 1e-9)

	top := res.MeanAbs(names)
	assert.Equal(t, "wages", top[0].Feature)
	assert.Less(t, top[2].Mean, 0.01)
	assert.Equal(t, []string{"wages", "dividends", "noise"}, e.GetTopFeatures(10))
}

func TestSamplingSHAPFixedBackground(t *testing.T) {
	X, y := incomeData(100, 6)
	lr := fitLinear(t, X, y)
	bg := mat.NewDense(1, 3, []float64{0, 0, 0})
	e := newExplainer(t, lr, X, y, WithBackground(bg))

	res := e.ComputeSHAPValues(context.Background(), 10)
	require.True(t, res.OK())
	base, err := model.PredictVec(lr, bg)
	require.NoError(t, err)
	assert.InDelta(t, base.AtVec(0), res.ExpectedValue, 1e-12)
	// additive model against a single zero row: wages credit is about 4*x
	for i, row := range res.Rows {
		assert.InDelta(t, 4*X.At(row, 0), res.Values.At(i, 0), 0.01)
	}
}

func TestTreeSHAP(t *testing.T) {
	X, y := incomeData(300, 7)
	p := ensemble.DefaultForestParams()
	p.NEstimators = 10
	p.MaxDepth = 6
	rf := ensemble.NewRandomForest(p)
	require.NoError(t, rf.Fit(X, y))

	e := newExplainer(t, rf, X, y)
	res := e.ComputeSHAPValues(context.Background(), 50)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, MethodTree, res.Method)
	assertLocalAccuracy(t, rf, X, res, 1e-6)
	assert.Equal(t, "wages", e.GetTopFeatures(1)[0])

	imps, ok := e.ModelImportance()
	require.True(t, ok)
	assert.Equal(t, "wages", imps[0].Feature)
}

// fragile panics on batches larger than limit rows.
type fragile struct {
	model.Predictor
	limit int
}

func (f fragile) Predict(X mat.Matrix) (mat.Matrix, error) {
	if r, _ := X.Dims(); r > f.limit {
		panic("batch too large")
	}
	return f.Predictor.Predict(X)
}

func TestSHAPFailureFallsBack(t *testing.T) {
	X, y := incomeData(50, 8)
	lr := fitLinear(t, X, y)
	logger, _ := log.NewTestLogger(log.LevelDebug)
	e := newExplainer(t, fragile{Predictor: lr, limit: 50}, X, y, WithLogger(logger))

	res := e.ComputeSHAPValues(context.Background(), 10)
	assert.False(t, res.OK())
	assert.Equal(t, outcome.Failed, res.Status)
	assert.Nil(t, res.Values)
	var ae *errors.AttributionComputationError
	require.True(t, errors.As(res.Err, &ae))
	assert.Equal(t, MethodSampling, ae.Method)
	assert.True(t, logger.ContainsMessage("SHAP computation failed, falling back to permutation importance"))

	assert.Nil(t, e.GetTopFeatures(3))
	_, err := e.ComputePermutationImportance(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "wages", e.GetTopFeatures(1)[0])
}

func TestReports(t *testing.T) {
	X, y := incomeData(200, 9)
	lr := fitLinear(t, X, y)
	e := newExplainer(t, lr, X, y)
	dir := t.TempDir()

	assert.Error(t, e.WritePermutationCSV(filepath.Join(dir, PermutationCSV)))
	assert.Error(t, e.WriteSHAPChart(filepath.Join(dir, SHAPChart), 3))

	imps, err := e.ComputePermutationImportance(context.Background(), 3)
	require.NoError(t, err)
	csvPath := filepath.Join(dir, "nested", PermutationCSV)
	require.NoError(t, e.WritePermutationCSV(csvPath))

	tbl, err := table.Load(csvPath, table.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "importance_mean", "importance_std"}, tbl.Names())
	feats, ok := tbl.Strings("feature")
	require.True(t, ok)
	assert.Equal(t, []string{"wages", "dividends", "noise"}, feats)
	means, ok := tbl.Numeric("importance_mean")
	require.True(t, ok)
	assert.InDelta(t, imps[0].Mean, means[0], 1e-12)

	chart := filepath.Join(dir, PermutationChart)
	require.NoError(t, e.WriteImportanceChart(chart, 2))
	info, err := os.Stat(chart)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.True(t, e.ComputeSHAPValues(context.Background(), 20).OK())
	require.NoError(t, e.WriteSHAPChart(filepath.Join(dir, SHAPChart), 10))

	assert.Error(t, WriteBarChart(nil, 5, "empty", "x", filepath.Join(dir, "empty.png")))
	assert.False(t, math.IsNaN(imps[2].Std))
}

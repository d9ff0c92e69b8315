package linear

import (
	"encoding/gob"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/parallel"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// LinearRegressionName は評価レポートのキーとして使われるモデル名
const LinearRegressionName = "LinearRegression"

// 並列処理の閾値（この値以下の行数では逐次処理を使用）
const parallelThreshold = 1000

// singularJitter は X^T X が特異なときに対角へ加える相対的な正則化量
const singularJitter = 1e-8

func init() {
	gob.Register(&LinearRegression{})
	gob.Register(&Ridge{})
}

// LinearRegression は正規方程式による最小二乗線形回帰モデル
// 入力はパイプラインで標準化済みのため、ここでは再スケーリングしない。
type LinearRegression struct {
	model.BaseEstimator
	Coef      []float64 // 係数
	Intercept float64   // 切片
	NFeatures int       // 特徴量の数
	Rank      int       // 切片列を含む計画行列のランク
	// Regularized は特異行列のため対角ジッターを使った場合にtrue
	Regularized bool
}

// NewLinearRegression は新しい線形回帰モデルを作成する
func NewLinearRegression() *LinearRegression {
	return &LinearRegression{}
}

// Name は model.CandidateModel を実装する
func (lr *LinearRegression) Name() string { return LinearRegressionName }

// Fit はモデルを訓練データで学習させる
// 正規方程式 (X^T X) w = X^T y を解く。X^T X が特異な場合は
// 対角に小さなジッターを加えて解き直し、ConvergenceWarning を発行する。
func (lr *LinearRegression) Fit(X, y mat.Matrix) error {
	r, c, err := checkXY("LinearRegression.Fit", X, y)
	if err != nil {
		return err
	}
	lr.NFeatures = c

	// 切片項のために X に 1 の列を追加
	XWithIntercept := withIntercept(X, r, c)

	var XTX mat.Dense
	XTX.Mul(XWithIntercept.T(), XWithIntercept)

	lr.Rank = c + 1
	var svd mat.SVD
	if svd.Factorize(&XTX, mat.SVDNone) {
		values := svd.Values(nil)
		tol := values[0] * float64(c+1) * 1e-12
		lr.Rank = 0
		for _, s := range values {
			if s > tol {
				lr.Rank++
			}
		}
	}

	var XTy mat.VecDense
	XTy.MulVec(XWithIntercept.T(), model.ToVec(y))

	weights := mat.NewVecDense(c+1, nil)
	lr.Regularized = false
	if err := weights.SolveVec(&XTX, &XTy); err != nil || lr.Rank < c+1 || !finite(weights.RawVector().Data) {
		// 切片以外の対角にジッターを加えて解き直す
		jitter := singularJitter * math.Max(mat.Trace(&XTX)/float64(c+1), 1)
		for i := 1; i <= c; i++ {
			XTX.Set(i, i, XTX.At(i, i)+jitter)
		}
		if err := weights.SolveVec(&XTX, &XTy); (err != nil && !isCondition(err)) || !finite(weights.RawVector().Data) {
			return errors.NewModelError("LinearRegression.Fit", "singular matrix", errors.ErrSingularMatrix)
		}
		lr.Regularized = true
		errors.Warn(errors.NewConvergenceWarning("LinearRegression", 0,
			"X^T X is singular; solved with diagonal jitter"))
		log.GetLoggerWithName("linear").Warn("Singular normal equations, using ridge jitter",
			log.ModelNameKey, LinearRegressionName, "rank", lr.Rank, "jitter", jitter)
	}

	// 切片と重みを分離
	lr.Intercept = weights.AtVec(0)
	lr.Coef = make([]float64, c)
	for i := 0; i < c; i++ {
		lr.Coef[i] = weights.AtVec(i + 1)
	}

	lr.SetFitted()
	return nil
}

// Predict は入力データに対する予測を行う
func (lr *LinearRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !lr.IsFitted() {
		return nil, errors.NewNotFittedError("LinearRegression", "Predict")
	}
	return predictLinear("LinearRegression.Predict", X, lr.Coef, lr.Intercept)
}

// GlobalImportance は係数の絶対値を正規化して返す
func (lr *LinearRegression) GlobalImportance() ([]float64, error) {
	if !lr.IsFitted() {
		return nil, errors.NewNotFittedError("LinearRegression", "GlobalImportance")
	}
	return absImportance(lr.Coef), nil
}

// Score はモデルの決定係数（R²）を計算する
func (lr *LinearRegression) Score(X, y mat.Matrix) (float64, error) {
	if !lr.IsFitted() {
		return 0, errors.NewNotFittedError("LinearRegression", "Score")
	}
	return score(lr, X, y)
}

// checkXY は学習データの形状を検証し (行数, 列数) を返す
func checkXY(op string, X, y mat.Matrix) (int, int, error) {
	r, c := X.Dims()
	ry, cy := y.Dims()
	if r == 0 || c == 0 {
		return 0, 0, errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	if ry != r {
		return 0, 0, errors.NewDimensionError(op, r, ry, 0)
	}
	if cy != 1 {
		return 0, 0, errors.NewValueError(op, "y must be a column vector")
	}
	return r, c, nil
}

// withIntercept は先頭に 1 の列を持つ計画行列を作る
func withIntercept(X mat.Matrix, r, c int) *mat.Dense {
	out := mat.NewDense(r, c+1, nil)
	parallel.ParallelizeWithThreshold(r, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			out.Set(i, 0, 1.0)
			for j := 0; j < c; j++ {
				out.Set(i, j+1, X.At(i, j))
			}
		}
	})
	return out
}

// predictLinear は y = X * coef + intercept を計算する
func predictLinear(op string, X mat.Matrix, coef []float64, intercept float64) (*mat.VecDense, error) {
	r, c := X.Dims()
	if c != len(coef) {
		return nil, errors.NewDimensionError(op, len(coef), c, 1)
	}
	pred := mat.NewVecDense(r, nil)
	pred.MulVec(X, mat.NewVecDense(c, coef))
	for i := 0; i < r; i++ {
		pred.SetVec(i, pred.AtVec(i)+intercept)
	}
	return pred, nil
}

func absImportance(coef []float64) []float64 {
	imp := make([]float64, len(coef))
	for i, v := range coef {
		imp[i] = math.Abs(v)
	}
	return model.NormalizeImportance(imp)
}

func score(p model.Predictor, X, y mat.Matrix) (float64, error) {
	pred, err := model.PredictVec(p, X)
	if err != nil {
		return 0, err
	}
	yv := model.ToVec(y)
	mean := floats.Sum(yv.RawVector().Data) / float64(yv.Len())

	// 全変動 (TSS) と残差変動 (RSS) を計算
	var tss, rss float64
	for i := 0; i < yv.Len(); i++ {
		d := yv.AtVec(i) - mean
		e := yv.AtVec(i) - pred.AtVec(i)
		tss += d * d
		rss += e * e
	}
	if tss == 0 {
		return 0, errors.NewValueError("Score", "total sum of squares is zero")
	}
	return 1 - rss/tss, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func isCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}

// Package metrics は回帰モデルの評価指標を提供する
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// checkPair は2つのベクトルが空でなく同じ長さであることを確認する
func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// MSE は平均二乗誤差（Mean Squared Error）を計算する
func MSE(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("MSE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	// MSE = (1/n) * Σ(yTrue - yPred)² = ||yTrue - yPred||₂² / n
	d := floats.Distance(values(yTrue), values(yPred), 2)
	return d * d / float64(n), nil
}

// RMSE は平方根平均二乗誤差（Root Mean Squared Error）を計算する
func RMSE(yTrue, yPred *mat.VecDense) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE は平均絶対誤差（Mean Absolute Error）を計算する
func MAE(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("MAE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(yTrue.AtVec(i) - yPred.AtVec(i))
	}
	return sum / float64(n), nil
}

// R2Score は決定係数（R²）を計算する
// yTrue の分散が0の場合はエラーを返す
func R2Score(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("R2Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	tss, rss := sumsOfSquares(yTrue, yPred, n)
	if tss == 0 {
		return 0, errors.Newf("R2Score: total sum of squares is zero (no variance in yTrue)")
	}
	// R² = 1 - RSS/TSS
	return 1 - rss/tss, nil
}

func sumsOfSquares(yTrue, yPred *mat.VecDense, n int) (tss, rss float64) {
	mean := stat.Mean(values(yTrue), nil)
	for i := 0; i < n; i++ {
		t, p := yTrue.AtVec(i), yPred.AtVec(i)
		tss += (t - mean) * (t - mean)
		rss += (t - p) * (t - p)
	}
	return tss, rss
}

// MAPE は平均絶対パーセンテージ誤差を計算する
// 分母に1を加えるため、yTrue が0でも定義される:
// MAPE = (100/n) * Σ|yTrue - yPred| / |yTrue + 1|
func MAPE(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("MAPE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		t := yTrue.AtVec(i)
		sum += math.Abs((t - yPred.AtVec(i)) / (t + 1))
	}
	return sum / float64(n) * 100, nil
}

// ExplainedVarianceScore は説明分散スコアを計算する
func ExplainedVarianceScore(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("ExplainedVarianceScore", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	diff := make([]float64, n)
	for i := range diff {
		diff[i] = yTrue.AtVec(i) - yPred.AtVec(i)
	}
	_, varTrue := stat.PopMeanVariance(values(yTrue), nil)
	_, varDiff := stat.PopMeanVariance(diff, nil)
	if varTrue == 0 {
		return 0, errors.Newf("ExplainedVarianceScore: no variance in yTrue")
	}
	// 説明分散スコア = 1 - Var(yTrue - yPred) / Var(yTrue)
	return 1 - varDiff/varTrue, nil
}

// Report は1つのモデルの評価結果
type Report struct {
	MAE  float64 `json:"MAE"`
	RMSE float64 `json:"RMSE"`
	R2   float64 `json:"R2"`
	MAPE float64 `json:"MAPE"`
}

// Regression はMAE, RMSE, R², MAPEをまとめて計算する
// yTrue の分散が0の場合、R²は予測が完全一致なら1、それ以外は0とし
// UndefinedMetricWarning を発行する
func Regression(yTrue, yPred *mat.VecDense) (Report, error) {
	n, err := checkPair("Regression", yTrue, yPred)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if r.MAE, err = MAE(yTrue, yPred); err != nil {
		return Report{}, err
	}
	if r.RMSE, err = RMSE(yTrue, yPred); err != nil {
		return Report{}, err
	}
	if r.MAPE, err = MAPE(yTrue, yPred); err != nil {
		return Report{}, err
	}

	tss, rss := sumsOfSquares(yTrue, yPred, n)
	switch {
	case tss != 0:
		r.R2 = 1 - rss/tss
	case rss == 0:
		r.R2 = 1
		errors.Warn(errors.NewUndefinedMetricWarning("R2", "constant yTrue", r.R2))
	default:
		errors.Warn(errors.NewUndefinedMetricWarning("R2", "constant yTrue", r.R2))
	}
	return r, nil
}

// Score はR²を返す（Permutation Importanceのスコア関数）
// 分散0の場合の扱いはRegressionと同じ
func Score(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	tss, rss := sumsOfSquares(yTrue, yPred, n)
	if tss == 0 {
		if rss == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - rss/tss, nil
}

func values(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う（n×1 の列ベクトル）
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// Regressor は回帰モデルのインターフェース
type Regressor interface {
	Fitter
	Predictor
}

// CandidateModel はモデル選択の候補となる名前付き回帰モデル
type CandidateModel interface {
	Regressor
	// Name はレポートのキーとして使われるモデル名を返す
	Name() string
}

// GlobalImportancer はモデル固有の大域的特徴量重要度を提供する能力
// 木系モデルは分割ゲイン、線形モデルは係数の絶対値で実装する。
// 実装しないモデルの場合、呼び出し側はPermutation Importanceを使う。
type GlobalImportancer interface {
	// GlobalImportance は特徴量ごとの重要度を返す（合計1に正規化）
	GlobalImportance() ([]float64, error)
}

// TreeExplainable は木ベースのモデルが厳密なTreeSHAP（パス依存）を提供する能力
type TreeExplainable interface {
	// ExpectedValue は全特徴量が欠損したときの予測値（SHAPの基準値）を返す
	ExpectedValue() float64
	// SHAPValues は各行・各特徴量のSHAP値を返す（行ごとの和＋基準値＝予測値）
	SHAPValues(X mat.Matrix) (*mat.Dense, error)
}

// Factory は同じハイパーパラメータで未学習のモデルを新しく作る関数
// スタッキングのfoldごとの学習やチューニングで使う
type Factory func() CandidateModel

// PredictVec はPredictの結果をVecDenseに変換する
func PredictVec(p Predictor, X mat.Matrix) (*mat.VecDense, error) {
	pred, err := p.Predict(X)
	if err != nil {
		return nil, err
	}
	r, c := pred.Dims()
	if c != 1 {
		return nil, errors.NewDimensionError("PredictVec", 1, c, 1)
	}
	if v, ok := pred.(*mat.VecDense); ok {
		return v, nil
	}
	out := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		out.SetVec(i, pred.At(i, 0))
	}
	return out, nil
}

// ToVec は n×1 の行列をVecDenseとしてコピーする
func ToVec(y mat.Matrix) *mat.VecDense {
	r, _ := y.Dims()
	out := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		out.SetVec(i, y.At(i, 0))
	}
	return out
}

// ToDense は任意の行列を*mat.Denseとして返す（既にDenseならそのまま）
func ToDense(X mat.Matrix) *mat.Dense {
	if d, ok := X.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(X)
}

// NormalizeImportance は重要度の合計が1になるように正規化する
func NormalizeImportance(imp []float64) []float64 {
	total := 0.0
	for _, v := range imp {
		total += v
	}
	out := make([]float64, len(imp))
	if total == 0 {
		return out
	}
	for i, v := range imp {
		out[i] = v / total
	}
	return out
}

// TakeRows は指定した行だけを持つ新しい行列を返す（重複可）
func TakeRows(X mat.Matrix, rows []int) *mat.Dense {
	_, c := X.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		for j := 0; j < c; j++ {
			out.Set(i, j, X.At(r, j))
		}
	}
	return out
}

// TakeVec は指定した要素だけを持つ新しいベクトルを返す
func TakeVec(y mat.Matrix, rows []int) *mat.VecDense {
	out := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		out.SetVec(i, y.At(r, 0))
	}
	return out
}

package preprocessing

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// MedianImputer はNaNを各列の中央値で置き換える
type MedianImputer struct {
	model.BaseEstimator

	// Statistics は各特徴量の中央値（学習時の非欠損値から計算）
	Statistics []float64

	// NFeatures は特徴量の数
	NFeatures int
}

// NewMedianImputer は新しいMedianImputerを作成する
func NewMedianImputer() *MedianImputer {
	return &MedianImputer{}
}

// Median はNaNを除いた値の中央値を返す
// 要素数が偶数の場合は中央2値の平均。非欠損値がない場合はNaN
func Median(values []float64) float64 {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	n := len(clean)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	if n%2 == 1 {
		return clean[n/2]
	}
	return (clean[n/2-1] + clean[n/2]) / 2
}

// Fit は各列の中央値を計算する
// 全て欠損の列は0で補完する
func (m *MedianImputer) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("MedianImputer.Fit", "empty data", errors.ErrEmptyData)
	}

	m.NFeatures = c
	m.Statistics = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, X)
		med := Median(col)
		if math.IsNaN(med) {
			med = 0
		}
		m.Statistics[j] = med
	}

	m.SetFitted()
	return nil
}

// Transform はNaNと無限大を学習済みの中央値で置き換えた新しい行列を返す
func (m *MedianImputer) Transform(X mat.Matrix) (*mat.Dense, error) {
	if !m.IsFitted() {
		return nil, errors.NewNotFittedError("MedianImputer", "Transform")
	}
	r, c := X.Dims()
	if c != m.NFeatures {
		return nil, errors.NewDimensionError("MedianImputer.Transform", m.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := X.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = m.Statistics[j]
			}
			result.Set(i, j, v)
		}
	}
	return result, nil
}

// FitTransform は学習と変換を続けて行う
func (m *MedianImputer) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := m.Fit(X); err != nil {
		return nil, err
	}
	return m.Transform(X)
}

// String は補完器の文字列表現を返す
func (m *MedianImputer) String() string {
	return fmt.Sprintf("MedianImputer(n_features=%d)", m.NFeatures)
}

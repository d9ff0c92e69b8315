// Package tree implements second-order regression trees grown from
// gradient and hessian statistics over a pre-binned feature matrix. The
// same builder serves random forests (squared error with zero prediction,
// so leaves are means) and gradient boosting in both depth-wise and
// leaf-wise growth. Fitted trees support path-dependent TreeSHAP.
package tree

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/parallel"
)

// DefaultMaxBin is the histogram resolution per feature.
const DefaultMaxBin = 255

// Dataset is a feature matrix quantized into histogram bins. Bin b of
// feature j holds the values v with Thresholds[j][b-1] < v <= Thresholds[j][b];
// the last bin is unbounded above and also holds NaN.
type Dataset struct {
	Rows, Cols int
	Codes      [][]uint16
	Thresholds [][]float64
}

// NewDataset bins every column of X into at most maxBin bins with
// thresholds at midpoints between distinct values.
func NewDataset(X mat.Matrix, maxBin int) *Dataset {
	if maxBin < 2 || maxBin > math.MaxUint16 {
		maxBin = DefaultMaxBin
	}
	r, c := X.Dims()
	ds := &Dataset{
		Rows:       r,
		Cols:       c,
		Codes:      make([][]uint16, c),
		Thresholds: make([][]float64, c),
	}
	parallel.ParallelizeWithThreshold(c, 4, func(start, end int) {
		col := make([]float64, r)
		for j := start; j < end; j++ {
			mat.Col(col, j, X)
			thr := binThresholds(col, maxBin)
			codes := make([]uint16, r)
			for i, v := range col {
				codes[i] = uint16(sort.SearchFloat64s(thr, v))
			}
			ds.Thresholds[j] = thr
			ds.Codes[j] = codes
		}
	})
	return ds
}

// NumBins returns the number of bins of feature j.
func (ds *Dataset) NumBins(j int) int { return len(ds.Thresholds[j]) + 1 }

func binThresholds(values []float64, maxBin int) []float64 {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Float64s(sorted)

	unique := sorted[:1]
	for _, v := range sorted[1:] {
		if v != unique[len(unique)-1] {
			unique = append(unique, v)
		}
	}

	if len(unique) <= maxBin {
		thr := make([]float64, len(unique)-1)
		for i := 1; i < len(unique); i++ {
			thr[i-1] = (unique[i-1] + unique[i]) / 2
		}
		return thr
	}

	// equal-frequency over distinct values
	step := float64(len(unique)) / float64(maxBin)
	thr := make([]float64, 0, maxBin-1)
	for k := 1; k < maxBin; k++ {
		i := int(float64(k) * step)
		if i < 1 {
			continue
		}
		t := (unique[i-1] + unique[i]) / 2
		if len(thr) == 0 || t > thr[len(thr)-1] {
			thr = append(thr, t)
		}
	}
	return thr
}

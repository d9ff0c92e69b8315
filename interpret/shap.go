package interpret

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/core/outcome"
	"github.com/YuminosukeSato/agipredict/core/parallel"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// SHAP estimation methods.
const (
	MethodTree     = "tree"
	MethodSampling = "sampling"
)

// SHAPResult holds per-row attributions. Values has one row per entry of
// Rows (indices into the explained set) and one column per feature; each
// row sums to the prediction minus ExpectedValue.
type SHAPResult struct {
	outcome.Outcome
	Method        string
	Values        *mat.Dense
	ExpectedValue float64
	Rows          []int
}

// MeanAbs ranks features by mean absolute attribution.
func (r SHAPResult) MeanAbs(featureNames []string) []FeatureImportance {
	if r.Values == nil {
		return nil
	}
	n, c := r.Values.Dims()
	out := make([]FeatureImportance, c)
	for j := 0; j < c; j++ {
		var s float64
		for i := 0; i < n; i++ {
			s += math.Abs(r.Values.At(i, j))
		}
		out[j] = FeatureImportance{Feature: featureNames[j], Mean: s / float64(n)}
	}
	rank(out)
	return out
}

// ComputeSHAPValues attributes the predictions of up to sampleSize seeded
// rows. Tree models use exact path-dependent TreeSHAP; any other model uses
// permutation sampling against background rows. A failure, including a
// panic inside the model, is returned as a Failed outcome rather than an
// error so that callers can fall back to permutation importance.
func (e *Explainer) ComputeSHAPValues(ctx context.Context, sampleSize int) SHAPResult {
	started := time.Now()
	n, _ := e.X.Dims()
	rows := sampleRows(rand.New(rand.NewPCG(e.cfg.Training.RandomSeed, 0)), n, sampleSize)
	Xs := model.TakeRows(e.X, rows)

	res := SHAPResult{Rows: rows}
	err := errors.SafeExecute("shap", func() error {
		if te, ok := e.model.(model.TreeExplainable); ok {
			res.Method = MethodTree
			vals, err := te.SHAPValues(Xs)
			if err != nil {
				return err
			}
			res.Values = vals
			res.ExpectedValue = te.ExpectedValue()
			return nil
		}
		res.Method = MethodSampling
		vals, base, err := e.samplingSHAP(ctx, Xs)
		if err != nil {
			return err
		}
		res.Values = vals
		res.ExpectedValue = base
		return nil
	})
	if err != nil {
		res.Outcome = outcome.Fail(errors.NewAttributionComputationError(res.Method, err))
		res.Values = nil
		e.logger.Warn("SHAP computation failed, falling back to permutation importance",
			log.ExplainerKey, res.Method,
			log.ErrorKey, err,
		)
	} else {
		res.Outcome = outcome.Done()
		e.logger.Info("SHAP values computed",
			log.ExplainerKey, res.Method,
			log.SamplesKey, len(rows),
			log.DurationMsKey, time.Since(started).Milliseconds(),
		)
	}
	e.shap = res
	return res
}

// samplingSHAP estimates Shapley values by walking one random feature
// ordering per background row: starting from the background row, features
// are switched to the explained row's values one at a time and each
// prediction change is credited to the switched feature. Averaged over the
// background, each row sums exactly to f(x) minus the mean background
// prediction.
func (e *Explainer) samplingSHAP(ctx context.Context, Xs *mat.Dense) (*mat.Dense, float64, error) {
	bg := e.background
	if bg == nil {
		n, _ := e.X.Dims()
		rng := rand.New(rand.NewPCG(e.cfg.Training.RandomSeed, 1))
		bg = model.TakeRows(e.X, sampleRows(rng, n, e.cfg.Interpret.BackgroundSize))
	}
	nb, c := bg.Dims()
	if _, xc := Xs.Dims(); xc != c {
		return nil, 0, errors.NewDimensionError("samplingSHAP", c, xc, 1)
	}

	bgPred, err := model.PredictVec(e.model, bg)
	if err != nil {
		return nil, 0, err
	}
	var base float64
	for i := 0; i < nb; i++ {
		base += bgPred.AtVec(i)
	}
	base /= float64(nb)

	ns, _ := Xs.Dims()
	out := mat.NewDense(ns, c, nil)
	err = parallel.ForEach(ctx, ns, 0, func(_ context.Context, i int) error {
		return errors.SafeExecute("shap row", func() error {
			rng := rand.New(rand.NewPCG(e.cfg.Training.RandomSeed, uint64(i)+2))
			x := Xs.RawRowView(i)

			// each background row contributes c+1 chained rows: the row
			// itself, then one more explained feature per step
			chain := mat.NewDense(nb*(c+1), c, nil)
			orders := make([][]int, nb)
			for b := 0; b < nb; b++ {
				orders[b] = rng.Perm(c)
				z := make([]float64, c)
				copy(z, bg.RawRowView(b))
				chain.SetRow(b*(c+1), z)
				for s, j := range orders[b] {
					z[j] = x[j]
					chain.SetRow(b*(c+1)+s+1, z)
				}
			}
			pred, err := model.PredictVec(e.model, chain)
			if err != nil {
				return err
			}

			phi := make([]float64, c)
			for b := 0; b < nb; b++ {
				for s, j := range orders[b] {
					phi[j] += pred.AtVec(b*(c+1)+s+1) - pred.AtVec(b*(c+1)+s)
				}
			}
			for j := range phi {
				phi[j] /= float64(nb)
			}
			out.SetRow(i, phi)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return out, base, nil
}

// sampleRows returns min(k, n) distinct sorted row indices.
func sampleRows(rng *rand.Rand, n, k int) []int {
	if k >= n {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	rows := rng.Perm(n)[:k]
	slices.Sort(rows)
	return rows
}

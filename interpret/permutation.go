package interpret

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// ComputePermutationImportance measures the R² drop when each feature
// column is shuffled, nRepeats times per feature. Features run in parallel;
// feature j always uses PCG(seed, j). The result is ranked by mean drop.
func (e *Explainer) ComputePermutationImportance(ctx context.Context, nRepeats int) ([]FeatureImportance, error) {
	if nRepeats < 1 {
		return nil, errors.NewValidationError("n_repeats", "must be >= 1", nRepeats)
	}
	started := time.Now()
	baseline, err := e.score(e.X)
	if err != nil {
		return nil, errors.Wrap(err, "baseline score")
	}

	n, c := e.X.Dims()
	seed := e.cfg.Training.RandomSeed
	out := make([]FeatureImportance, c)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for j := 0; j < c; j++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(j)))
			Xp := mat.DenseCopyOf(e.X)
			col := mat.Col(nil, j, e.X)
			drops := make([]float64, nRepeats)
			for r := 0; r < nRepeats; r++ {
				perm := rng.Perm(n)
				for i, p := range perm {
					Xp.Set(i, j, col[p])
				}
				s, err := e.score(Xp)
				if err != nil {
					return errors.Wrapf(err, "permuted score of %s", e.featureNames[j])
				}
				drops[r] = baseline - s
			}
			mean, variance := stat.PopMeanVariance(drops, nil)
			out[j] = FeatureImportance{Feature: e.featureNames[j], Mean: mean, Std: math.Sqrt(variance)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rank(out)
	e.permutation = out
	e.logger.Info("Permutation importance computed",
		log.FeaturesKey, c,
		"n_repeats", nRepeats,
		"baseline_r2", baseline,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
	return out, nil
}

func (e *Explainer) score(X mat.Matrix) (float64, error) {
	pred, err := model.PredictVec(e.model, X)
	if err != nil {
		return 0, err
	}
	return metrics.Score(e.y, pred)
}

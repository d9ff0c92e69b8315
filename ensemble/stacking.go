package ensemble

import (
	"encoding/gob"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/linear"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// StackedEnsembleName is the report key of the stacked ensemble.
const StackedEnsembleName = "StackedEnsemble"

func init() {
	gob.Register(&RandomForest{})
	gob.Register(&GradientBoosting{})
	gob.Register(&StackedEnsemble{})
}

// StackedEnsemble trains a ridge meta-learner on out-of-fold predictions
// of its base learners. Base learners are refit on the full training data
// for inference.
type StackedEnsemble struct {
	model.BaseEstimator
	Folds     int
	Seed      uint64
	MetaAlpha float64

	Bases     []model.CandidateModel
	Meta      *linear.Ridge
	NFeatures int

	factories []model.Factory
}

// NewStackedEnsemble creates an unfitted ensemble over the given base
// learner factories, with 5 folds and meta alpha 1.
func NewStackedEnsemble(seed uint64, bases ...model.Factory) *StackedEnsemble {
	return &StackedEnsemble{Folds: 5, Seed: seed, MetaAlpha: 1.0, factories: bases}
}

// Name implements model.CandidateModel.
func (s *StackedEnsemble) Name() string { return StackedEnsembleName }

// Fit builds the out-of-fold prediction matrix, fits the meta-learner on
// it, then refits every base learner on all of X.
func (s *StackedEnsemble) Fit(X, y mat.Matrix) error {
	if len(s.factories) == 0 {
		return errors.NewValueError("StackedEnsemble.Fit", "no base learners")
	}
	n, c := X.Dims()
	if n < s.Folds || c == 0 {
		return errors.NewModelError("StackedEnsemble.Fit", "fewer rows than folds", errors.ErrEmptyData)
	}
	if ry, _ := y.Dims(); ry != n {
		return errors.NewDimensionError("StackedEnsemble.Fit", n, ry, 0)
	}
	logger := log.GetLoggerWithName("ensemble").With(log.ModelNameKey, StackedEnsembleName)

	oof := mat.NewDense(n, len(s.factories), nil)
	folds := NewKFold(s.Folds, true, s.Seed).Split(n)
	for b, factory := range s.factories {
		for f, fold := range folds {
			base := factory()
			if err := base.Fit(model.TakeRows(X, fold.TrainIndices), model.TakeVec(y, fold.TrainIndices)); err != nil {
				return errors.Wrapf(err, "stacking: base %s fold %d", base.Name(), f)
			}
			pred, err := model.PredictVec(base, model.TakeRows(X, fold.TestIndices))
			if err != nil {
				return errors.Wrapf(err, "stacking: base %s fold %d", base.Name(), f)
			}
			for i, row := range fold.TestIndices {
				oof.Set(row, b, pred.AtVec(i))
			}
		}
		logger.Debug("Out-of-fold predictions ready", "base", b)
	}

	meta := linear.NewRidge(linear.WithAlpha(s.MetaAlpha))
	if err := meta.Fit(oof, y); err != nil {
		return errors.Wrap(err, "stacking: meta-learner")
	}

	bases := make([]model.CandidateModel, len(s.factories))
	for b, factory := range s.factories {
		base := factory()
		if err := base.Fit(X, y); err != nil {
			return errors.Wrapf(err, "stacking: refit %s", base.Name())
		}
		bases[b] = base
	}

	s.Bases = bases
	s.Meta = meta
	s.NFeatures = c
	s.SetFitted()
	logger.Info("Stacked ensemble fitted", "bases", len(bases), "meta_coef", meta.Coef)
	return nil
}

// Predict feeds the base learner predictions to the meta-learner.
func (s *StackedEnsemble) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !s.IsFitted() {
		return nil, errors.NewNotFittedError("StackedEnsemble", "Predict")
	}
	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, errors.NewDimensionError("StackedEnsemble.Predict", s.NFeatures, c, 1)
	}
	level1 := mat.NewDense(r, len(s.Bases), nil)
	for b, base := range s.Bases {
		pred, err := model.PredictVec(base, X)
		if err != nil {
			return nil, err
		}
		level1.SetCol(b, pred.RawVector().Data)
	}
	return s.Meta.Predict(level1)
}

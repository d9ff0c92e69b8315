package linear

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// RidgeName is the report key of a standalone ridge model.
const RidgeName = "Ridge"

// Ridge is L2-regularized least squares. With FitIntercept the intercept is
// not penalized: X and y are centered before solving and the intercept is
// recovered from the means.
type Ridge struct {
	model.BaseEstimator
	Alpha        float64
	FitIntercept bool

	Coef      []float64
	Intercept float64
	NFeatures int
}

// NewRidge creates a Ridge with alpha 1 and an intercept.
func NewRidge(opts ...Option) *Ridge {
	r := &Ridge{Alpha: 1.0, FitIntercept: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements model.CandidateModel.
func (r *Ridge) Name() string { return RidgeName }

// Fit solves (XᵀX + αI) w = Xᵀy with a Cholesky factorization.
func (r *Ridge) Fit(X, y mat.Matrix) error {
	if r.Alpha < 0 {
		return errors.NewValidationError("alpha", "must be non-negative", r.Alpha)
	}
	n, c, err := checkXY("Ridge.Fit", X, y)
	if err != nil {
		return err
	}
	r.NFeatures = c

	Xw := mat.DenseCopyOf(X)
	yw := model.ToVec(y)

	xMean := make([]float64, c)
	var yMean float64
	if r.FitIntercept {
		col := make([]float64, n)
		for j := 0; j < c; j++ {
			mat.Col(col, j, Xw)
			xMean[j] = stat.Mean(col, nil)
			for i := 0; i < n; i++ {
				Xw.Set(i, j, col[i]-xMean[j])
			}
		}
		yMean = stat.Mean(yw.RawVector().Data, nil)
		for i := 0; i < n; i++ {
			yw.SetVec(i, yw.AtVec(i)-yMean)
		}
	}

	gram := mat.NewSymDense(c, nil)
	gram.SymOuterK(1, Xw.T())
	for j := 0; j < c; j++ {
		gram.SetSym(j, j, gram.At(j, j)+r.Alpha)
	}

	var XTy mat.VecDense
	XTy.MulVec(Xw.T(), yw)

	w := mat.NewVecDense(c, nil)
	var chol mat.Cholesky
	if ok := chol.Factorize(gram); ok {
		if err := chol.SolveVecTo(w, &XTy); err != nil && !isCondition(err) {
			return errors.NewModelError("Ridge.Fit", "cholesky solve failed", err)
		}
	} else if err := w.SolveVec(gram, &XTy); err != nil && !isCondition(err) {
		return errors.NewModelError("Ridge.Fit", "singular matrix", errors.ErrSingularMatrix)
	}

	r.Coef = make([]float64, c)
	copy(r.Coef, w.RawVector().Data)
	r.Intercept = 0
	if r.FitIntercept {
		r.Intercept = yMean
		for j := 0; j < c; j++ {
			r.Intercept -= xMean[j] * r.Coef[j]
		}
	}

	r.SetFitted()
	return nil
}

// Predict returns X·coef + intercept as an n×1 vector.
func (r *Ridge) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !r.IsFitted() {
		return nil, errors.NewNotFittedError("Ridge", "Predict")
	}
	return predictLinear("Ridge.Predict", X, r.Coef, r.Intercept)
}

// GlobalImportance returns normalized absolute coefficients.
func (r *Ridge) GlobalImportance() ([]float64, error) {
	if !r.IsFitted() {
		return nil, errors.NewNotFittedError("Ridge", "GlobalImportance")
	}
	return absImportance(r.Coef), nil
}

// Score returns R² on (X, y).
func (r *Ridge) Score(X, y mat.Matrix) (float64, error) {
	if !r.IsFitted() {
		return 0, errors.NewNotFittedError("Ridge", "Score")
	}
	return score(r, X, y)
}

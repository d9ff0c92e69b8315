package ensemble

import "math"

// stopper follows the validation RMSE of each boosting round and signals a
// stop after patience rounds without a new minimum. Zero patience never
// stops.
type stopper struct {
	patience  int
	bestRMSE  float64
	bestIter  int
	sinceBest int
}

func newStopper(patience int) *stopper {
	return &stopper{patience: patience, bestRMSE: math.Inf(1), bestIter: -1}
}

func (s *stopper) enabled() bool { return s.patience > 0 }

// observe records the RMSE of round iter and reports whether to stop.
func (s *stopper) observe(iter int, rmse float64) bool {
	if !s.enabled() {
		return false
	}
	if rmse < s.bestRMSE {
		s.bestRMSE, s.bestIter, s.sinceBest = rmse, iter, 0
		return false
	}
	s.sinceBest++
	return s.sinceBest >= s.patience
}

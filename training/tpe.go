package training

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// TPE defaults.
const (
	tpeStartupTrials = 10
	tpeGamma         = 0.25
	tpeCandidates    = 24
)

// ParamKind is the sampling domain of a search dimension.
type ParamKind int

const (
	IntParam ParamKind = iota
	FloatParam
	// LogFloatParam is sampled uniformly in log space.
	LogFloatParam
	CategoricalParam
)

// Param is one dimension of a search space. Categorical values are encoded
// as the index into Choices.
type Param struct {
	Name    string
	Kind    ParamKind
	Low     float64
	High    float64
	Choices []string
}

// internal bounds, log-transformed for LogFloatParam
func (p Param) bounds() (float64, float64) {
	switch p.Kind {
	case LogFloatParam:
		return math.Log(p.Low), math.Log(p.High)
	case CategoricalParam:
		return 0, float64(len(p.Choices) - 1)
	}
	return p.Low, p.High
}

func (p Param) fromInternal(v float64) float64 {
	switch p.Kind {
	case IntParam:
		return math.Round(v)
	case LogFloatParam:
		return math.Exp(v)
	}
	return v
}

func (p Param) toInternal(v float64) float64 {
	if p.Kind == LogFloatParam {
		return math.Log(v)
	}
	return v
}

// Trial is one evaluated point.
type Trial struct {
	Number int
	Params map[string]float64
	Score  float64
}

// Objective scores a parameter assignment; lower is better.
type Objective func(ctx context.Context, params map[string]float64) (float64, error)

// TPESampler is a seeded tree-structured Parzen estimator that treats
// dimensions independently. The first StartupTrials points are uniform.
type TPESampler struct {
	Space         []Param
	StartupTrials int
	Gamma         float64
	Candidates    int

	rng    *rand.Rand
	trials []Trial
	logger log.Logger
}

// NewTPESampler returns a sampler over space seeded with seed.
func NewTPESampler(space []Param, seed uint64) *TPESampler {
	return &TPESampler{
		Space:         space,
		StartupTrials: tpeStartupTrials,
		Gamma:         tpeGamma,
		Candidates:    tpeCandidates,
		rng:           rand.New(rand.NewPCG(seed, seed)),
		logger:        log.GetLoggerWithName("training"),
	}
}

// Trials returns the evaluated trials in order.
func (s *TPESampler) Trials() []Trial { return s.trials }

// Optimize evaluates up to nTrials points and returns the best. It stops
// early when ctx is done; a deadline after at least one trial is not an
// error. Failed objective calls are recorded with score +Inf.
func (s *TPESampler) Optimize(ctx context.Context, nTrials int, objective Objective) (Trial, error) {
	for i := 0; i < nTrials; i++ {
		if ctx.Err() != nil {
			break
		}
		params := s.Suggest()
		score, err := objective(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("Trial failed", log.TrialKey, i, log.ErrorKey, err.Error())
			score = math.Inf(1)
		}
		s.trials = append(s.trials, Trial{Number: i, Params: params, Score: score})
		s.logger.Debug("Trial finished", log.TrialKey, i, log.RMSEKey, score)
	}

	best, ok := s.Best()
	if !ok {
		if err := ctx.Err(); err != nil {
			return Trial{}, errors.Wrap(err, "tuning stopped before any trial finished")
		}
		return Trial{}, errors.NewValueError("TPESampler.Optimize", "no successful trials")
	}
	return best, nil
}

// Best returns the lowest finite-score trial; the earliest wins ties.
func (s *TPESampler) Best() (Trial, bool) {
	var best Trial
	found := false
	for _, t := range s.trials {
		if math.IsInf(t.Score, 0) || math.IsNaN(t.Score) {
			continue
		}
		if !found || t.Score < best.Score {
			best, found = t, true
		}
	}
	return best, found
}

// Suggest returns the next point to evaluate.
func (s *TPESampler) Suggest() map[string]float64 {
	out := make(map[string]float64, len(s.Space))
	if len(s.trials) < s.StartupTrials {
		for _, p := range s.Space {
			out[p.Name] = s.uniform(p)
		}
		return out
	}

	sorted := append([]Trial(nil), s.trials...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })
	nGood := max(1, int(math.Ceil(s.Gamma*float64(len(sorted)))))
	good, bad := sorted[:nGood], sorted[nGood:]

	for _, p := range s.Space {
		if p.Kind == CategoricalParam {
			out[p.Name] = s.suggestCategorical(p, good, bad)
		} else {
			out[p.Name] = s.suggestNumeric(p, good, bad)
		}
	}
	return out
}

func (s *TPESampler) uniform(p Param) float64 {
	if p.Kind == CategoricalParam {
		return float64(s.rng.IntN(len(p.Choices)))
	}
	lo, hi := p.bounds()
	return p.fromInternal(lo + s.rng.Float64()*(hi-lo))
}

// suggestNumeric samples candidates from the good-trial density l(x) and
// keeps the one maximising l(x)/g(x).
func (s *TPESampler) suggestNumeric(p Param, good, bad []Trial) float64 {
	lo, hi := p.bounds()
	l := newParzen(p, good, lo, hi)
	g := newParzen(p, bad, lo, hi)

	bestX, bestRatio := l.sample(s.rng), math.Inf(-1)
	for i := 0; i < s.Candidates; i++ {
		x := l.sample(s.rng)
		ratio := math.Log(l.density(x)) - math.Log(g.density(x))
		if ratio > bestRatio {
			bestX, bestRatio = x, ratio
		}
	}
	return p.fromInternal(bestX)
}

func (s *TPESampler) suggestCategorical(p Param, good, bad []Trial) float64 {
	k := len(p.Choices)
	weights := func(trials []Trial) []float64 {
		w := make([]float64, k)
		for i := range w {
			w[i] = 1
		}
		for _, t := range trials {
			w[int(t.Params[p.Name])]++
		}
		total := float64(len(trials) + k)
		for i := range w {
			w[i] /= total
		}
		return w
	}
	lw, gw := weights(good), weights(bad)

	best, bestRatio := 0, math.Inf(-1)
	for i := 0; i < s.Candidates; i++ {
		c := sampleWeighted(s.rng, lw)
		if r := lw[c] / gw[c]; r > bestRatio {
			best, bestRatio = c, r
		}
	}
	return float64(best)
}

func sampleWeighted(rng *rand.Rand, w []float64) int {
	u := rng.Float64()
	for i, v := range w {
		if u < v {
			return i
		}
		u -= v
	}
	return len(w) - 1
}

// parzen is a mixture of a uniform prior and one Gaussian per observation
// over [lo, hi].
type parzen struct {
	lo, hi  float64
	centers []float64
	sigma   float64
}

func newParzen(p Param, trials []Trial, lo, hi float64) parzen {
	pz := parzen{lo: lo, hi: hi}
	for _, t := range trials {
		pz.centers = append(pz.centers, p.toInternal(t.Params[p.Name]))
	}
	width := hi - lo
	if width <= 0 {
		width = 1
	}
	pz.sigma = width / math.Max(1, math.Sqrt(float64(len(pz.centers))))
	pz.sigma = math.Max(pz.sigma, 0.01*width)
	return pz
}

func (pz parzen) sample(rng *rand.Rand) float64 {
	c := rng.IntN(len(pz.centers) + 1)
	if c == len(pz.centers) || pz.hi <= pz.lo {
		return pz.lo + rng.Float64()*(pz.hi-pz.lo)
	}
	x := pz.centers[c] + rng.NormFloat64()*pz.sigma
	return errors.ClipValue(x, pz.lo, pz.hi)
}

func (pz parzen) density(x float64) float64 {
	width := pz.hi - pz.lo
	if width <= 0 {
		return 1
	}
	d := 1 / width
	for _, c := range pz.centers {
		z := (x - c) / pz.sigma
		d += math.Exp(-0.5*z*z) / (pz.sigma * math.Sqrt(2*math.Pi))
	}
	return d / float64(len(pz.centers)+1)
}

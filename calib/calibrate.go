package calib

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/Giswater/giswater-hengine-app/solve"
	"github.com/maseology/montecarlo/smpln"
	"github.com/maseology/objfunc"
	mrg63k3a "github.com/maseology/goRNG/MRG63k3a"
)

// Budget bounds a calibration run. Zero fields take defaults.
type Budget struct {
	MaxTrials int     // total model evaluations across all starts
	Starts    int     // latin-hypercube start points, searched concurrently
	Patience  int     // per-start trials without improvement before giving up
	Eps       float64 // minimum score decrease that counts as improvement
	Seed      int64
}

func (b Budget) withDefaults(ndim int) Budget {
	if b.MaxTrials <= 0 {
		b.MaxTrials = 200 * ndim
	}
	if b.Starts <= 0 {
		b.Starts = 4
	}
	if b.Patience <= 0 {
		b.Patience = 25 * ndim
	}
	if b.Eps <= 0 {
		b.Eps = 1e-9
	}
	return b
}

// Result is the best parameterization found.
type Result struct {
	Network *hengine.Network // calibrated copy of the input network
	U       []float64        // sample-space coordinates
	Values  []float64        // transformed parameter values
	Score   float64          // weighted sum of squared relative errors
	NSE     float64          // Nash-Sutcliffe efficiency over matched observations
	Trials  int              // model evaluations spent
	Failed  int              // evaluations rejected for non-convergence
}

// CalibrationFailure reports that no trial produced a solvable network.
type CalibrationFailure struct {
	Trials, Failed int
}

func (e *CalibrationFailure) Error() string {
	return fmt.Sprintf("calibration failed: all %d of %d trials were unsolvable", e.Failed, e.Trials)
}

// evaluator scores one u-vector and keeps the shared best under a mutex so
// starts can search concurrently.
type evaluator struct {
	nw     *hengine.Network
	obs    hengine.Observations
	params []Param
	set    solve.Settings

	mu             sync.Mutex
	bestU          []float64
	best           float64
	trials, failed int
	budget         int
	progress       func(trial int, best float64)
}

// eval returns the candidate's score, or +Inf when the trial network fails
// to converge. Other errors (bad parameter targets) abort the whole run.
func (ev *evaluator) eval(u []float64) (float64, error) {
	cand, err := Apply(ev.nw, ev.params, u)
	if err != nil {
		return 0., err
	}
	res, err := solve.Solve(cand, ev.set)
	if err != nil {
		var ce *solve.ConvergenceError
		var de *solve.DisconnectedNetworkError
		if errors.As(err, &ce) || errors.As(err, &de) {
			ev.mu.Lock()
			ev.trials++
			ev.failed++
			ev.mu.Unlock()
			return math.Inf(1), nil
		}
		return 0., err
	}
	score, n := ev.obs.Score(res)
	if n == 0 {
		return 0., fmt.Errorf("calibration: no observation matched a simulated state")
	}

	ev.mu.Lock()
	ev.trials++
	if score < ev.best {
		ev.best = score
		ev.bestU = append([]float64(nil), u...)
	}
	if ev.progress != nil {
		ev.progress(ev.trials, ev.best)
	}
	ev.mu.Unlock()
	return score, nil
}

func (ev *evaluator) spent() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.trials >= ev.budget
}

// Calibrate searches the parameters' unit hypercube for the network state
// that best reproduces obs. Starts are drawn from a latin-hypercube plan and
// refined concurrently, each with its own Strategy from newStrat (nil means
// NewCoordinateSearch). progress, when non-nil, is called after every trial
// with the running count and best score.
func Calibrate(nw *hengine.Network, obs hengine.Observations, params []Param, set solve.Settings,
	bud Budget, newStrat func(ndim int) Strategy, progress func(trial int, best float64)) (*Result, error) {

	ndim := len(params)
	if ndim == 0 {
		return nil, fmt.Errorf("calibration: no parameters to adjust")
	}
	bud = bud.withDefaults(ndim)
	if newStrat == nil {
		newStrat = func(n int) Strategy { return NewCoordinateSearch(n) }
	}

	rng := rand.New(mrg63k3a.New())
	rng.Seed(bud.Seed)
	sp := smpln.NewLHC(rng, bud.Starts, ndim, false)

	ev := &evaluator{nw: nw, obs: obs, params: params, set: set,
		best: math.Inf(1), budget: bud.MaxTrials, progress: progress}

	var wg sync.WaitGroup
	errs := make([]error, bud.Starts)
	for k := 0; k < bud.Starts; k++ {
		u0 := make([]float64, ndim)
		for j := 0; j < ndim; j++ {
			u0[j] = sp.U[j][k]
		}
		wg.Add(1)
		go func(k int, u0 []float64) {
			defer wg.Done()
			errs[k] = refine(ev, u0, newStrat(ndim), bud)
		}(k, u0)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	if ev.bestU == nil {
		return nil, &CalibrationFailure{Trials: ev.trials, Failed: ev.failed}
	}
	return ev.finish()
}

// refine runs one start: score the start point, then follow the strategy
// until it is done, the budget is spent, or patience runs out.
func refine(ev *evaluator, u []float64, strat Strategy, bud Budget) error {
	score, err := ev.eval(u)
	if err != nil {
		return err
	}
	stall := 0
	for !strat.Done() && !ev.spent() && stall < bud.Patience {
		cand := strat.Propose(u)
		cs, err := ev.eval(cand)
		if err != nil {
			return err
		}
		improved := cs < score-bud.Eps
		strat.Accept(improved)
		if improved {
			u, score = cand, cs
			stall = 0
		} else {
			stall++
		}
	}
	return nil
}

func (ev *evaluator) finish() (*Result, error) {
	r := &Result{U: ev.bestU, Score: ev.best, Trials: ev.trials, Failed: ev.failed}
	r.Values = make([]float64, len(ev.params))
	for k := range ev.params {
		r.Values[k] = ev.params[k].Value(ev.bestU[k])
	}
	var err error
	if r.Network, err = Apply(ev.nw, ev.params, ev.bestU); err != nil {
		return nil, err
	}
	res, err := solve.Solve(r.Network, ev.set)
	if err != nil {
		return nil, err
	}
	if o, s := ev.obs.Series(res); len(o) > 1 {
		r.NSE = objfunc.NSE(o, s)
	}
	return r, nil
}

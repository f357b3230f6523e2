package calib

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/Giswater/giswater-hengine-app/solve"
	"github.com/maseology/glbopt"
	mrg63k3a "github.com/maseology/goRNG/MRG63k3a"
)

// CalibrateSCE runs the shuffled complex evolution global optimizer over the
// parameter hypercube, as an alternative to the multi-start local search in
// Calibrate. Heavier per run but harder to trap in a local minimum.
func CalibrateSCE(nw *hengine.Network, obs hengine.Observations, params []Param, set solve.Settings,
	seed int64, progress func(trial int, best float64)) (*Result, error) {

	ndim := len(params)
	if ndim == 0 {
		return nil, fmt.Errorf("calibration: no parameters to adjust")
	}
	rng := rand.New(mrg63k3a.New())
	rng.Seed(seed)

	ev := &evaluator{nw: nw, obs: obs, params: params, set: set,
		best: math.Inf(1), budget: math.MaxInt, progress: progress}

	var evalErr error
	gen := func(u []float64) float64 {
		s, err := ev.eval(u)
		if err != nil {
			ev.mu.Lock()
			if evalErr == nil {
				evalErr = err
			}
			ev.mu.Unlock()
			return math.Inf(1)
		}
		return s
	}

	glbopt.SCE(runtime.GOMAXPROCS(0), ndim, rng, gen, true)
	if evalErr != nil {
		return nil, evalErr
	}
	if ev.bestU == nil {
		return nil, &CalibrationFailure{Trials: ev.trials, Failed: ev.failed}
	}
	return ev.finish()
}

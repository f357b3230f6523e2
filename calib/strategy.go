package calib

// Strategy proposes sample-space candidates around a current best, learns
// from accept/reject feedback, and reports when its search is exhausted.
// Implementations need not be safe for concurrent use; every search start
// gets its own instance.
type Strategy interface {
	Propose(best []float64) []float64
	Accept(improved bool)
	Done() bool
}

// CoordinateSearch walks one dimension at a time with a shrinking step:
// probe +step then -step on each axis, restart the sweep on any improvement,
// halve the step after a full sweep without one.
type CoordinateSearch struct {
	ndim          int
	step, minStep float64
	dim, dir      int
	improved      bool // any acceptance this sweep
}

func NewCoordinateSearch(ndim int) *CoordinateSearch {
	return &CoordinateSearch{ndim: ndim, step: 0.25, minStep: 1e-3, dir: 1}
}

func (cs *CoordinateSearch) Propose(best []float64) []float64 {
	c := append([]float64(nil), best...)
	v := c[cs.dim] + float64(cs.dir)*cs.step
	if v < 0. {
		v = 0.
	} else if v > 1. {
		v = 1.
	}
	c[cs.dim] = v
	return c
}

func (cs *CoordinateSearch) Accept(improved bool) {
	if improved {
		cs.improved = true
		return // keep pushing the same direction from the new best
	}
	if cs.dir > 0 {
		cs.dir = -1
		return
	}
	cs.dir = 1
	cs.dim++
	if cs.dim == cs.ndim {
		cs.dim = 0
		if !cs.improved {
			cs.step /= 2.
		}
		cs.improved = false
	}
}

func (cs *CoordinateSearch) Done() bool { return cs.step < cs.minStep }

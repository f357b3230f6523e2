package solve

import (
	"fmt"
	"math"

	hengine "github.com/Giswater/giswater-hengine-app"
	"gonum.org/v1/gonum/mat"
)

// solver carries the per-call state of one Solve invocation: the private
// network copy, flow/head estimates, and tank storage. Nothing is shared
// between invocations, so concurrent solves of independent networks are safe.
type solver struct {
	nw  *hengine.Network
	set Settings

	jix []int // junction slot → node index
	jxr []int // node index → junction slot, -1 for fixed heads

	q      []float64 // per link [m³/s]
	h      []float64 // per node [m]
	demand []float64 // per node, current step [m³/s]

	pumps []pumpCurve // per link, pumps only
	level []float64   // per node, tanks only [m]
	vol   []float64   // per node, tanks only [m³]

	notes []string
}

// Solve runs a steady-state or extended-period simulation of nw per its
// TimeSettings. The caller's network is never mutated: the solver works on a
// private clone so simple controls can toggle statuses freely.
func Solve(nw0 *hengine.Network, set Settings) (*hengine.SimulationResult, error) {
	set = set.withDefaults()
	nw := nw0.Clone()

	s := &solver{nw: nw, set: set}
	if err := s.init(); err != nil {
		return nil, err
	}

	ts := nw.Times
	nsteps, dt := 1, int64(0)
	if ts.Duration > 0 {
		if ts.Step <= 0 {
			ts.Step = 3600
		}
		dt = ts.Step
		nsteps = int(ts.Duration/ts.Step) + 1
	}

	res := hengine.NewSimulationResult(nw)
	for j := 0; j < nsteps; j++ {
		t := int64(j) * dt
		s.applyControls(t)
		if miss := nw.MissingFixedHead(true); len(miss) > 0 {
			return nil, &DisconnectedNetworkError{Nodes: miss}
		}
		s.stepDemands(t)
		s.setFixedHeads()

		iters, resid, ok := s.iterate(set.MaxIter, set.Damping)
		if !ok {
			// retry once: stronger damping, deterministically perturbed start
			s.perturb()
			var iters2 int
			iters2, resid, ok = s.iterate(set.MaxIter, set.Damping*0.5)
			iters += iters2
			if !ok {
				return nil, &ConvergenceError{Step: j, Iterations: iters, Residual: resid}
			}
		}

		res.Steps = append(res.Steps, s.record(t, iters, resid))
		if j < nsteps-1 {
			s.integrateTanks(t, float64(dt))
		}
	}
	res.Notes = s.notes
	return res, nil
}

func (s *solver) init() error {
	nw := s.nw
	s.jxr = make([]int, len(nw.Nodes))
	for i := range nw.Nodes {
		if nw.Nodes[i].FixedHead() {
			s.jxr[i] = -1
		} else {
			s.jxr[i] = len(s.jix)
			s.jix = append(s.jix, i)
		}
	}

	s.h = make([]float64, len(nw.Nodes))
	s.demand = make([]float64, len(nw.Nodes))
	s.level = make([]float64, len(nw.Nodes))
	s.vol = make([]float64, len(nw.Nodes))
	for i := range nw.Nodes {
		nd := &nw.Nodes[i]
		if nd.Kind == hengine.Tank {
			s.level[i] = nd.InitLevel
			s.vol[i] = s.tankVolume(i, nd.InitLevel)
		}
	}

	s.pumps = make([]pumpCurve, len(nw.Links))
	s.q = make([]float64, len(nw.Links))
	for l := range nw.Links {
		lk := &nw.Links[l]
		switch lk.Kind {
		case hengine.Pump:
			pc, err := fitPumpCurve(&nw.Curves[lk.Curve])
			if err != nil {
				return &hengine.ValidationError{Kind: "bad-pump-curve", Entity: lk.ID, Reason: err.Error()}
			}
			s.pumps[l] = pc
			s.q[l] = pc.qd
		default:
			s.q[l] = vInit * area(lk.Diameter)
		}
	}
	return nil
}

func (s *solver) tankVolume(i int, level float64) float64 {
	nd := &s.nw.Nodes[i]
	if nd.VolCurve >= 0 {
		return s.nw.Curves[nd.VolCurve].Interp(level)
	}
	return level * area(nd.TankDiam)
}

func (s *solver) tankLevel(i int, vol float64) float64 {
	nd := &s.nw.Nodes[i]
	if nd.VolCurve >= 0 {
		return s.nw.Curves[nd.VolCurve].InterpInv(vol)
	}
	return vol / area(nd.TankDiam)
}

func (s *solver) applyControls(t int64) {
	for _, c := range s.nw.Controls {
		trig := false
		switch c.Cond {
		case hengine.CondAtTime:
			trig = t >= c.At
		case hengine.CondAbove, hengine.CondBelow:
			v := s.h[c.Node] - s.nw.Nodes[c.Node].Elev
			if s.nw.Nodes[c.Node].Kind == hengine.Tank {
				v = s.level[c.Node]
			}
			if c.Cond == hengine.CondAbove {
				trig = v > c.Level
			} else {
				trig = v < c.Level
			}
		}
		if !trig {
			continue
		}
		lk := &s.nw.Links[c.Link]
		lk.Status = c.Status
		if c.HasSetting {
			lk.Setting = c.Setting
		}
	}
}

func (s *solver) stepDemands(t int64) {
	for _, i := range s.jix {
		nd := &s.nw.Nodes[i]
		d := nd.Demand
		if nd.Pattern >= 0 {
			d *= s.nw.Patterns[nd.Pattern].At(t, s.nw.Times.PatternStep, s.nw.Times.PatternStart)
		}
		s.demand[i] = d
	}
}

func (s *solver) setFixedHeads() {
	for i := range s.nw.Nodes {
		nd := &s.nw.Nodes[i]
		switch nd.Kind {
		case hengine.Reservoir:
			s.h[i] = nd.Head
		case hengine.Tank:
			s.h[i] = nd.Elev + s.level[i]
		}
	}
}

// iterate runs the global gradient loop: linearize every link, solve the
// symmetric correction system for junction heads, update flows, and test the
// relative flow change and mass-balance residual against tolerance.
func (s *solver) iterate(maxIter int, damp float64) (iters int, massres float64, converged bool) {
	nw := s.nw
	nj := len(s.jix)
	pl := make([]float64, len(nw.Links))
	yl := make([]float64, len(nw.Links))

	for it := 1; it <= maxIter; it++ {
		for l := range nw.Links {
			pl[l], yl[l] = s.coeffs(l)
		}

		if nj > 0 {
			A := mat.NewSymDense(nj, nil)
			b := mat.NewVecDense(nj, nil)
			for l := range nw.Links {
				lk := &nw.Links[l]
				if lk.N1 == lk.N2 {
					continue
				}
				j1, j2 := s.jxr[lk.N1], s.jxr[lk.N2]
				qy := s.q[l] - yl[l]
				if j1 >= 0 {
					b.SetVec(j1, b.AtVec(j1)-qy)
					A.SetSym(j1, j1, A.At(j1, j1)+pl[l])
					if j2 >= 0 {
						A.SetSym(j1, j2, A.At(j1, j2)-pl[l])
					} else {
						b.SetVec(j1, b.AtVec(j1)+pl[l]*s.h[lk.N2])
					}
				}
				if j2 >= 0 {
					b.SetVec(j2, b.AtVec(j2)+qy)
					A.SetSym(j2, j2, A.At(j2, j2)+pl[l])
					if j1 < 0 {
						b.SetVec(j2, b.AtVec(j2)+pl[l]*s.h[lk.N1])
					}
				}
			}
			for k, i := range s.jix {
				b.SetVec(k, b.AtVec(k)-s.demand[i])
			}

			x := mat.NewVecDense(nj, nil)
			var chol mat.Cholesky
			if chol.Factorize(A) {
				if err := chol.SolveVecTo(x, b); err != nil {
					return it, math.Inf(1), false
				}
			} else {
				// closed links can deflate the diagonal; fall back to LU
				var lu mat.LU
				lu.Factorize(mat.DenseCopyOf(A))
				if err := lu.SolveVecTo(x, false, b); err != nil {
					return it, math.Inf(1), false
				}
			}
			for k, i := range s.jix {
				s.h[i] = x.AtVec(k)
			}
		}

		sdq, sq := 0., 0.
		for l := range nw.Links {
			lk := &nw.Links[l]
			dq := -yl[l] + pl[l]*(s.h[lk.N1]-s.h[lk.N2])
			s.q[l] += damp * dq
			if lk.Kind == hengine.Pump && s.q[l] < qPump {
				s.q[l] = qPump
			}
			sdq += math.Abs(damp * dq)
			sq += math.Abs(s.q[l])
		}
		relchg := sdq
		if sq > nearzero {
			relchg = sdq / sq
		}

		massres = s.massResidual()
		if relchg <= s.set.Accuracy && massres <= s.set.MassTol {
			return it, massres, true
		}
	}
	return maxIter, massres, false
}

func (s *solver) massResidual() float64 {
	nw := s.nw
	x := make([]float64, len(nw.Nodes))
	for l := range nw.Links {
		lk := &nw.Links[l]
		x[lk.N1] -= s.q[l]
		x[lk.N2] += s.q[l]
	}
	r := 0.
	for _, i := range s.jix {
		if e := math.Abs(x[i] - s.demand[i]); e > r {
			r = e
		}
	}
	return r
}

func (s *solver) perturb() {
	for l := range s.q {
		s.q[l] = s.q[l]*1.1 + 1e-4
	}
}

func (s *solver) record(t int64, iters int, resid float64) hengine.StepResult {
	nw := s.nw
	st := hengine.StepResult{
		Time:       t,
		Nodes:      make([]hengine.NodeState, len(nw.Nodes)),
		Links:      make([]hengine.LinkState, len(nw.Links)),
		Iterations: iters,
		Residual:   resid,
	}

	inflow := make([]float64, len(nw.Nodes))
	for l := range nw.Links {
		lk := &nw.Links[l]
		inflow[lk.N1] -= s.q[l]
		inflow[lk.N2] += s.q[l]
	}

	for i := range nw.Nodes {
		nd := &nw.Nodes[i]
		ns := hengine.NodeState{Head: s.h[i], Pressure: s.h[i] - nd.Elev}
		if nd.FixedHead() {
			ns.Demand = inflow[i] // boundary nodes report their net inflow
			ns.Satisfied = true
		} else {
			ns.Demand = s.demand[i]
			ns.Satisfied = ns.Pressure >= 0.
		}
		st.Nodes[i] = ns
	}
	for l := range nw.Links {
		lk := &nw.Links[l]
		ls := hengine.LinkState{Flow: s.q[l], Status: lk.Status, HeadLoss: s.headloss(l)}
		if lk.Status == hengine.Closed {
			ls.Flow, ls.HeadLoss = 0., 0.
		}
		if a := area(lk.Diameter); a > 0 {
			ls.Velocity = math.Abs(ls.Flow) / a
		}
		st.Links[l] = ls
	}
	return st
}

// integrateTanks carries tank storage forward across one step, clamping at
// the operating range and noting the event rather than failing.
func (s *solver) integrateTanks(t int64, dt float64) {
	nw := s.nw
	inflow := make([]float64, len(nw.Nodes))
	for l := range nw.Links {
		lk := &nw.Links[l]
		if lk.Status == hengine.Closed {
			continue
		}
		inflow[lk.N1] -= s.q[l]
		inflow[lk.N2] += s.q[l]
	}
	for i := range nw.Nodes {
		nd := &nw.Nodes[i]
		if nd.Kind != hengine.Tank {
			continue
		}
		s.vol[i] += inflow[i] * dt
		lvl := s.tankLevel(i, s.vol[i])
		switch {
		case lvl > nd.MaxLevel:
			lvl = nd.MaxLevel
			s.vol[i] = s.tankVolume(i, lvl)
			s.notes = append(s.notes, fmt.Sprintf("tank %q reached max level %g m at t=%d s", nd.ID, nd.MaxLevel, t))
		case lvl < nd.MinLevel:
			lvl = nd.MinLevel
			s.vol[i] = s.tankVolume(i, lvl)
			s.notes = append(s.notes, fmt.Sprintf("tank %q drained to min level %g m at t=%d s", nd.ID, nd.MinLevel, t))
		}
		s.level[i] = lvl
	}
}

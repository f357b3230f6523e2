package hengine

// NodeState is the solved state of one node at one time step.
type NodeState struct {
	Head      float64 // [m]
	Pressure  float64 // [m]
	Demand    float64 // delivered demand [m³/s]
	Satisfied bool    // pressure non-negative at delivery
}

// LinkState is the solved state of one link at one time step.
type LinkState struct {
	Flow     float64 // signed, N1→N2 positive [m³/s]
	Velocity float64 // [m/s]
	HeadLoss float64 // [m]
	Status   LinkStatus
}

// StepResult is one time step's dense state plus its convergence metadata.
type StepResult struct {
	Time       int64 // [s] from simulation start
	Nodes      []NodeState
	Links      []LinkState
	Iterations int
	Residual   float64 // max junction mass imbalance [m³/s]
}

// SimulationResult snapshots the entity ids of the solved network and the
// per-step states. Treated as immutable once the solver returns it.
type SimulationResult struct {
	NodeIDs []string
	LinkIDs []string
	Steps   []StepResult
	Notes   []string // operational notes (tank level clamps)

	nodeXR, linkXR map[string]int
}

// NewSimulationResult snapshots nw's entity ordering for a result under
// construction.
func NewSimulationResult(nw *Network) *SimulationResult {
	r := &SimulationResult{
		NodeIDs: make([]string, len(nw.Nodes)),
		LinkIDs: make([]string, len(nw.Links)),
		nodeXR:  make(map[string]int, len(nw.Nodes)),
		linkXR:  make(map[string]int, len(nw.Links)),
	}
	for i := range nw.Nodes {
		r.NodeIDs[i] = nw.Nodes[i].ID
		r.nodeXR[nw.Nodes[i].ID] = i
	}
	for i := range nw.Links {
		r.LinkIDs[i] = nw.Links[i].ID
		r.linkXR[nw.Links[i].ID] = i
	}
	return r
}

// NSteps returns the number of solved time steps.
func (r *SimulationResult) NSteps() int { return len(r.Steps) }

// StepAt returns the index of the step at time t [s], or -1.
func (r *SimulationResult) StepAt(t int64) int {
	for i := range r.Steps {
		if r.Steps[i].Time == t {
			return i
		}
	}
	return -1
}

// Value returns quantity q for entity id at step j.
func (r *SimulationResult) Value(j int, id string, q Quantity) (float64, bool) {
	if j < 0 || j >= len(r.Steps) {
		return 0., false
	}
	st := &r.Steps[j]
	if q.Nodal() {
		i, ok := r.nodeXR[id]
		if !ok {
			return 0., false
		}
		switch q {
		case Head:
			return st.Nodes[i].Head, true
		case Pressure:
			return st.Nodes[i].Pressure, true
		case Demand:
			return st.Nodes[i].Demand, true
		}
		return 0., false
	}
	i, ok := r.linkXR[id]
	if !ok {
		return 0., false
	}
	switch q {
	case Flow:
		return st.Links[i].Flow, true
	case Velocity:
		return st.Links[i].Velocity, true
	case HeadLoss:
		return st.Links[i].HeadLoss, true
	}
	return 0., false
}

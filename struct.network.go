package hengine

import "fmt"

type NodeKind int

const (
	Junction NodeKind = iota
	Reservoir
	Tank
)

type LinkKind int

const (
	Pipe LinkKind = iota
	Pump
	Valve
)

func (k LinkKind) String() string {
	switch k {
	case Pump:
		return "pump"
	case Valve:
		return "valve"
	}
	return "pipe"
}

type LinkStatus int

const (
	Open LinkStatus = iota
	Closed
	Throttled
)

func (s LinkStatus) String() string {
	switch s {
	case Closed:
		return "closed"
	case Throttled:
		return "throttled"
	}
	return "open"
}

// ValveKind is parsed from INP and preserved; hydraulically every active
// valve is modelled as a fixed minor loss derived from its setting.
type ValveKind int

const (
	TCV ValveKind = iota
	PRV
	PSV
	PBV
	FCV
	GPV
)

// Node is one entry of the network's dense node arena.
type Node struct {
	ID      string
	Kind    NodeKind
	Elev    float64 // [m]
	Demand  float64 // junction base demand [m³/s]
	Pattern int     // demand pattern index, -1 for none

	Head float64 // reservoir boundary head [m]

	// tank geometry; levels measured above Elev
	InitLevel, MinLevel, MaxLevel float64 // [m]
	TankDiam                      float64 // [m], cylindrical tanks
	VolCurve                      int     // level→volume curve index, -1 for cylindrical
}

// FixedHead reports whether the node's head is a boundary condition rather
// than a solver unknown.
func (n *Node) FixedHead() bool { return n.Kind != Junction }

// Link is one entry of the network's dense link arena. N1 and N2 are node
// arena indices; positive flow runs N1→N2.
type Link struct {
	ID        string
	Kind      LinkKind
	N1, N2    int
	Length    float64 // [m]
	Diameter  float64 // [m]
	Roughness float64 // Hazen-Williams C [-] or Darcy-Weisbach ε [m]
	MinorLoss float64 // minor loss coefficient [-]
	Status    LinkStatus
	Setting   float64 // pump speed ratio or valve loss setting
	Curve     int     // pump head curve index, -1 for none
	Valve     ValveKind
}

// Pattern is a cyclic sequence of demand multipliers, one per pattern step.
type Pattern struct {
	ID   string
	Mult []float64
}

// At returns the multiplier applying at time t [s].
func (p *Pattern) At(t, patternStep, patternStart int64) float64 {
	if len(p.Mult) == 0 || patternStep <= 0 {
		return 1.
	}
	i := ((t + patternStart) / patternStep) % int64(len(p.Mult))
	return p.Mult[i]
}

// Curve is a piecewise-linear x→y relation (pump head curves, tank volume
// curves). X must be strictly increasing.
type Curve struct {
	ID   string
	X, Y []float64
}

// Interp evaluates the curve at x, clamped to its end points.
func (c *Curve) Interp(x float64) float64 {
	n := len(c.X)
	if n == 0 {
		return 0.
	}
	if x <= c.X[0] {
		return c.Y[0]
	}
	if x >= c.X[n-1] {
		return c.Y[n-1]
	}
	for i := 1; i < n; i++ {
		if x <= c.X[i] {
			f := (x - c.X[i-1]) / (c.X[i] - c.X[i-1])
			return c.Y[i-1] + f*(c.Y[i]-c.Y[i-1])
		}
	}
	return c.Y[n-1]
}

// InterpInv inverts the curve, returning x for a given y. Y must be
// monotonically increasing (tank volume curves are).
func (c *Curve) InterpInv(y float64) float64 {
	n := len(c.Y)
	if n == 0 {
		return 0.
	}
	if y <= c.Y[0] {
		return c.X[0]
	}
	if y >= c.Y[n-1] {
		return c.X[n-1]
	}
	for i := 1; i < n; i++ {
		if y <= c.Y[i] {
			f := (y - c.Y[i-1]) / (c.Y[i] - c.Y[i-1])
			return c.X[i-1] + f*(c.X[i]-c.X[i-1])
		}
	}
	return c.X[n-1]
}

type ControlCond int

const (
	CondAbove ControlCond = iota // trigger node level rises above Level
	CondBelow
	CondAtTime // simulation clock reaches At
)

// Control changes a link's status or setting at an extended-period step
// boundary when its condition holds.
type Control struct {
	Link       int
	Status     LinkStatus
	Setting    float64
	HasSetting bool
	Cond       ControlCond
	Node       int     // trigger node index, -1 for time triggers
	Level      float64 // head above trigger node elevation [m]
	At         int64   // [s] from simulation start
}

// TimeSettings drive extended-period simulation. Duration 0 means a single
// steady-state solve.
type TimeSettings struct {
	Duration     int64 // [s]
	Step         int64 // hydraulic step [s]
	PatternStep  int64 // [s]
	PatternStart int64 // [s]
}

// Options carries solver-relevant entries of the INP [OPTIONS] section.
type Options struct {
	Headloss string // "H-W" or "D-W"
	Units    string
	Accuracy float64 // 0 = solver default
	Trials   int     // 0 = solver default
}

// Network owns all nodes and links in dense, index-addressed arenas with id
// cross-reference maps, the representation the solver and calibrator share.
// Adjacency is derived once and must be invalidated on any topology edit.
type Network struct {
	Nodes []Node
	Links []Link

	NodeXR map[string]int
	LinkXR map[string]int

	Patterns []Pattern
	Curves   []Curve
	Controls []Control

	Times TimeSettings
	Opts  Options

	adj [][]int // node index → incident link indices
}

// Adjacency returns the node→incident-links lists, building them on first
// use after load or Invalidate.
func (nw *Network) Adjacency() [][]int {
	if nw.adj == nil {
		adj := make([][]int, len(nw.Nodes))
		for l := range nw.Links {
			lk := &nw.Links[l]
			adj[lk.N1] = append(adj[lk.N1], l)
			adj[lk.N2] = append(adj[lk.N2], l)
		}
		nw.adj = adj
	}
	return nw.adj
}

// Invalidate discards derived adjacency after a topology edit.
func (nw *Network) Invalidate() { nw.adj = nil }

// Clone returns a deep copy of the mutable arenas. Patterns, curves and the
// id cross-reference maps are shared; they are read-only once loaded.
func (nw *Network) Clone() *Network {
	cp := *nw
	cp.Nodes = append([]Node(nil), nw.Nodes...)
	cp.Links = append([]Link(nil), nw.Links...)
	cp.Controls = append([]Control(nil), nw.Controls...)
	return &cp
}

// ValidationError reports a structurally invalid network.
type ValidationError struct {
	Kind   string // dangling-node, no-fixed-head, nonpositive-parameter, duplicate-id, unknown-pattern, unknown-curve, bad-tank-levels
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("network validation (%s): %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("network validation (%s) at %q: %s", e.Kind, e.Entity, e.Reason)
}

// MissingFixedHead returns the ids of nodes not connected to any fixed-head
// node, walking open links only when openOnly is set. A non-empty return
// means the network (or its current operating state) is unsolvable.
func (nw *Network) MissingFixedHead(openOnly bool) []string {
	adj := nw.Adjacency()
	seen := make([]bool, len(nw.Nodes))
	var stack []int
	for i := range nw.Nodes {
		if nw.Nodes[i].FixedHead() {
			seen[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, l := range adj[i] {
			lk := &nw.Links[l]
			if openOnly && lk.Status == Closed {
				continue
			}
			j := lk.N1
			if j == i {
				j = lk.N2
			}
			if !seen[j] {
				seen[j] = true
				stack = append(stack, j)
			}
		}
	}
	var out []string
	for i := range nw.Nodes {
		if !seen[i] {
			out = append(out, nw.Nodes[i].ID)
		}
	}
	return out
}

// Check validates structural invariants: endpoint references, positive
// physical parameters, curve/pattern references, and that every connected
// component carries at least one fixed-head node.
func (nw *Network) Check() error {
	for i := range nw.Links {
		lk := &nw.Links[i]
		if lk.N1 < 0 || lk.N1 >= len(nw.Nodes) || lk.N2 < 0 || lk.N2 >= len(nw.Nodes) {
			return &ValidationError{Kind: "dangling-node", Entity: lk.ID, Reason: "endpoint does not exist"}
		}
		if lk.N1 == lk.N2 {
			return &ValidationError{Kind: "dangling-node", Entity: lk.ID, Reason: "link connects a node to itself"}
		}
		if lk.Diameter <= 0 && lk.Kind != Pump {
			return &ValidationError{Kind: "nonpositive-parameter", Entity: lk.ID, Reason: fmt.Sprintf("diameter %g", lk.Diameter)}
		}
		if lk.Kind == Pipe {
			if lk.Length <= 0 {
				return &ValidationError{Kind: "nonpositive-parameter", Entity: lk.ID, Reason: fmt.Sprintf("length %g", lk.Length)}
			}
			if lk.Roughness <= 0 {
				return &ValidationError{Kind: "nonpositive-parameter", Entity: lk.ID, Reason: fmt.Sprintf("roughness %g", lk.Roughness)}
			}
		}
		if lk.Kind == Pump && lk.Curve < 0 {
			return &ValidationError{Kind: "unknown-curve", Entity: lk.ID, Reason: "pump has no head curve"}
		}
		if lk.Kind == Pump && lk.Curve >= len(nw.Curves) {
			return &ValidationError{Kind: "unknown-curve", Entity: lk.ID, Reason: "head curve reference out of range"}
		}
	}
	for i := range nw.Nodes {
		nd := &nw.Nodes[i]
		if nd.Pattern >= len(nw.Patterns) {
			return &ValidationError{Kind: "unknown-pattern", Entity: nd.ID, Reason: "pattern reference out of range"}
		}
		if nd.Kind == Tank {
			if nd.VolCurve < 0 && nd.TankDiam <= 0 {
				return &ValidationError{Kind: "nonpositive-parameter", Entity: nd.ID, Reason: fmt.Sprintf("tank diameter %g", nd.TankDiam)}
			}
			if nd.VolCurve >= len(nw.Curves) {
				return &ValidationError{Kind: "unknown-curve", Entity: nd.ID, Reason: "volume curve reference out of range"}
			}
			if nd.MinLevel > nd.InitLevel || nd.InitLevel > nd.MaxLevel {
				return &ValidationError{Kind: "bad-tank-levels", Entity: nd.ID,
					Reason: fmt.Sprintf("min %g ≤ init %g ≤ max %g violated", nd.MinLevel, nd.InitLevel, nd.MaxLevel)}
			}
		}
	}
	if miss := nw.MissingFixedHead(false); len(miss) > 0 {
		return &ValidationError{Kind: "no-fixed-head", Entity: miss[0],
			Reason: fmt.Sprintf("%d node(s) in components without a reservoir or tank", len(miss))}
	}
	return nil
}

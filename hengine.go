// Package hengine holds the in-memory model shared by the hydraulic solver,
// calibrator and comparer: networks parsed from INP text, the results they
// produce, and the field observations used to tune them. All quantities are
// kept in SI units (m, m³/s, s); the inp loader converts on the way in.
package hengine

// Quantity identifies a reported nodal or link variable.
type Quantity int

const (
	Head Quantity = iota // hydraulic head [m]
	Pressure             // head above node elevation [m]
	Demand               // delivered demand [m³/s]
	Flow                 // signed link flow [m³/s]
	Velocity             // flow speed [m/s]
	HeadLoss             // head lost along link [m]
)

func (q Quantity) String() string {
	switch q {
	case Head:
		return "head"
	case Pressure:
		return "pressure"
	case Demand:
		return "demand"
	case Flow:
		return "flow"
	case Velocity:
		return "velocity"
	case HeadLoss:
		return "headloss"
	}
	return "unknown"
}

// Nodal reports whether q is measured at nodes (as opposed to links).
func (q Quantity) Nodal() bool { return q <= Demand }

// ParseQuantity maps observation-file variable names to a Quantity.
func ParseQuantity(s string) (Quantity, bool) {
	for _, q := range []Quantity{Head, Pressure, Demand, Flow, Velocity, HeadLoss} {
		if q.String() == s {
			return q, true
		}
	}
	return 0, false
}

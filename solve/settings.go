// Package solve computes steady-state and extended-period hydraulics for a
// water-distribution network using the Todini-Pilati global gradient
// iteration.
package solve

import (
	"fmt"
	"strings"

	hengine "github.com/Giswater/giswater-hengine-app"
)

type HeadlossLaw int

const (
	HazenWilliams HeadlossLaw = iota
	DarcyWeisbach
)

// Settings are the solver's numerical controls. Zero values are replaced by
// defaults; the head-loss law and every tolerance are configuration, not
// constants.
type Settings struct {
	Law      HeadlossLaw
	Accuracy float64 // relative flow change Σ|Δq|/Σ|q|
	MassTol  float64 // max junction mass imbalance [m³/s]
	MaxIter  int
	Damping  float64 // flow-update relaxation (0,1]
}

func DefaultSettings() Settings {
	return Settings{
		Law:      HazenWilliams,
		Accuracy: 1e-4,
		MassTol:  1e-6,
		MaxIter:  200,
		Damping:  1.,
	}
}

// SettingsFor folds a network's [OPTIONS] entries into the defaults.
func SettingsFor(nw *hengine.Network) Settings {
	s := DefaultSettings()
	if strings.EqualFold(nw.Opts.Headloss, "D-W") {
		s.Law = DarcyWeisbach
	}
	if nw.Opts.Accuracy > 0 {
		s.Accuracy = nw.Opts.Accuracy
	}
	if nw.Opts.Trials > 0 {
		s.MaxIter = nw.Opts.Trials
	}
	return s
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Accuracy <= 0 {
		s.Accuracy = d.Accuracy
	}
	if s.MassTol <= 0 {
		s.MassTol = d.MassTol
	}
	if s.MaxIter <= 0 {
		s.MaxIter = d.MaxIter
	}
	if s.Damping <= 0 || s.Damping > 1 {
		s.Damping = d.Damping
	}
	return s
}

// ConvergenceError reports a solve that exhausted its iteration budget,
// after one internal retry with stronger damping and a perturbed start.
type ConvergenceError struct {
	Step       int
	Iterations int
	Residual   float64 // last max junction mass imbalance [m³/s]
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("solver failed to converge at step %d after %d iterations (residual %e m³/s)", e.Step, e.Iterations, e.Residual)
}

// DisconnectedNetworkError reports nodes with no open path to a fixed-head
// node; the solve is refused before any iteration.
type DisconnectedNetworkError struct {
	Nodes []string
}

func (e *DisconnectedNetworkError) Error() string {
	return fmt.Sprintf("unsolvable topology: %d node(s) have no open path to a fixed-head node (first: %q)", len(e.Nodes), e.Nodes[0])
}

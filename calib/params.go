// Package calib adjusts network parameters until simulated states match
// field observations, using derivative-free search over a unit hypercube.
package calib

import (
	"fmt"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/maseology/mmaths"
)

type ParamKind int

const (
	Roughness ParamKind = iota // pipe roughness, absolute
	DemandMult                 // junction base-demand multiplier
	ValveSetting               // valve loss setting
)

func (k ParamKind) String() string {
	switch k {
	case DemandMult:
		return "demand-mult"
	case ValveSetting:
		return "valve-setting"
	}
	return "roughness"
}

// Param maps one sample-space dimension u∈[0,1] onto a physical value
// applied to a group of entities. An empty IDs list targets every entity the
// kind applies to.
type Param struct {
	Kind   ParamKind
	IDs    []string
	Lo, Hi float64
	Log    bool // log-linear transform for scale parameters
}

// Value transforms u∈[0,1] to the parameter's physical range.
func (p *Param) Value(u float64) float64 {
	if p.Log {
		return mmaths.LogLinearTransform(p.Lo, p.Hi, u)
	}
	return mmaths.LinearTransform(p.Lo, p.Hi, u)
}

// Apply clones nw and writes the transformed parameter values onto it. The
// input network is never touched, keeping trials independent.
func Apply(nw *hengine.Network, params []Param, u []float64) (*hengine.Network, error) {
	if len(u) != len(params) {
		return nil, fmt.Errorf("calib.Apply: %d sample dimensions for %d parameters", len(u), len(params))
	}
	cp := nw.Clone()
	for k := range params {
		p := &params[k]
		v := p.Value(u[k])
		switch p.Kind {
		case Roughness:
			if err := eachLink(cp, p.IDs, hengine.Pipe, func(lk *hengine.Link) { lk.Roughness = v }); err != nil {
				return nil, err
			}
		case ValveSetting:
			if err := eachLink(cp, p.IDs, hengine.Valve, func(lk *hengine.Link) { lk.Setting = v }); err != nil {
				return nil, err
			}
		case DemandMult:
			if len(p.IDs) == 0 {
				for i := range cp.Nodes {
					if cp.Nodes[i].Kind == hengine.Junction {
						cp.Nodes[i].Demand *= v
					}
				}
				continue
			}
			for _, id := range p.IDs {
				i, ok := cp.NodeXR[id]
				if !ok {
					return nil, fmt.Errorf("calib.Apply: parameter %s references unknown node %q", p.Kind, id)
				}
				cp.Nodes[i].Demand *= v
			}
		}
	}
	return cp, nil
}

func eachLink(nw *hengine.Network, ids []string, kind hengine.LinkKind, f func(*hengine.Link)) error {
	if len(ids) == 0 {
		for i := range nw.Links {
			if nw.Links[i].Kind == kind {
				f(&nw.Links[i])
			}
		}
		return nil
	}
	for _, id := range ids {
		i, ok := nw.LinkXR[id]
		if !ok {
			return fmt.Errorf("calib.Apply: unknown link %q", id)
		}
		if nw.Links[i].Kind != kind {
			return fmt.Errorf("calib.Apply: link %q is not a %v target", id, kind)
		}
		f(&nw.Links[i])
	}
	return nil
}

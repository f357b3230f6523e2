package solve

import (
	"fmt"
	"math"

	hengine "github.com/Giswater/giswater-hengine-app"
)

const (
	gravity   = 9.80665
	viscosity = 1.004e-6 // kinematic, water at 20°C [m²/s]
	hwExp     = 1.852
	nearzero  = 1e-12
	minGrad   = 1e-8 // head-loss gradient floor [m/(m³/s)]
	qPump     = 1e-8 // pumps pass forward flow only
	vInit     = 0.3  // initial guess velocity [m/s]
)

func area(diam float64) float64 { return math.Pi * diam * diam / 4. }

// HazenWilliamsR returns r in hl = r·Q^1.852 (SI units: m, m³/s).
func HazenWilliamsR(length, diam, c float64) float64 {
	return 10.6668 * length / (math.Pow(c, hwExp) * math.Pow(diam, 4.8704))
}

// darcyWeisbachR returns r in hl = r·Q², with the friction factor from the
// Swamee-Jain fit at the current flow's Reynolds number (64/Re laminar).
func darcyWeisbachR(length, diam, rough, q float64) float64 {
	a := area(diam)
	re := math.Abs(q) / a * diam / viscosity
	var f float64
	switch {
	case re < 10.: // effectively stagnant
		f = 6.4
	case re < 2000.:
		f = 64. / re
	default:
		f = 0.25 / math.Pow(math.Log10(rough/(3.7*diam)+5.74/math.Pow(re, 0.9)), 2.)
	}
	return f * length / (2. * gravity * diam * a * a)
}

// minorR returns m in hl = m·Q|Q| for a minor-loss coefficient k.
func minorR(diam, k float64) float64 {
	return 8. * k / (gravity * math.Pi * math.Pi * math.Pow(diam, 4.))
}

// pumpCurve is the fitted head relation h = h0 − r·Q^n.
type pumpCurve struct {
	h0, r, n float64
	qd       float64 // design flow, used as the initial guess
}

// fitPumpCurve fits h0 − r·Q^n through a 1- or 3-point head curve, using
// EPANET's shape rules (shutoff head 4/3·h1, max flow 2·q1) for the
// single-point case.
func fitPumpCurve(c *hengine.Curve) (pumpCurve, error) {
	switch len(c.X) {
	case 1:
		q1, h1 := c.X[0], c.Y[0]
		if q1 <= 0 || h1 <= 0 {
			return pumpCurve{}, fmt.Errorf("head curve %q: design point must be positive", c.ID)
		}
		h0 := 4. * h1 / 3.
		qmax := 2. * q1
		n := math.Log(h0/(h0-h1)) / math.Log(qmax/q1)
		r := (h0 - h1) / math.Pow(q1, n)
		return pumpCurve{h0: h0, r: r, n: n, qd: q1}, nil
	case 3:
		if c.X[0] != 0 {
			return pumpCurve{}, fmt.Errorf("head curve %q: first point must be at zero flow", c.ID)
		}
		h0, q1, h1, q2, h2 := c.Y[0], c.X[1], c.Y[1], c.X[2], c.Y[2]
		if !(q2 > q1 && q1 > 0 && h0 > h1 && h1 > h2 && h2 >= 0) {
			return pumpCurve{}, fmt.Errorf("head curve %q: points must decline with increasing flow", c.ID)
		}
		n := math.Log((h0-h2)/(h0-h1)) / math.Log(q2/q1)
		r := (h0 - h1) / math.Pow(q1, n)
		return pumpCurve{h0: h0, r: r, n: n, qd: q1}, nil
	}
	return pumpCurve{}, fmt.Errorf("head curve %q: need 1 or 3 points, got %d", c.ID, len(c.X))
}

// headGain evaluates the pump head added at flow q and speed ratio w.
func (pc pumpCurve) headGain(q, w float64) float64 {
	return w * w * (pc.h0 - pc.r*math.Pow(q/w, pc.n))
}

// coeffs returns the linearization (p = 1/g, y = p·hl) of link l at its
// current flow, the per-iteration kernel of the global gradient method.
func (s *solver) coeffs(l int) (p, y float64) {
	lk := &s.nw.Links[l]
	q := s.q[l]
	aq := math.Abs(q)

	if lk.Status == hengine.Closed || (lk.Kind == hengine.Pump && lk.Setting <= 0) {
		return minGrad, q // near-zero conductance drives flow to zero
	}

	switch lk.Kind {
	case hengine.Pipe:
		var r, n float64
		if s.set.Law == DarcyWeisbach {
			r, n = darcyWeisbachR(lk.Length, lk.Diameter, lk.Roughness, q), 2.
		} else {
			r, n = HazenWilliamsR(lk.Length, lk.Diameter, lk.Roughness), hwExp
		}
		m := 0.
		if lk.MinorLoss > 0 {
			m = minorR(lk.Diameter, lk.MinorLoss)
		}
		g := n*r*math.Pow(aq, n-1.) + 2.*m*aq
		if g < minGrad {
			g = minGrad
		}
		hl := (r*math.Pow(aq, n-1.) + m*aq) * q
		return 1. / g, hl / g

	case hengine.Pump:
		w := lk.Setting
		pc := s.pumps[l]
		qa := math.Max(q, qPump)
		g := pc.n * pc.r * math.Pow(w, 2.-pc.n) * math.Pow(qa, pc.n-1.)
		if g < minGrad {
			g = minGrad
		}
		hl := -pc.headGain(qa, w)
		return 1. / g, hl / g

	default: // valve: fixed loss derived from its setting
		k := lk.MinorLoss
		if lk.Status == hengine.Throttled && lk.Setting > k {
			k = lk.Setting
		}
		if k < 0.01 {
			k = 0.01 // fully open valves still obstruct slightly
		}
		m := minorR(lk.Diameter, k)
		g := 2. * m * aq
		if g < minGrad {
			g = minGrad
		}
		return 1. / g, m * aq * q / g
	}
}

// headloss reports the realized head loss across link l from solved heads.
func (s *solver) headloss(l int) float64 {
	lk := &s.nw.Links[l]
	return s.h[lk.N1] - s.h[lk.N2]
}

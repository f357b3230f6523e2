// Package compare diffs two simulation results entity by entity, flagging
// relative departures beyond per-quantity thresholds. Its main use is
// regression-checking a solver change or a recalibrated model against a
// reference run.
package compare

import (
	"fmt"
	"math"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/maseology/objfunc"
)

const tiny = 1e-9

// Thresholds are relative-difference limits per quantity; an entity whose
// worst step exceeds its quantity's limit is flagged. Quantities absent from
// the map are compared but never flagged.
type Thresholds map[hengine.Quantity]float64

// DefaultThresholds flags half-percent departures in heads and flows.
func DefaultThresholds() Thresholds {
	return Thresholds{
		hengine.Head:     0.005,
		hengine.Pressure: 0.005,
		hengine.Flow:     0.005,
	}
}

// EntityDiff is the per-entity, per-quantity departure between two runs.
type EntityDiff struct {
	ID       string
	Quantity hengine.Quantity
	MaxAbs   float64 // worst absolute difference
	MaxRel   float64 // worst relative difference
	AtTime   int64   // step time of the worst relative difference [s]
	RMS      float64 // over all steps
	Flagged  bool
}

// Aggregate summarizes one quantity's relative differences across entities
// and steps.
type Aggregate struct {
	Mean, Max, RMS float64
}

// DiffReport is the full comparison output.
type DiffReport struct {
	Entities []EntityDiff
	Stats    map[hengine.Quantity]Aggregate
	Flagged  []EntityDiff
}

// IncompatibleResultsError reports results that cannot be compared because
// they describe different networks or time grids.
type IncompatibleResultsError struct {
	Reason string
}

func (e *IncompatibleResultsError) Error() string {
	return "incomparable results: " + e.Reason
}

var nodeQuantities = []hengine.Quantity{hengine.Head, hengine.Pressure, hengine.Demand}
var linkQuantities = []hengine.Quantity{hengine.Flow, hengine.Velocity, hengine.HeadLoss}

// Compare diffs b against reference a. Both results must cover the same
// entities in the same order and the same step times.
func Compare(a, b *hengine.SimulationResult, th Thresholds) (*DiffReport, error) {
	if err := checkCompatible(a, b); err != nil {
		return nil, err
	}
	if th == nil {
		th = DefaultThresholds()
	}

	rpt := &DiffReport{Stats: map[hengine.Quantity]Aggregate{}}
	acc := map[hengine.Quantity]*accum{}
	for _, q := range nodeQuantities {
		acc[q] = &accum{}
		for _, id := range a.NodeIDs {
			rpt.add(diffEntity(a, b, id, q, th), acc[q])
		}
	}
	for _, q := range linkQuantities {
		acc[q] = &accum{}
		for _, id := range a.LinkIDs {
			rpt.add(diffEntity(a, b, id, q, th), acc[q])
		}
	}
	for q, ac := range acc {
		rpt.Stats[q] = ac.aggregate()
	}
	return rpt, nil
}

func checkCompatible(a, b *hengine.SimulationResult) error {
	if len(a.NodeIDs) != len(b.NodeIDs) || len(a.LinkIDs) != len(b.LinkIDs) {
		return &IncompatibleResultsError{Reason: fmt.Sprintf("entity counts differ (%d/%d nodes, %d/%d links)",
			len(a.NodeIDs), len(b.NodeIDs), len(a.LinkIDs), len(b.LinkIDs))}
	}
	for i, id := range a.NodeIDs {
		if b.NodeIDs[i] != id {
			return &IncompatibleResultsError{Reason: fmt.Sprintf("node %d is %q vs %q", i, id, b.NodeIDs[i])}
		}
	}
	for i, id := range a.LinkIDs {
		if b.LinkIDs[i] != id {
			return &IncompatibleResultsError{Reason: fmt.Sprintf("link %d is %q vs %q", i, id, b.LinkIDs[i])}
		}
	}
	if len(a.Steps) != len(b.Steps) {
		return &IncompatibleResultsError{Reason: fmt.Sprintf("step counts differ (%d vs %d)", len(a.Steps), len(b.Steps))}
	}
	for j := range a.Steps {
		if a.Steps[j].Time != b.Steps[j].Time {
			return &IncompatibleResultsError{Reason: fmt.Sprintf("step %d at t=%d s vs t=%d s", j, a.Steps[j].Time, b.Steps[j].Time)}
		}
	}
	return nil
}

func diffEntity(a, b *hengine.SimulationResult, id string, q hengine.Quantity, th Thresholds) EntityDiff {
	d := EntityDiff{ID: id, Quantity: q}
	va := make([]float64, 0, len(a.Steps))
	vb := make([]float64, 0, len(a.Steps))
	for j := range a.Steps {
		x, _ := a.Value(j, id, q)
		y, _ := b.Value(j, id, q)
		va, vb = append(va, x), append(vb, y)
		abs := math.Abs(y - x)
		rel := abs / math.Max(math.Abs(x), tiny)
		if abs > d.MaxAbs {
			d.MaxAbs = abs
		}
		if rel > d.MaxRel {
			d.MaxRel = rel
			d.AtTime = a.Steps[j].Time
		}
	}
	d.RMS = objfunc.RMSE(va, vb)
	if lim, ok := th[q]; ok && d.MaxRel > lim {
		d.Flagged = true
	}
	return d
}

type accum struct {
	sum, sumsq, max float64
	n               int
}

func (ac *accum) aggregate() Aggregate {
	if ac.n == 0 {
		return Aggregate{}
	}
	return Aggregate{
		Mean: ac.sum / float64(ac.n),
		Max:  ac.max,
		RMS:  math.Sqrt(ac.sumsq / float64(ac.n)),
	}
}

func (rpt *DiffReport) add(d EntityDiff, ac *accum) {
	rpt.Entities = append(rpt.Entities, d)
	if d.Flagged {
		rpt.Flagged = append(rpt.Flagged, d)
	}
	ac.sum += d.MaxRel
	ac.sumsq += d.MaxRel * d.MaxRel
	if d.MaxRel > ac.max {
		ac.max = d.MaxRel
	}
	ac.n++
}

package hengine

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Observation is one field measurement to calibrate against.
type Observation struct {
	Location string // node or link id
	Quantity Quantity
	Time     int64   // [s] from simulation start
	Value    float64
	Tol      float64 // weight; residuals are divided by Tol when > 0
}

// Observations is a set of field measurements.
type Observations []Observation

const obstiny = 1e-9

// Score sums squared weighted relative errors between obs and the matching
// entries of res, and returns the number of matched observations. Time
// matching is exact to the result's step times.
func (obs Observations) Score(res *SimulationResult) (float64, int) {
	txr := make(map[int64]int, len(res.Steps))
	for j := range res.Steps {
		txr[res.Steps[j].Time] = j
	}
	sse, n := 0., 0
	for _, o := range obs {
		j, ok := txr[o.Time]
		if !ok {
			continue
		}
		sim, ok := res.Value(j, o.Location, o.Quantity)
		if !ok {
			continue
		}
		e := (sim - o.Value) / math.Max(math.Abs(o.Value), obstiny)
		if o.Tol > 0 {
			e /= o.Tol
		}
		sse += e * e
		n++
	}
	return sse, n
}

// Series collects the matched observed/simulated value pairs, in observation
// order, for goodness-of-fit diagnostics.
func (obs Observations) Series(res *SimulationResult) (o, s []float64) {
	txr := make(map[int64]int, len(res.Steps))
	for j := range res.Steps {
		txr[res.Steps[j].Time] = j
	}
	for _, ob := range obs {
		j, ok := txr[ob.Time]
		if !ok {
			continue
		}
		sim, ok := res.Value(j, ob.Location, ob.Quantity)
		if !ok {
			continue
		}
		o = append(o, ob.Value)
		s = append(s, sim)
	}
	return o, s
}

// ParseObsTime accepts decimal hours ("1.5") or clock style "HH:MM[:SS]"
// and returns seconds.
func ParseObsTime(s string) (int64, error) {
	if strings.Contains(s, ":") {
		parts := strings.SplitN(s, ":", 3)
		for len(parts) < 3 {
			parts = append(parts, "0")
		}
		var hms [3]int64
		for i, p := range parts {
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("bad time %q: %v", s, err)
			}
			hms[i] = v
		}
		return hms[0]*3600 + hms[1]*60 + hms[2], nil
	}
	h, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %v", s, err)
	}
	return int64(h * 3600.), nil
}

// LoadObservations reads an EPANET-style calibration .dat file for a single
// quantity. Header lines are "id time value"; continuation lines "time value"
// belong to the last id seen; ';' starts a comment.
func LoadObservations(fp string, q Quantity) (Observations, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, fmt.Errorf("LoadObservations: %w", err)
	}
	defer f.Close()

	var obs Observations
	cur := ""
	ln := 0
	scn := bufio.NewScanner(f)
	for scn.Scan() {
		ln++
		line := scn.Text()
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		flds := strings.Fields(line)
		switch {
		case len(flds) >= 3:
			cur = flds[0]
			flds = flds[1:]
			fallthrough
		case len(flds) == 2:
			if cur == "" {
				return nil, fmt.Errorf("LoadObservations %s line %d: continuation before any element id", fp, ln)
			}
			t, err := ParseObsTime(flds[0])
			if err != nil {
				return nil, fmt.Errorf("LoadObservations %s line %d: %v", fp, ln, err)
			}
			v, err := strconv.ParseFloat(flds[1], 64)
			if err != nil {
				return nil, fmt.Errorf("LoadObservations %s line %d: %v", fp, ln, err)
			}
			obs = append(obs, Observation{Location: cur, Quantity: q, Time: t, Value: v})
		}
	}
	if err := scn.Err(); err != nil {
		return nil, fmt.Errorf("LoadObservations: %w", err)
	}
	return obs, nil
}

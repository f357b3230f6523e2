// Package inp parses EPANET-style INP text into a validated
// hengine.Network. Quantities are normalized to SI on the way in: demands
// to m³/s per the [OPTIONS] flow units, diameters mm→m, Darcy-Weisbach
// roughness mm→m.
package inp

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	hengine "github.com/Giswater/giswater-hengine-app"
)

// ParseError reports malformed INP syntax.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("inp parse error, line %d: %s", e.Line, e.Reason)
}

type row struct {
	ln   int
	flds []string
}

// sections we read, in processing order
var readSections = []string{
	"OPTIONS", "TIMES", "PATTERNS", "CURVES",
	"JUNCTIONS", "RESERVOIRS", "TANKS",
	"PIPES", "PUMPS", "VALVES",
	"DEMANDS", "STATUS", "CONTROLS",
}

// sections accepted but not interpreted
var skipSections = map[string]bool{
	"TITLE": true, "COORDINATES": true, "VERTICES": true, "LABELS": true,
	"BACKDROP": true, "TAGS": true, "REPORT": true, "ENERGY": true,
	"EMITTERS": true, "QUALITY": true, "SOURCES": true, "REACTIONS": true,
	"MIXING": true, "RULES": true, "END": true,
}

// flow unit → m³/s factor; metric unit systems only
var flowFactors = map[string]float64{
	"LPS": 1e-3,
	"LPM": 1e-3 / 60.,
	"MLD": 1e6 * 1e-3 / 86400.,
	"CMH": 1. / 3600.,
	"CMD": 1. / 86400.,
}

// LoadFile parses the INP file at fp.
func LoadFile(fp string) (*hengine.Network, error) {
	b, err := os.ReadFile(fp)
	if err != nil {
		return nil, fmt.Errorf("inp.LoadFile: %w", err)
	}
	return Load(string(b))
}

// Load parses INP text into a validated network. It fails with *ParseError
// on malformed syntax and *hengine.ValidationError on structural faults.
func Load(text string) (*hengine.Network, error) {
	secs, err := splitSections(text)
	if err != nil {
		return nil, err
	}

	ldr := &loader{
		nw: &hengine.Network{
			NodeXR: map[string]int{},
			LinkXR: map[string]int{},
			Times:  hengine.TimeSettings{Step: 3600, PatternStep: 3600},
			Opts:   hengine.Options{Headloss: "H-W", Units: "LPS"},
		},
		patXR: map[string]int{},
		crvXR: map[string]int{},
		qfact: flowFactors["LPS"],
	}
	for _, name := range readSections {
		for _, r := range secs[name] {
			if err := ldr.parseRow(name, r); err != nil {
				return nil, err
			}
		}
	}
	ldr.convertPumpCurves()
	if err := ldr.nw.Check(); err != nil {
		return nil, err
	}
	ldr.nw.Adjacency()
	return ldr.nw, nil
}

// convertPumpCurves rescales pump head-curve flows from the file's flow
// units to m³/s. Curves are stored once and may be shared, so each is
// converted at most once.
func (l *loader) convertPumpCurves() {
	done := map[int]bool{}
	for i := range l.nw.Links {
		lk := &l.nw.Links[i]
		if lk.Kind != hengine.Pump || lk.Curve < 0 || done[lk.Curve] {
			continue
		}
		done[lk.Curve] = true
		c := &l.nw.Curves[lk.Curve]
		for k := range c.X {
			c.X[k] *= l.qfact
		}
	}
}

func splitSections(text string) (map[string][]row, error) {
	secs := map[string][]row{}
	cur := ""
	for ln, raw := range strings.Split(text, "\n") {
		line := raw
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			j := strings.Index(line, "]")
			if j < 0 {
				return nil, &ParseError{ln + 1, "unterminated section header"}
			}
			cur = strings.ToUpper(strings.TrimSpace(line[1:j]))
			known := skipSections[cur]
			for _, s := range readSections {
				if s == cur {
					known = true
				}
			}
			if !known {
				return nil, &ParseError{ln + 1, fmt.Sprintf("unknown section [%s]", cur)}
			}
			continue
		}
		if cur == "" {
			return nil, &ParseError{ln + 1, "data before any section header"}
		}
		if !skipSections[cur] {
			secs[cur] = append(secs[cur], row{ln + 1, strings.Fields(line)})
		}
	}
	return secs, nil
}

type loader struct {
	nw    *hengine.Network
	patXR map[string]int
	crvXR map[string]int
	qfact float64 // flow unit → m³/s
}

func (l *loader) float(r row, i int, what string) (float64, error) {
	v, err := strconv.ParseFloat(r.flds[i], 64)
	if err != nil {
		return 0., &ParseError{r.ln, fmt.Sprintf("bad %s %q", what, r.flds[i])}
	}
	return v, nil
}

func (l *loader) need(r row, n int) error {
	if len(r.flds) < n {
		return &ParseError{r.ln, fmt.Sprintf("expected at least %d fields, got %d", n, len(r.flds))}
	}
	return nil
}

func (l *loader) addNode(nd hengine.Node) error {
	if _, ok := l.nw.NodeXR[nd.ID]; ok {
		return &hengine.ValidationError{Kind: "duplicate-id", Entity: nd.ID, Reason: "node id reused"}
	}
	l.nw.NodeXR[nd.ID] = len(l.nw.Nodes)
	l.nw.Nodes = append(l.nw.Nodes, nd)
	return nil
}

func (l *loader) addLink(lk hengine.Link, n1, n2 string) error {
	if _, ok := l.nw.LinkXR[lk.ID]; ok {
		return &hengine.ValidationError{Kind: "duplicate-id", Entity: lk.ID, Reason: "link id reused"}
	}
	i1, ok := l.nw.NodeXR[n1]
	if !ok {
		return &hengine.ValidationError{Kind: "dangling-node", Entity: lk.ID, Reason: fmt.Sprintf("start node %q does not exist", n1)}
	}
	i2, ok := l.nw.NodeXR[n2]
	if !ok {
		return &hengine.ValidationError{Kind: "dangling-node", Entity: lk.ID, Reason: fmt.Sprintf("end node %q does not exist", n2)}
	}
	lk.N1, lk.N2 = i1, i2
	l.nw.LinkXR[lk.ID] = len(l.nw.Links)
	l.nw.Links = append(l.nw.Links, lk)
	return nil
}

func (l *loader) pattern(name string) (int, error) {
	if i, ok := l.patXR[name]; ok {
		return i, nil
	}
	return -1, &hengine.ValidationError{Kind: "unknown-pattern", Entity: name, Reason: "pattern not defined"}
}

func (l *loader) curve(name string) (int, error) {
	if i, ok := l.crvXR[name]; ok {
		return i, nil
	}
	return -1, &hengine.ValidationError{Kind: "unknown-curve", Entity: name, Reason: "curve not defined"}
}

func (l *loader) parseRow(sec string, r row) error {
	switch sec {
	case "OPTIONS":
		return l.parseOption(r)
	case "TIMES":
		return l.parseTime(r)
	case "PATTERNS":
		if err := l.need(r, 2); err != nil {
			return err
		}
		id := r.flds[0]
		i, ok := l.patXR[id]
		if !ok {
			i = len(l.nw.Patterns)
			l.patXR[id] = i
			l.nw.Patterns = append(l.nw.Patterns, hengine.Pattern{ID: id})
		}
		for k := 1; k < len(r.flds); k++ {
			v, err := l.float(r, k, "pattern multiplier")
			if err != nil {
				return err
			}
			l.nw.Patterns[i].Mult = append(l.nw.Patterns[i].Mult, v)
		}
		return nil
	case "CURVES":
		if err := l.need(r, 3); err != nil {
			return err
		}
		id := r.flds[0]
		i, ok := l.crvXR[id]
		if !ok {
			i = len(l.nw.Curves)
			l.crvXR[id] = i
			l.nw.Curves = append(l.nw.Curves, hengine.Curve{ID: id})
		}
		x, err := l.float(r, 1, "curve x")
		if err != nil {
			return err
		}
		y, err := l.float(r, 2, "curve y")
		if err != nil {
			return err
		}
		l.nw.Curves[i].X = append(l.nw.Curves[i].X, x)
		l.nw.Curves[i].Y = append(l.nw.Curves[i].Y, y)
		return nil
	case "JUNCTIONS":
		if err := l.need(r, 2); err != nil {
			return err
		}
		nd := hengine.Node{ID: r.flds[0], Kind: hengine.Junction, Pattern: -1, VolCurve: -1}
		var err error
		if nd.Elev, err = l.float(r, 1, "elevation"); err != nil {
			return err
		}
		if len(r.flds) > 2 {
			d, err := l.float(r, 2, "demand")
			if err != nil {
				return err
			}
			nd.Demand = d * l.qfact
		}
		if len(r.flds) > 3 {
			if nd.Pattern, err = l.pattern(r.flds[3]); err != nil {
				return err
			}
		}
		return l.addNode(nd)
	case "RESERVOIRS":
		if err := l.need(r, 2); err != nil {
			return err
		}
		nd := hengine.Node{ID: r.flds[0], Kind: hengine.Reservoir, Pattern: -1, VolCurve: -1}
		h, err := l.float(r, 1, "head")
		if err != nil {
			return err
		}
		nd.Head, nd.Elev = h, h
		return l.addNode(nd) // optional head pattern not modelled
	case "TANKS":
		if err := l.need(r, 6); err != nil {
			return err
		}
		nd := hengine.Node{ID: r.flds[0], Kind: hengine.Tank, Pattern: -1, VolCurve: -1}
		vals := make([]float64, 5)
		for k := 0; k < 5; k++ {
			v, err := l.float(r, k+1, "tank property")
			if err != nil {
				return err
			}
			vals[k] = v
		}
		nd.Elev, nd.InitLevel, nd.MinLevel, nd.MaxLevel, nd.TankDiam = vals[0], vals[1], vals[2], vals[3], vals[4]
		if len(r.flds) > 7 { // id elev init min max diam minvol volcurve
			vc, err := l.curve(r.flds[7])
			if err != nil {
				return err
			}
			nd.VolCurve = vc
		}
		return l.addNode(nd)
	case "PIPES":
		if err := l.need(r, 6); err != nil {
			return err
		}
		lk := hengine.Link{ID: r.flds[0], Kind: hengine.Pipe, Curve: -1, Setting: 1.}
		var err error
		if lk.Length, err = l.float(r, 3, "length"); err != nil {
			return err
		}
		if lk.Diameter, err = l.float(r, 4, "diameter"); err != nil {
			return err
		}
		lk.Diameter /= 1000. // mm → m
		if lk.Roughness, err = l.float(r, 5, "roughness"); err != nil {
			return err
		}
		if l.nw.Opts.Headloss == "D-W" {
			lk.Roughness /= 1000. // mm → m
		}
		if len(r.flds) > 6 {
			if lk.MinorLoss, err = l.float(r, 6, "minor loss"); err != nil {
				return err
			}
		}
		if len(r.flds) > 7 {
			switch strings.ToUpper(r.flds[7]) {
			case "OPEN":
			case "CLOSED":
				lk.Status = hengine.Closed
			case "CV": // check valves are carried as plain open pipes
			default:
				return &ParseError{r.ln, fmt.Sprintf("bad pipe status %q", r.flds[7])}
			}
		}
		return l.addLink(lk, r.flds[1], r.flds[2])
	case "PUMPS":
		if err := l.need(r, 4); err != nil {
			return err
		}
		lk := hengine.Link{ID: r.flds[0], Kind: hengine.Pump, Curve: -1, Setting: 1.}
		for k := 3; k+1 < len(r.flds); k += 2 {
			switch strings.ToUpper(r.flds[k]) {
			case "HEAD":
				c, err := l.curve(r.flds[k+1])
				if err != nil {
					return err
				}
				lk.Curve = c
			case "SPEED":
				v, err := l.float(r, k+1, "pump speed")
				if err != nil {
					return err
				}
				lk.Setting = v
			case "PATTERN": // speed pattern not modelled
			case "POWER":
				return &ParseError{r.ln, "constant-power pumps not supported; use a HEAD curve"}
			default:
				return &ParseError{r.ln, fmt.Sprintf("bad pump keyword %q", r.flds[k])}
			}
		}
		return l.addLink(lk, r.flds[1], r.flds[2])
	case "VALVES":
		if err := l.need(r, 6); err != nil {
			return err
		}
		lk := hengine.Link{ID: r.flds[0], Kind: hengine.Valve, Curve: -1, Status: hengine.Throttled}
		var err error
		if lk.Diameter, err = l.float(r, 3, "diameter"); err != nil {
			return err
		}
		lk.Diameter /= 1000. // mm → m
		switch strings.ToUpper(r.flds[4]) {
		case "TCV":
			lk.Valve = hengine.TCV
		case "PRV":
			lk.Valve = hengine.PRV
		case "PSV":
			lk.Valve = hengine.PSV
		case "PBV":
			lk.Valve = hengine.PBV
		case "FCV":
			lk.Valve = hengine.FCV
		case "GPV":
			lk.Valve = hengine.GPV
		default:
			return &ParseError{r.ln, fmt.Sprintf("bad valve type %q", r.flds[4])}
		}
		if lk.Setting, err = l.float(r, 5, "valve setting"); err != nil {
			return err
		}
		if len(r.flds) > 6 {
			if lk.MinorLoss, err = l.float(r, 6, "minor loss"); err != nil {
				return err
			}
		}
		return l.addLink(lk, r.flds[1], r.flds[2])
	case "DEMANDS":
		if err := l.need(r, 2); err != nil {
			return err
		}
		i, ok := l.nw.NodeXR[r.flds[0]]
		if !ok {
			return &hengine.ValidationError{Kind: "dangling-node", Entity: r.flds[0], Reason: "demand for unknown node"}
		}
		d, err := l.float(r, 1, "demand")
		if err != nil {
			return err
		}
		l.nw.Nodes[i].Demand += d * l.qfact // demand categories accumulate
		if len(r.flds) > 2 && l.nw.Nodes[i].Pattern < 0 {
			if l.nw.Nodes[i].Pattern, err = l.pattern(r.flds[2]); err != nil {
				return err
			}
		}
		return nil
	case "STATUS":
		if err := l.need(r, 2); err != nil {
			return err
		}
		i, ok := l.nw.LinkXR[r.flds[0]]
		if !ok {
			return &hengine.ValidationError{Kind: "dangling-node", Entity: r.flds[0], Reason: "status for unknown link"}
		}
		lk := &l.nw.Links[i]
		switch strings.ToUpper(r.flds[1]) {
		case "OPEN":
			lk.Status = hengine.Open
		case "CLOSED":
			lk.Status = hengine.Closed
		default:
			v, err := l.float(r, 1, "status setting")
			if err != nil {
				return err
			}
			lk.Setting = v
			if lk.Kind == hengine.Valve {
				lk.Status = hengine.Throttled
			} else if v == 0. {
				lk.Status = hengine.Closed
			}
		}
		return nil
	case "CONTROLS":
		return l.parseControl(r)
	}
	return nil
}

func (l *loader) parseOption(r row) error {
	if err := l.need(r, 2); err != nil {
		return err
	}
	switch strings.ToUpper(r.flds[0]) {
	case "UNITS":
		u := strings.ToUpper(r.flds[1])
		f, ok := flowFactors[u]
		if !ok {
			return &ParseError{r.ln, fmt.Sprintf("unsupported flow units %q (metric systems only)", r.flds[1])}
		}
		l.nw.Opts.Units = u
		l.qfact = f
	case "HEADLOSS":
		switch strings.ToUpper(r.flds[1]) {
		case "H-W":
			l.nw.Opts.Headloss = "H-W"
		case "D-W":
			l.nw.Opts.Headloss = "D-W"
		default:
			return &ParseError{r.ln, fmt.Sprintf("unsupported headloss formula %q", r.flds[1])}
		}
	case "ACCURACY":
		v, err := l.float(r, 1, "accuracy")
		if err != nil {
			return err
		}
		l.nw.Opts.Accuracy = v
	case "TRIALS":
		v, err := l.float(r, 1, "trials")
		if err != nil {
			return err
		}
		l.nw.Opts.Trials = int(v)
	}
	return nil // remaining options are report/quality concerns
}

func (l *loader) parseTime(r row) error {
	if err := l.need(r, 2); err != nil {
		return err
	}
	key := strings.ToUpper(r.flds[0])
	vi := 1
	if len(r.flds) > 2 && !isTimeValue(r.flds[1]) {
		key += " " + strings.ToUpper(r.flds[1])
		vi = 2
	}
	var dst *int64
	switch key {
	case "DURATION":
		dst = &l.nw.Times.Duration
	case "HYDRAULIC TIMESTEP":
		dst = &l.nw.Times.Step
	case "PATTERN TIMESTEP":
		dst = &l.nw.Times.PatternStep
	case "PATTERN START":
		dst = &l.nw.Times.PatternStart
	default:
		return nil // report/quality timing ignored
	}
	if vi >= len(r.flds) {
		return &ParseError{r.ln, "missing time value"}
	}
	sec, err := parseClock(r.flds[vi], r.flds[vi+1:])
	if err != nil {
		return &ParseError{r.ln, err.Error()}
	}
	*dst = sec
	return nil
}

func isTimeValue(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil || strings.Contains(s, ":")
}

// parseClock reads "HH:MM[:SS]" or a decimal value with an optional trailing
// unit word (hours by default).
func parseClock(v string, rest []string) (int64, error) {
	if strings.Contains(v, ":") {
		return hengine.ParseObsTime(v)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("bad time value %q", v)
	}
	unit := "HOURS"
	if len(rest) > 0 {
		unit = strings.ToUpper(rest[0])
	}
	switch unit {
	case "SECONDS", "SEC", "S":
		return int64(f), nil
	case "MINUTES", "MIN", "M":
		return int64(f * 60.), nil
	case "HOURS", "HR", "H":
		return int64(f * 3600.), nil
	case "DAYS", "DAY", "D":
		return int64(f * 86400.), nil
	}
	return 0, fmt.Errorf("bad time unit %q", unit)
}

// parseControl reads the simple-control grammar:
//
//	LINK id status IF NODE id ABOVE|BELOW level
//	LINK id status AT TIME t
//	LINK id status AT CLOCKTIME t [AM|PM]
func (l *loader) parseControl(r row) error {
	if err := l.need(r, 5); err != nil {
		return err
	}
	if strings.ToUpper(r.flds[0]) != "LINK" {
		return &ParseError{r.ln, "control must start with LINK (rule-based controls not supported)"}
	}
	li, ok := l.nw.LinkXR[r.flds[1]]
	if !ok {
		return &hengine.ValidationError{Kind: "dangling-node", Entity: r.flds[1], Reason: "control for unknown link"}
	}
	c := hengine.Control{Link: li, Node: -1}
	switch strings.ToUpper(r.flds[2]) {
	case "OPEN":
		c.Status = hengine.Open
	case "CLOSED":
		c.Status = hengine.Closed
	default:
		v, err := l.float(r, 2, "control setting")
		if err != nil {
			return err
		}
		c.Setting, c.HasSetting = v, true
		if l.nw.Links[li].Kind == hengine.Valve {
			c.Status = hengine.Throttled
		}
	}
	switch strings.ToUpper(r.flds[3]) {
	case "IF":
		if err := l.need(r, 8); err != nil {
			return err
		}
		if strings.ToUpper(r.flds[4]) != "NODE" {
			return &ParseError{r.ln, "expected NODE in level control"}
		}
		ni, ok := l.nw.NodeXR[r.flds[5]]
		if !ok {
			return &hengine.ValidationError{Kind: "dangling-node", Entity: r.flds[5], Reason: "control trigger node does not exist"}
		}
		c.Node = ni
		switch strings.ToUpper(r.flds[6]) {
		case "ABOVE":
			c.Cond = hengine.CondAbove
		case "BELOW":
			c.Cond = hengine.CondBelow
		default:
			return &ParseError{r.ln, fmt.Sprintf("expected ABOVE or BELOW, got %q", r.flds[6])}
		}
		v, err := l.float(r, 7, "control level")
		if err != nil {
			return err
		}
		c.Level = v
	case "AT":
		kind := strings.ToUpper(r.flds[4])
		if kind != "TIME" && kind != "CLOCKTIME" {
			return &ParseError{r.ln, fmt.Sprintf("expected TIME or CLOCKTIME, got %q", r.flds[4])}
		}
		if len(r.flds) < 6 {
			return &ParseError{r.ln, "missing control time"}
		}
		sec, err := parseClock(r.flds[5], nil)
		if err != nil {
			return &ParseError{r.ln, err.Error()}
		}
		if kind == "CLOCKTIME" && len(r.flds) > 6 && strings.ToUpper(r.flds[6]) == "PM" {
			sec += 12 * 3600
		}
		c.Cond = hengine.CondAtTime
		c.At = sec
	default:
		return &ParseError{r.ln, fmt.Sprintf("expected IF or AT, got %q", r.flds[3])}
	}
	l.nw.Controls = append(l.nw.Controls, c)
	return nil
}

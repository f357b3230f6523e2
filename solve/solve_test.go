package solve

import (
	"math"
	"strings"
	"testing"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/Giswater/giswater-hengine-app/inp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, text string) *hengine.Network {
	t.Helper()
	nw, err := inp.Load(text)
	require.NoError(t, err)
	return nw
}

const twoNode = `
[OPTIONS]
 UNITS LPS
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 10
[PIPES]
 P1 R1 J1 1000 200 100
`

func TestSinglePipeMatchesHazenWilliams(t *testing.T) {
	nw := load(t, twoNode)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 1, res.NSteps())

	q, ok := res.Value(0, "P1", hengine.Flow)
	require.True(t, ok)
	assert.InDelta(t, 0.01, q, 1e-6) // mass balance pins the flow

	hl := HazenWilliamsR(1000., 0.2, 100.) * math.Pow(0.01, 1.852)
	h, ok := res.Value(0, "J1", hengine.Head)
	require.True(t, ok)
	assert.InDelta(t, 50.-hl, h, 1e-4)

	lhl, _ := res.Value(0, "P1", hengine.HeadLoss)
	assert.InDelta(t, hl, lhl, 1e-4)
	v, _ := res.Value(0, "P1", hengine.Velocity)
	assert.InDelta(t, 0.01/(math.Pi*0.04/4.), v, 1e-4)

	p, _ := res.Value(0, "J1", hengine.Pressure)
	assert.InDelta(t, 50.-hl, p, 1e-4) // elevation zero
	for i, id := range res.NodeIDs {
		if id == "J1" {
			assert.True(t, res.Steps[0].Nodes[i].Satisfied)
		}
	}
}

const loopNet = `
[OPTIONS]
 UNITS LPS
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 10
 J2 0 10
[PIPES]
 P1 R1 J1 1000 200 100
 P2 R1 J2 1000 200 100
 P3 J1 J2 500 150 110
`

func TestLoopedNetworkMassBalance(t *testing.T) {
	nw := load(t, loopNet)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	st := res.Steps[0]

	// signed net inflow at each junction must match its demand
	for _, id := range []string{"J1", "J2"} {
		i := -1
		for k, nid := range res.NodeIDs {
			if nid == id {
				i = k
			}
		}
		require.GreaterOrEqual(t, i, 0)
		net := 0.
		for l, lid := range res.LinkIDs {
			lk := nw.Links[nw.LinkXR[lid]]
			if lk.N2 == nw.NodeXR[id] {
				net += st.Links[l].Flow
			}
			if lk.N1 == nw.NodeXR[id] {
				net -= st.Links[l].Flow
			}
		}
		assert.InDelta(t, 0.01, net, 1e-5, id)
	}

	// symmetric loop: equal junction heads, no crossflow
	h1, _ := res.Value(0, "J1", hengine.Head)
	h2, _ := res.Value(0, "J2", hengine.Head)
	assert.InDelta(t, h1, h2, 1e-6)
	q3, _ := res.Value(0, "P3", hengine.Flow)
	assert.InDelta(t, 0., q3, 1e-6)
}

func TestSolveDeterministic(t *testing.T) {
	nw := load(t, loopNet)
	a, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	b, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, a.Steps, b.Steps) // bit-for-bit repeatable
}

func TestSolveDoesNotMutateInput(t *testing.T) {
	nw := load(t, loopNet)
	before := nw.Links[0]
	_, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, before, nw.Links[0])
}

func TestPumpBetweenReservoirs(t *testing.T) {
	// no junctions: the linear solve is skipped and the pump settles where
	// its head gain matches the static lift
	nw := load(t, `
[OPTIONS]
 UNITS LPS
[RESERVOIRS]
 R1 10
 R2 30
[CURVES]
 C1 20 25
[PUMPS]
 PU1 R1 R2 HEAD C1
`)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)

	h0 := 4. * 25. / 3.
	r := (h0 - 25.) / math.Pow(0.02, 2.)
	want := math.Sqrt((h0 - 20.) / r)
	q, ok := res.Value(0, "PU1", hengine.Flow)
	require.True(t, ok)
	assert.InDelta(t, want, q, 2e-4)
}

func TestDisconnectedComponentFailsBeforeIterating(t *testing.T) {
	// assembled directly: a second component with no reservoir or tank
	nw := &hengine.Network{
		Nodes: []hengine.Node{
			{ID: "R1", Kind: hengine.Reservoir, Head: 50., Pattern: -1, VolCurve: -1},
			{ID: "J1", Demand: 0.01, Pattern: -1, VolCurve: -1},
			{ID: "J2", Demand: 0.01, Pattern: -1, VolCurve: -1},
			{ID: "J3", Demand: 0.01, Pattern: -1, VolCurve: -1},
		},
		Links: []hengine.Link{
			{ID: "P1", N1: 0, N2: 1, Length: 1000., Diameter: 0.2, Roughness: 100., Curve: -1, Setting: 1.},
			{ID: "P2", N1: 2, N2: 3, Length: 1000., Diameter: 0.2, Roughness: 100., Curve: -1, Setting: 1.},
		},
		NodeXR: map[string]int{"R1": 0, "J1": 1, "J2": 2, "J3": 3},
		LinkXR: map[string]int{"P1": 0, "P2": 1},
	}
	_, err := Solve(nw, DefaultSettings())
	var de *DisconnectedNetworkError
	require.ErrorAs(t, err, &de)
	assert.ElementsMatch(t, []string{"J2", "J3"}, de.Nodes)
}

func TestDisconnectedByClosedPipe(t *testing.T) {
	nw := load(t, twoNode + "[STATUS]\n P1 CLOSED\n")
	_, err := Solve(nw, DefaultSettings())
	var de *DisconnectedNetworkError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Nodes, "J1")
}

func TestTankDrainsAndClampsAtMinLevel(t *testing.T) {
	nw := load(t, `
[OPTIONS]
 UNITS LPS
[TIMES]
 DURATION 2 HOURS
 HYDRAULIC TIMESTEP 1 HOURS
[TANKS]
 T1 10 5 4.9 10 2 0
[JUNCTIONS]
 J1 0 10
[PIPES]
 P1 T1 J1 100 200 100
`)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 3, res.NSteps())

	h0, _ := res.Value(0, "T1", hengine.Head)
	assert.InDelta(t, 15., h0, 1e-9) // elev + initial level

	// 36 m³ leaves a 3.14 m² tank in the first hour: level clamps at min
	h1, _ := res.Value(1, "T1", hengine.Head)
	assert.InDelta(t, 14.9, h1, 1e-9)

	require.NotEmpty(t, res.Notes)
	assert.True(t, strings.Contains(res.Notes[0], "min level"))
}

func TestPatternScalesDemand(t *testing.T) {
	nw := load(t, `
[OPTIONS]
 UNITS LPS
[TIMES]
 DURATION 1 HOURS
 HYDRAULIC TIMESTEP 1 HOURS
 PATTERN TIMESTEP 1 HOURS
[PATTERNS]
 P1 1.0 0.5
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 10 P1
[PIPES]
 P1 R1 J1 1000 200 100
`)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 2, res.NSteps())

	q0, _ := res.Value(0, "P1", hengine.Flow)
	q1, _ := res.Value(1, "P1", hengine.Flow)
	assert.InDelta(t, 0.01, q0, 1e-6)
	assert.InDelta(t, 0.005, q1, 1e-6)
}

func TestTimeControlClosesLink(t *testing.T) {
	nw := load(t, loopNet + `
[TIMES]
 DURATION 1 HOURS
 HYDRAULIC TIMESTEP 1 HOURS
[CONTROLS]
 LINK P3 CLOSED AT TIME 1
`)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 2, res.NSteps())

	st, _ := res.Value(1, "P3", hengine.Flow)
	assert.Equal(t, 0., st)
	i := -1
	for k, id := range res.LinkIDs {
		if id == "P3" {
			i = k
		}
	}
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, hengine.Closed, res.Steps[1].Links[i].Status)
}

func TestOptionsFoldIntoSettings(t *testing.T) {
	nw := load(t, `
[OPTIONS]
 UNITS LPS
 HEADLOSS D-W
 ACCURACY 0.001
 TRIALS 77
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 10
[PIPES]
 P1 R1 J1 1000 200 0.25
`)
	set := SettingsFor(nw)
	assert.Equal(t, DarcyWeisbach, set.Law)
	assert.Equal(t, 0.001, set.Accuracy)
	assert.Equal(t, 77, set.MaxIter)

	// D-W nets solve too
	res, err := Solve(nw, set)
	require.NoError(t, err)
	q, _ := res.Value(0, "P1", hengine.Flow)
	assert.InDelta(t, 0.01, q, 1e-5)
}

func TestFitPumpCurve(t *testing.T) {
	// single point: EPANET shape rules give shutoff 4/3·h1, exponent 2
	pc, err := fitPumpCurve(&hengine.Curve{ID: "c", X: []float64{0.02}, Y: []float64{25.}})
	require.NoError(t, err)
	assert.InDelta(t, 100./3., pc.h0, 1e-9)
	assert.InDelta(t, 2., pc.n, 1e-9)
	assert.InDelta(t, 25., pc.headGain(0.02, 1.), 1e-9) // passes through the design point
	assert.InDelta(t, pc.h0, pc.headGain(0., 1.), 1e-9)

	pc3, err := fitPumpCurve(&hengine.Curve{ID: "c3",
		X: []float64{0., 0.02, 0.04}, Y: []float64{40., 30., 10.}})
	require.NoError(t, err)
	assert.InDelta(t, 30., pc3.headGain(0.02, 1.), 1e-9)
	assert.InDelta(t, 10., pc3.headGain(0.04, 1.), 1e-9)

	_, err = fitPumpCurve(&hengine.Curve{ID: "bad", X: []float64{0.01, 0.02}, Y: []float64{30., 20.}})
	require.Error(t, err) // 2-point curves unsupported
	_, err = fitPumpCurve(&hengine.Curve{ID: "rise", X: []float64{0., 0.02, 0.04}, Y: []float64{10., 20., 30.}})
	require.Error(t, err) // head must decline with flow
}

func TestValveAddsLoss(t *testing.T) {
	nw := load(t, `
[OPTIONS]
 UNITS LPS
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 0
 J2 0 10
[PIPES]
 P1 R1 J1 1000 200 100
[VALVES]
 V1 J1 J2 200 TCV 5.0
`)
	res, err := Solve(nw, DefaultSettings())
	require.NoError(t, err)
	h1, _ := res.Value(0, "J1", hengine.Head)
	h2, _ := res.Value(0, "J2", hengine.Head)
	assert.Greater(t, h1, h2) // the valve burns head in the flow direction
	q, _ := res.Value(0, "V1", hengine.Flow)
	assert.InDelta(t, 0.01, q, 1e-5)
}

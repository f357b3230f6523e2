package hengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternAt(t *testing.T) {
	p := Pattern{ID: "p", Mult: []float64{1.0, 1.2, 0.8}}
	assert.Equal(t, 1.0, p.At(0, 3600, 0))
	assert.Equal(t, 1.2, p.At(3600, 3600, 0))
	assert.Equal(t, 0.8, p.At(7200, 3600, 0))
	assert.Equal(t, 1.0, p.At(10800, 3600, 0)) // wraps
	assert.Equal(t, 1.2, p.At(0, 3600, 3600))  // start offset
	assert.Equal(t, 1.0, p.At(1800, 3600, 0))  // within-step hold

	empty := Pattern{ID: "e"}
	assert.Equal(t, 1.0, empty.At(7200, 3600, 0))
}

func TestCurveInterp(t *testing.T) {
	c := Curve{ID: "c", X: []float64{0., 2., 4.}, Y: []float64{10., 30., 40.}}
	assert.Equal(t, 10., c.Interp(-1.)) // clamped
	assert.Equal(t, 20., c.Interp(1.))
	assert.Equal(t, 35., c.Interp(3.))
	assert.Equal(t, 40., c.Interp(9.))

	assert.Equal(t, 1., c.InterpInv(20.))
	assert.Equal(t, 0., c.InterpInv(5.))
	assert.Equal(t, 4., c.InterpInv(99.))
}

func TestCloneIsolation(t *testing.T) {
	nw := &Network{
		Nodes:  []Node{{ID: "n1", Demand: 1.}},
		Links:  []Link{{ID: "l1", Roughness: 100.}},
		NodeXR: map[string]int{"n1": 0},
		LinkXR: map[string]int{"l1": 0},
	}
	cp := nw.Clone()
	cp.Nodes[0].Demand = 2.
	cp.Links[0].Roughness = 50.
	assert.Equal(t, 1., nw.Nodes[0].Demand)
	assert.Equal(t, 100., nw.Links[0].Roughness)
	assert.Equal(t, 0, cp.NodeXR["n1"]) // xr maps shared
}

func TestObservationsScore(t *testing.T) {
	nw := &Network{
		Nodes:  []Node{{ID: "n1"}},
		Links:  []Link{},
		NodeXR: map[string]int{"n1": 0},
		LinkXR: map[string]int{},
	}
	res := NewSimulationResult(nw)
	res.Steps = append(res.Steps, StepResult{Time: 0, Nodes: []NodeState{{Head: 42., Pressure: 40.}}})

	obs := Observations{
		{Location: "n1", Quantity: Pressure, Time: 0, Value: 50.},
		{Location: "n1", Quantity: Pressure, Time: 3600, Value: 50.}, // no matching step
		{Location: "gone", Quantity: Pressure, Time: 0, Value: 50.},  // no matching node
	}
	sse, n := obs.Score(res)
	assert.Equal(t, 1, n)
	assert.InDelta(t, (10./50.)*(10./50.), sse, 1e-12)

	// Tol sharpens the weight
	obs[0].Tol = 0.5
	sse, _ = obs.Score(res)
	assert.InDelta(t, (10./50./0.5)*(10./50./0.5), sse, 1e-12)

	o, s := obs.Series(res)
	require.Len(t, o, 1)
	assert.Equal(t, 50., o[0])
	assert.Equal(t, 40., s[0])
}

func TestLoadObservationsFormat(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "obs.dat")
	require.NoError(t, os.WriteFile(fp, []byte(`
; pressure observations
 J1 0:00 38.5
    1:00 37.9
 J2 0:00 41.2 ; trailing comment
`), 0644))

	obs, err := LoadObservations(fp, Pressure)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, "J1", obs[0].Location)
	assert.Equal(t, int64(0), obs[0].Time)
	assert.Equal(t, 38.5, obs[0].Value)
	assert.Equal(t, "J1", obs[1].Location) // continuation line
	assert.Equal(t, int64(3600), obs[1].Time)
	assert.Equal(t, "J2", obs[2].Location)
	assert.Equal(t, Pressure, obs[2].Quantity)
}

func TestMissingFixedHead(t *testing.T) {
	nw := &Network{
		Nodes: []Node{{ID: "r", Kind: Reservoir}, {ID: "j1"}, {ID: "j2"}},
		Links: []Link{
			{ID: "a", N1: 0, N2: 1},
			{ID: "b", N1: 1, N2: 2, Status: Closed},
		},
	}
	assert.Empty(t, nw.MissingFixedHead(false))
	assert.Equal(t, []string{"j2"}, nw.MissingFixedHead(true))
}

func TestQuantityParse(t *testing.T) {
	q, ok := ParseQuantity("pressure")
	require.True(t, ok)
	assert.Equal(t, Pressure, q)
	assert.True(t, q.Nodal())
	f, _ := ParseQuantity("flow")
	assert.False(t, f.Nodal())
	_, ok = ParseQuantity("wobble")
	assert.False(t, ok)
}

package calib

import (
	"testing"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/Giswater/giswater-hengine-app/inp"
	"github.com/Giswater/giswater-hengine-app/solve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calibNet = `
[OPTIONS]
 UNITS LPS
[RESERVOIRS]
 R1 50
[JUNCTIONS]
 J1 0 10
 J2 0 10
[PIPES]
 P1 R1 J1 1000 200 100
 P2 J1 J2 500 150 100
`

func loadNet(t *testing.T, text string) *hengine.Network {
	t.Helper()
	nw, err := inp.Load(text)
	require.NoError(t, err)
	return nw
}

// synthObs solves a truth network and returns its junction pressures as
// observations.
func synthObs(t *testing.T, truth *hengine.Network, set solve.Settings) hengine.Observations {
	t.Helper()
	res, err := solve.Solve(truth, set)
	require.NoError(t, err)
	var obs hengine.Observations
	for _, id := range []string{"J1", "J2"} {
		v, ok := res.Value(0, id, hengine.Pressure)
		require.True(t, ok)
		obs = append(obs, hengine.Observation{Location: id, Quantity: hengine.Pressure, Time: 0, Value: v})
	}
	return obs
}

func TestApplyTransformsParameters(t *testing.T) {
	nw := loadNet(t, calibNet)
	params := []Param{
		{Kind: Roughness, Lo: 50., Hi: 150.},
		{Kind: DemandMult, IDs: []string{"J1"}, Lo: 0.5, Hi: 1.5},
	}
	cp, err := Apply(nw, params, []float64{0.6, 0.5})
	require.NoError(t, err)

	for _, id := range []string{"P1", "P2"} {
		assert.InDelta(t, 110., cp.Links[cp.LinkXR[id]].Roughness, 1e-9)
	}
	assert.InDelta(t, 0.01, cp.Nodes[cp.NodeXR["J1"]].Demand, 1e-12) // ×1.0
	// input untouched
	assert.Equal(t, 100., nw.Links[nw.LinkXR["P1"]].Roughness)
}

func TestApplyUnknownTarget(t *testing.T) {
	nw := loadNet(t, calibNet)
	_, err := Apply(nw, []Param{{Kind: Roughness, IDs: []string{"NOPE"}, Lo: 50., Hi: 150.}}, []float64{0.5})
	require.Error(t, err)
}

func TestCalibrateRecoversRoughness(t *testing.T) {
	set := solve.DefaultSettings()
	base := loadNet(t, calibNet)

	truth, err := Apply(base, []Param{{Kind: Roughness, Lo: 50., Hi: 150.}}, []float64{0.6}) // C = 110
	require.NoError(t, err)
	obs := synthObs(t, truth, set)

	params := []Param{{Kind: Roughness, Lo: 50., Hi: 150.}}
	r, err := Calibrate(base, obs, params, set,
		Budget{MaxTrials: 600, Starts: 3, Patience: 150, Seed: 1}, nil, nil)
	require.NoError(t, err)

	assert.InDelta(t, 110., r.Values[0], 1.0)
	assert.Less(t, r.Score, 1e-4)
	assert.Greater(t, r.Trials, 0)
	require.NotNil(t, r.Network)
	assert.InDelta(t, r.Values[0], r.Network.Links[r.Network.LinkXR["P1"]].Roughness, 1e-9)
	assert.Greater(t, r.NSE, 0.99)
}

func TestCalibrateAllTrialsUnsolvable(t *testing.T) {
	// closed pipe isolates J2: every trial network is rejected before iterating
	nw := loadNet(t, calibNet+"[STATUS]\n P2 CLOSED\n")
	obs := hengine.Observations{{Location: "J1", Quantity: hengine.Pressure, Time: 0, Value: 40.}}

	_, err := Calibrate(nw, obs, []Param{{Kind: Roughness, Lo: 50., Hi: 150.}}, solve.DefaultSettings(),
		Budget{MaxTrials: 20, Starts: 2, Patience: 5, Seed: 1}, nil, nil)
	var cf *CalibrationFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, cf.Trials, cf.Failed)
	assert.Greater(t, cf.Failed, 0)
}

func TestCalibrateNoParams(t *testing.T) {
	nw := loadNet(t, calibNet)
	_, err := Calibrate(nw, nil, nil, solve.DefaultSettings(), Budget{}, nil, nil)
	require.Error(t, err)
}

func TestCoordinateSearchShrinks(t *testing.T) {
	cs := NewCoordinateSearch(2)
	u := []float64{0.5, 0.5}
	c := cs.Propose(u)
	assert.InDelta(t, 0.75, c[0], 1e-12)
	assert.Equal(t, 0.5, c[1])

	// a full sweep of rejections halves the step
	for i := 0; i < 4; i++ {
		cs.Accept(false)
	}
	c = cs.Propose(u)
	assert.InDelta(t, 0.625, c[0], 1e-12)
	assert.False(t, cs.Done())
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gosuri/uiprogress"
	"github.com/maseology/mmio"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	hengine "github.com/Giswater/giswater-hengine-app"
	"github.com/Giswater/giswater-hengine-app/calib"
	"github.com/Giswater/giswater-hengine-app/compare"
	"github.com/Giswater/giswater-hengine-app/inp"
	"github.com/Giswater/giswater-hengine-app/solve"
)

type config struct {
	Mode    string `yaml:"mode"` // solve, calibrate or compare
	Network string `yaml:"network"`
	OutDir  string `yaml:"out"`

	Settings struct {
		Headloss string  `yaml:"headloss"` // H-W or D-W, blank defers to the INP
		Accuracy float64 `yaml:"accuracy"`
		MassTol  float64 `yaml:"masstol"`
		MaxIter  int     `yaml:"maxiter"`
		Damping  float64 `yaml:"damping"`
	} `yaml:"settings"`

	Observations struct {
		File     string `yaml:"file"`
		Quantity string `yaml:"quantity"`
	} `yaml:"observations"`

	Calibration struct {
		SCE      bool  `yaml:"sce"`
		Trials   int   `yaml:"trials"`
		Starts   int   `yaml:"starts"`
		Patience int   `yaml:"patience"`
		Seed     int64 `yaml:"seed"`
		Params   []struct {
			Kind string   `yaml:"kind"` // roughness, demand-mult or valve-setting
			IDs  []string `yaml:"ids"`
			Lo   float64  `yaml:"lo"`
			Hi   float64  `yaml:"hi"`
			Log  bool     `yaml:"log"`
		} `yaml:"params"`
	} `yaml:"calibration"`

	Compare struct {
		Reference  string             `yaml:"reference"` // second INP to solve and diff against
		Thresholds map[string]float64 `yaml:"thresholds"`
	} `yaml:"compare"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hengine <config.yml>")
		os.Exit(1)
	}

	lg, _ := zap.NewDevelopment()
	defer lg.Sync()
	slg := lg.Sugar()

	var cfg config
	b, err := os.ReadFile(os.Args[1])
	if err != nil {
		slg.Fatalf("config: %v", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		slg.Fatalf("config %s: %v", os.Args[1], err)
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "./"
	}

	tt := mmio.NewTimer()
	defer tt.Lap("\nrun complete")

	nw, err := inp.LoadFile(cfg.Network)
	if err != nil {
		slg.Fatalf("load %s: %v", cfg.Network, err)
	}
	slg.Infof("loaded %s: %d nodes, %d links", cfg.Network, len(nw.Nodes), len(nw.Links))
	set := settings(nw, &cfg)

	switch strings.ToLower(cfg.Mode) {
	case "", "solve":
		runSolve(slg, nw, set, &cfg)
	case "calibrate":
		runCalibrate(slg, nw, set, &cfg)
	case "compare":
		runCompare(slg, nw, set, &cfg)
	default:
		slg.Fatalf("unknown mode %q", cfg.Mode)
	}
}

func settings(nw *hengine.Network, cfg *config) solve.Settings {
	set := solve.SettingsFor(nw)
	switch strings.ToUpper(cfg.Settings.Headloss) {
	case "H-W":
		set.Law = solve.HazenWilliams
	case "D-W":
		set.Law = solve.DarcyWeisbach
	}
	if cfg.Settings.Accuracy > 0 {
		set.Accuracy = cfg.Settings.Accuracy
	}
	if cfg.Settings.MassTol > 0 {
		set.MassTol = cfg.Settings.MassTol
	}
	if cfg.Settings.MaxIter > 0 {
		set.MaxIter = cfg.Settings.MaxIter
	}
	if cfg.Settings.Damping > 0 {
		set.Damping = cfg.Settings.Damping
	}
	return set
}

func runSolve(slg *zap.SugaredLogger, nw *hengine.Network, set solve.Settings, cfg *config) {
	res, err := solve.Solve(nw, set)
	if err != nil {
		slg.Fatalf("solve: %v", err)
	}
	for _, n := range res.Notes {
		slg.Warn(n)
	}
	writeResult(slg, cfg.OutDir, res)
	slg.Infof("solved %d step(s)", res.NSteps())
}

func runCalibrate(slg *zap.SugaredLogger, nw *hengine.Network, set solve.Settings, cfg *config) {
	q, ok := hengine.ParseQuantity(strings.ToLower(cfg.Observations.Quantity))
	if !ok {
		slg.Fatalf("unknown observation quantity %q", cfg.Observations.Quantity)
	}
	obs, err := hengine.LoadObservations(cfg.Observations.File, q)
	if err != nil {
		slg.Fatalf("observations: %v", err)
	}
	slg.Infof("calibrating to %d %s observation(s)", len(obs), q)

	params := make([]calib.Param, len(cfg.Calibration.Params))
	for i, p := range cfg.Calibration.Params {
		params[i] = calib.Param{IDs: p.IDs, Lo: p.Lo, Hi: p.Hi, Log: p.Log}
		switch strings.ToLower(p.Kind) {
		case "roughness":
			params[i].Kind = calib.Roughness
		case "demand-mult":
			params[i].Kind = calib.DemandMult
		case "valve-setting":
			params[i].Kind = calib.ValveSetting
		default:
			slg.Fatalf("unknown parameter kind %q", p.Kind)
		}
	}

	bud := calib.Budget{MaxTrials: cfg.Calibration.Trials, Starts: cfg.Calibration.Starts,
		Patience: cfg.Calibration.Patience, Seed: cfg.Calibration.Seed}

	var r *calib.Result
	if cfg.Calibration.SCE {
		r, err = calib.CalibrateSCE(nw, obs, params, set, bud.Seed, nil)
	} else {
		ntr := bud.MaxTrials
		if ntr <= 0 {
			ntr = 200 * len(params)
		}
		uiprogress.Start()
		bar := uiprogress.AddBar(ntr).AppendCompleted().PrependElapsed()
		r, err = calib.Calibrate(nw, obs, params, set, bud, nil, func(trial int, best float64) {
			bar.Incr()
		})
		uiprogress.Stop()
	}
	if err != nil {
		slg.Fatalf("calibrate: %v", err)
	}

	slg.Infof("best score %.6g (NSE %.4f) after %d trials, %d failed", r.Score, r.NSE, r.Trials, r.Failed)
	lns := []string{"kind,ids,value,u"}
	for k := range params {
		lns = append(lns, fmt.Sprintf("%s,%s,%g,%g", params[k].Kind, strings.Join(params[k].IDs, " "), r.Values[k], r.U[k]))
	}
	mmio.WriteLines(cfg.OutDir+"calibration.csv", lns)

	res, err := solve.Solve(r.Network, set)
	if err != nil {
		slg.Fatalf("solve calibrated network: %v", err)
	}
	writeResult(slg, cfg.OutDir, res)
}

func runCompare(slg *zap.SugaredLogger, nw *hengine.Network, set solve.Settings, cfg *config) {
	ref, err := inp.LoadFile(cfg.Compare.Reference)
	if err != nil {
		slg.Fatalf("load reference %s: %v", cfg.Compare.Reference, err)
	}
	ra, err := solve.Solve(ref, settings(ref, cfg))
	if err != nil {
		slg.Fatalf("solve reference: %v", err)
	}
	rb, err := solve.Solve(nw, set)
	if err != nil {
		slg.Fatalf("solve: %v", err)
	}

	th := compare.DefaultThresholds()
	for qs, lim := range cfg.Compare.Thresholds {
		q, ok := hengine.ParseQuantity(strings.ToLower(qs))
		if !ok {
			slg.Fatalf("unknown threshold quantity %q", qs)
		}
		th[q] = lim
	}

	rpt, err := compare.Compare(ra, rb, th)
	if err != nil {
		slg.Fatalf("compare: %v", err)
	}
	lns := []string{"entity,quantity,maxabs,maxrel,attime,rms,flagged"}
	for _, d := range rpt.Entities {
		lns = append(lns, fmt.Sprintf("%s,%s,%g,%g,%d,%g,%t", d.ID, d.Quantity, d.MaxAbs, d.MaxRel, d.AtTime, d.RMS, d.Flagged))
	}
	mmio.WriteLines(cfg.OutDir+"diff.csv", lns)
	for q, ag := range rpt.Stats {
		slg.Infof("%s: mean %.3g max %.3g rms %.3g", q, ag.Mean, ag.Max, ag.RMS)
	}
	if len(rpt.Flagged) > 0 {
		slg.Warnf("%d entity state(s) beyond threshold; see diff.csv", len(rpt.Flagged))
	}
}

func writeResult(slg *zap.SugaredLogger, dir string, res *hengine.SimulationResult) {
	hengine.WriteNodesCSV(dir+"nodes.csv", res)
	hengine.WriteLinksCSV(dir+"links.csv", res)
	hengine.WriteConvergenceCSV(dir+"convergence.csv", res)
	slg.Infof("results written to %s", dir)
}

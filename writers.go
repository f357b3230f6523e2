package hengine

import (
	"fmt"

	"github.com/maseology/mmio"
)

// WriteNodesCSV writes the nodal time series of res to fp.
func WriteNodesCSV(fp string, res *SimulationResult) {
	lns := make([]string, 0, len(res.Steps)*len(res.NodeIDs)+1)
	lns = append(lns, "time,node,head,pressure,demand,satisfied")
	for _, st := range res.Steps {
		for i, id := range res.NodeIDs {
			n := st.Nodes[i]
			lns = append(lns, fmt.Sprintf("%d,%s,%f,%f,%g,%t", st.Time, id, n.Head, n.Pressure, n.Demand, n.Satisfied))
		}
	}
	mmio.WriteLines(fp, lns)
}

// WriteLinksCSV writes the link time series of res to fp.
func WriteLinksCSV(fp string, res *SimulationResult) {
	lns := make([]string, 0, len(res.Steps)*len(res.LinkIDs)+1)
	lns = append(lns, "time,link,flow,velocity,headloss,status")
	for _, st := range res.Steps {
		for i, id := range res.LinkIDs {
			l := st.Links[i]
			lns = append(lns, fmt.Sprintf("%d,%s,%g,%f,%f,%s", st.Time, id, l.Flow, l.Velocity, l.HeadLoss, l.Status))
		}
	}
	mmio.WriteLines(fp, lns)
}

// WriteConvergenceCSV writes per-step solver metadata (iterations, residual).
func WriteConvergenceCSV(fp string, res *SimulationResult) {
	lns := make([]string, 0, len(res.Steps)+1)
	lns = append(lns, "time,iterations,residual")
	for _, st := range res.Steps {
		lns = append(lns, fmt.Sprintf("%d,%d,%e", st.Time, st.Iterations, st.Residual))
	}
	mmio.WriteLines(fp, lns)
}

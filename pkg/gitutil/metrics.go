package gitutil

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	MetricTreeReady   = 1
	MetricTreeUnready = 0
)

var metricTreeReady = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
	Namespace: "conductor",
	Subsystem: "git",
	Name:      "worktree_ready",
	Help:      "Status of the shared git working tree.",
}, []string{})

// RecordTreeStatus exports the work-tree readiness gauge.
func RecordTreeStatus(w *WorkTree) {
	status, _ := w.Status()
	if status == TreeReady {
		metricTreeReady.Set(MetricTreeReady)
		return
	}
	metricTreeReady.Set(MetricTreeUnready)
}

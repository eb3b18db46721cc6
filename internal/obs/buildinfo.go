package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tourwatch_build_info",
			Help: "Tourwatch dashboard build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers tourwatch_build_info once and sets it to 1 for
// the given version and commit.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}

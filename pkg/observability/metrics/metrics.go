package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	NodesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "go_replset",
		Name:      "nodes_total",
		Help:      "Current number of known members per replica set",
	}, []string{"set"})

	MasterIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "go_replset",
		Name:      "master_index",
		Help:      "Index of the believed primary per set (-1 when none)",
	}, []string{"set"})

	ChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replset",
		Name:      "checks_total",
		Help:      "Total handshake checks by outcome",
	}, []string{"set", "result"})

	NodePingMillis = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "go_replset",
		Name:      "node_ping_millis",
		Help:      "Round-trip time of the last handshake per member",
	}, []string{"set", "addr"})

	FailoversTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replset",
		Name:      "failovers_total",
		Help:      "Total primary failure notifications per set",
	}, []string{"set"})

	SlaveSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replset",
		Name:      "slave_selections_total",
		Help:      "Secondary selections by outcome (secondary, fallback_ok, default)",
	}, []string{"set", "result"})

	RouterRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_replset",
		Subsystem: "router",
		Name:      "retries_total",
		Help:      "Read-path retries by operation kind",
	}, []string{"kind"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(NodesTotal)
		prometheus.MustRegister(MasterIndex)
		prometheus.MustRegister(ChecksTotal)
		prometheus.MustRegister(NodePingMillis)
		prometheus.MustRegister(FailoversTotal)
		prometheus.MustRegister(SlaveSelections)
		prometheus.MustRegister(RouterRetries)
	})
}

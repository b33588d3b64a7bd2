package lb

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"l4lb/backends"
	"l4lb/flows"
)

const metricsNamespace = "l4lb"

// Metrics holds the counters the datapath updates and the registry they are
// exposed through.
type Metrics struct {
	Registry *prometheus.Registry

	verdicts         [numVerdicts]prometheus.Counter
	affinityFailures prometheus.Counter
	flowsExpired     prometheus.Counter
}

func NewMetrics(table *backends.Table, dir *flows.Directory) *Metrics {
	registry := prometheus.NewRegistry()

	packets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_total",
			Help:      "Frames processed, by verdict.",
		},
		[]string{"verdict"},
	)
	m := &Metrics{
		Registry: registry,
		affinityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flow_affinity_failures_total",
			Help:      "New flows forwarded without storing their backend assignment.",
		}),
		flowsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flows_expired_total",
			Help:      "Flow assignments removed by the idle flow cleaner.",
		}),
	}
	// Resolve the label values once, the datapath only does atomic adds.
	for v := Verdict(0); v < numVerdicts; v++ {
		m.verdicts[v] = packets.WithLabelValues(v.String())
	}

	registry.MustRegister(
		packets,
		m.affinityFailures,
		m.flowsExpired,
		&backendCollector{table: table},
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "flow_directory_entries",
			Help:      "Flows with a stored backend assignment.",
		}, func() float64 { return float64(dir.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "flow_directory_capacity",
			Help:      "Maximum number of stored flow assignments.",
		}, func() float64 { return float64(dir.Capacity()) }),
	)
	return m
}

func (m *Metrics) observe(v Verdict) {
	m.verdicts[v].Inc()
}

var (
	backendFlowsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "backend", "flows_total"),
		"Flows assigned to a backend.",
		[]string{"backend", "address"}, nil,
	)
	backendPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "backend", "packets_total"),
		"Packets forwarded to a backend.",
		[]string{"backend", "address"}, nil,
	)
)

// backendCollector exports the backend table counters at scrape time.
type backendCollector struct {
	table *backends.Table
}

func (c *backendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- backendFlowsDesc
	ch <- backendPacketsDesc
}

func (c *backendCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.table.Snapshot() {
		idx := strconv.Itoa(s.Index)
		addr := net.IP(s.Addr[:]).String()
		ch <- prometheus.MustNewConstMetric(backendFlowsDesc, prometheus.CounterValue, float64(s.NumFlows), idx, addr)
		ch <- prometheus.MustNewConstMetric(backendPacketsDesc, prometheus.CounterValue, float64(s.NumPackets), idx, addr)
	}
}

// StartMetricsServer serves m on addr/metrics until ctx is done.
func StartMetricsServer(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

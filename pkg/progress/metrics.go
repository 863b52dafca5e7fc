package progress

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "surrealnormalize"

// Metrics exports progress as Prometheus collectors.
type Metrics struct {
	records    *prometheus.CounterVec
	partitions *prometheus.CounterVec
	scanned    *prometheus.GaugeVec
	expected   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed, by outcome.",
		}, []string{"outcome"}),
		partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Partitions finished, by status.",
		}, []string{"status"}),
		scanned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_records_scanned",
			Help:      "Records scanned so far in each partition.",
		}, []string{"partition"}),
		expected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_expected",
			Help:      "Records the run is expected to scan.",
		}),
	}
	for _, c := range []prometheus.Collector{m.records, m.partitions, m.scanned, m.expected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Expected returns the gauge holding the expected record count.
func (m *Metrics) Expected() prometheus.Gauge {
	return m.expected
}

func (m *Metrics) observe(ev Event) {
	m.records.WithLabelValues("seen").Add(float64(ev.Seen))
	m.records.WithLabelValues("patched").Add(float64(ev.Patched))
	m.records.WithLabelValues("unchanged").Add(float64(ev.Unchanged))
	m.records.WithLabelValues("logged").Add(float64(ev.Logged))
	m.records.WithLabelValues("recovered").Add(float64(ev.Recovered))
	m.scanned.WithLabelValues(strconv.Itoa(ev.Partition)).Add(float64(ev.Seen))
	if ev.Done {
		status := "ok"
		if ev.Err != nil {
			status = "failed"
		}
		m.partitions.WithLabelValues(status).Inc()
	}
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64) + "%"
}

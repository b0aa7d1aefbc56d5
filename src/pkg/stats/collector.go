package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric is one exported value. Metrics with a non-empty Replica carry it
// as the "replica" label.
type Metric struct {
	Name    string
	Help    string
	Value   float64
	Counter bool
	Replica string
}

// Collector exports the metrics returned by snapshot on every scrape, so
// the hot path never touches prometheus.
type Collector struct {
	namespace string
	subsystem string
	snapshot  func() []Metric
}

var _ prometheus.Collector = &Collector{}

func NewCollector(namespace, subsystem string, snapshot func() []Metric) *Collector {
	return &Collector{
		namespace: namespace,
		subsystem: subsystem,
		snapshot:  snapshot,
	}
}

// Describe sends nothing: per-replica series come and go, which makes c an
// unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.snapshot() {
		var labels []string
		var values []string
		if m.Replica != "" {
			labels = []string{"replica"}
			values = []string{m.Replica}
		}

		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, c.subsystem, m.Name),
			m.Help,
			labels,
			nil,
		)

		kind := prometheus.GaugeValue
		if m.Counter {
			kind = prometheus.CounterValue
		}

		ch <- prometheus.MustNewConstMetric(desc, kind, m.Value, values...)
	}
}

// Register adds c to reg, tolerating a collector registered earlier.
func Register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}

	return nil
}

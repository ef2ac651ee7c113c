package metric

import "github.com/prometheus/client_golang/prometheus"

// AllocationSample is one tier budget at scrape time.
type AllocationSample struct {
	Tier      string
	Allocated int64
	Used      int64
}

// AllocationCollector reports tier budgets read on every scrape.
type AllocationCollector struct {
	source func() []AllocationSample

	allocated *prometheus.Desc
	used      *prometheus.Desc
}

// NewAllocationCollector creates a collector over source.
func NewAllocationCollector(source func() []AllocationSample) *AllocationCollector {
	return &AllocationCollector{
		source: source,
		allocated: prometheus.NewDesc(namespace+"_allocation_bytes",
			"Configured storage budget per tier.", []string{"tier"}, nil),
		used: prometheus.NewDesc(namespace+"_allocation_used_bytes",
			"Bytes used per tier.", []string{"tier"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *AllocationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocated
	ch <- c.used
}

// Collect implements prometheus.Collector.
func (c *AllocationCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.GaugeValue, float64(s.Allocated), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(s.Used), s.Tier)
	}
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	bandwidthDesc = prometheus.NewDesc(
		"proxy_bandwidth_bytes_total",
		"Total bytes relayed through the proxy.",
		nil, nil,
	)
	visitsDesc = prometheus.NewDesc(
		"proxy_site_visits_total",
		"Completed proxy sessions per origin host.",
		[]string{"host"}, nil,
	)
)

// Collector exposes an Aggregator to Prometheus. Values are read at scrape
// time so the aggregator stays the single source of truth.
type Collector struct {
	agg *Aggregator
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(agg *Aggregator) *Collector {
	return &Collector{agg: agg}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bandwidthDesc
	ch <- visitsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(bandwidthDesc, prometheus.CounterValue, float64(c.agg.BandwidthBytes()))
	for _, site := range c.agg.Sites() {
		ch <- prometheus.MustNewConstMetric(visitsDesc, prometheus.CounterValue, float64(site.Visits), site.URL)
	}
}

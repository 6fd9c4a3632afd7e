// Package metrics exports cache statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/assetcache"
)

// StatsSource is implemented by *assetcache.Cache for any value type.
type StatsSource interface {
	Stats() assetcache.Stats
}

// Collector reads Stats on every scrape and reports them as gauges and
// counters. Register one collector per cache, distinguished by name.
type Collector struct {
	source StatsSource

	bytes    *prometheus.Desc
	budget   *prometheus.Desc
	entries  *prometheus.Desc
	pinned   *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	decodes  *prometheus.Desc
	rejected *prometheus.Desc
	evicted  *prometheus.Desc
	errors   *prometheus.Desc
}

// Interface compliance.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for source labeled with cache=name.
func NewCollector(name string, source StatsSource) *Collector {
	constLabels := prometheus.Labels{"cache": name}
	desc := func(metric, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("assetcache", "", metric),
			help, labels, constLabels,
		)
	}
	return &Collector{
		source:   source,
		bytes:    desc("tier_cost", "Current total cost held by a tier (bytes for the encoded tier).", "tier"),
		budget:   desc("tier_budget", "Configured cost budget of a tier.", "tier"),
		entries:  desc("tier_entries", "Number of entries held by a tier.", "tier"),
		pinned:   desc("pinned_entries", "Number of pinned decoded values."),
		hits:     desc("hits_total", "Requests served from a tier.", "tier"),
		misses:   desc("misses_total", "Requests that opened the asset through the reader."),
		decodes:  desc("decodes_total", "Decoder invocations by path.", "path"),
		rejected: desc("rejections_total", "Tier insertions refused for exceeding capacity."),
		evicted:  desc("evictions_total", "Entries evicted under budget pressure."),
		errors:   desc("errors_total", "Failed requests by kind.", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.budget
	ch <- c.entries
	ch <- c.pinned
	ch <- c.hits
	ch <- c.misses
	ch <- c.decodes
	ch <- c.rejected
	ch <- c.evicted
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.bytes, float64(s.EncodedBytes), "encoded")
	gauge(c.bytes, float64(s.DecodedCost), "decoded")
	gauge(c.budget, float64(s.EncodedBudget), "encoded")
	gauge(c.budget, float64(s.DecodedBudget), "decoded")
	gauge(c.entries, float64(s.EncodedEntries), "encoded")
	gauge(c.entries, float64(s.DecodedEntries), "decoded")
	gauge(c.pinned, float64(s.PinnedEntries))

	counter(c.hits, s.EncodedHits, "encoded")
	counter(c.hits, s.DecodedHits, "decoded")
	counter(c.misses, s.Misses)
	counter(c.decodes, s.Decodes, "cache")
	counter(c.decodes, s.PassThroughDecodes, "passthrough")
	counter(c.rejected, s.Rejections)
	counter(c.evicted, s.Evictions)
	counter(c.errors, s.ReadErrors, "read")
	counter(c.errors, s.DecodeErrors, "decode")
}

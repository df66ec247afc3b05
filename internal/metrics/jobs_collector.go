package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// JobCounter reports how many jobs are in each state.
type JobCounter interface {
	JobCountsByState() map[string]int
}

type jobStatsCollector struct {
	source JobCounter
	jobs   *prometheus.Desc
}

// NewJobStatsCollector exposes the job counts of source as a gauge.
func NewJobStatsCollector(source JobCounter) prometheus.Collector {
	return &jobStatsCollector{
		source: source,
		jobs: prometheus.NewDesc(
			fmt.Sprintf("%s_jobs", namespace),
			"Number of jobs by state.",
			[]string{"state"},
			prometheus.Labels{},
		),
	}
}

func (c *jobStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
}

// Collect implements Collector.
func (c *jobStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.source.JobCountsByState() {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), state)
	}
}

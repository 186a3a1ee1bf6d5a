package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "critic"
	metricsSubsystem = "pipeline"
)

type pipelineMetrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

var (
	defaultPipelineMetricsOnce sync.Once
	defaultPipelineMetricsInst *pipelineMetrics
)

func getDefaultPipelineMetrics() *pipelineMetrics {
	defaultPipelineMetricsOnce.Do(func() {
		defaultPipelineMetricsInst = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultPipelineMetricsInst
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	m := &pipelineMetrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "jobs_total",
			Help:      "Total number of pipeline jobs executed.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "job_duration_seconds",
			Help:      "Pipeline job execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsTotal, m.jobDuration)
	}
	return m
}

func (m *pipelineMetrics) observe(jobKey, outcome string, elapsed time.Duration) {
	job := jobName(jobKey)
	m.jobsTotal.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job, outcome).Observe(elapsed.Seconds())
}

// jobName extracts the job name from a JSON-array job key, keeping the
// metric label cardinality bounded.
func jobName(key string) string {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(key), &parts); err != nil || len(parts) == 0 {
		return "unknown"
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return "unknown"
	}
	return name
}

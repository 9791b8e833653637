// Package metrics collects per-invocation production counters and pushes them to a
// Prometheus pushgateway when one is configured. Invocations are short lived, so
// nothing is scraped.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/sphenix-prod/slurp/internal/config"
)

const namespace = "slurp"

// ErrPushFailed is returned when the pushgateway rejects the metrics.
var ErrPushFailed = errors.New("metrics push failed")

// Config locates the pushgateway.
type Config struct {
	PushURL string
	Job     string
	Timeout time.Duration
}

// LoadConfig reads PUSHGATEWAY_URL, PUSHGATEWAY_JOB and PUSHGATEWAY_TIMEOUT.
func LoadConfig() *Config {
	return &Config{
		PushURL: config.GetEnvStr("PUSHGATEWAY_URL", ""),
		Job:     config.GetEnvStr("PUSHGATEWAY_JOB", namespace),
		Timeout: config.GetEnvDuration("PUSHGATEWAY_TIMEOUT", 10*time.Second),
	}
}

// Enabled reports whether a pushgateway is configured.
func (c *Config) Enabled() bool {
	return c.PushURL != ""
}

// Collector holds the invocation's metrics in its own registry.
type Collector struct {
	registry *prometheus.Registry

	matched        *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	submitted      *prometheus.CounterVec
	submitFailures *prometheus.CounterVec
	running        *prometheus.GaugeVec
	held           *prometheus.CounterVec
	removed        *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Candidates accepted by the matcher",
		}, []string{"rule"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Candidates skipped by the matcher",
		}, []string{"rule", "reason"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs handed to the scheduler",
		}, []string{"rule"}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_failures_total",
			Help:      "Submissions that were rolled back",
		}, []string{"rule"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Running jobs seen by the last reconcile",
		}, []string{"production"}),
		held: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_held_total",
			Help:      "Held jobs recorded by reconcile",
		}, []string{"production"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_removed_total",
			Help:      "Held jobs removed from the scheduler",
		}, []string{"production"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of slurp operations",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
	}

	c.registry.MustRegister(c.matched, c.skipped, c.submitted, c.submitFailures,
		c.running, c.held, c.removed, c.duration)

	return c
}

// Registry exposes the registry for pushing and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordMatch counts the outcome of matching one rule.
func (c *Collector) RecordMatch(rule string, matched int, skipped map[string]int) {
	c.matched.WithLabelValues(rule).Add(float64(matched))

	for reason, n := range skipped {
		c.skipped.WithLabelValues(rule, reason).Add(float64(n))
	}
}

// RecordSubmission counts submitted jobs, or one failure when err is set.
func (c *Collector) RecordSubmission(rule string, jobs int, err error) {
	if err != nil {
		c.submitFailures.WithLabelValues(rule).Inc()

		return
	}

	c.submitted.WithLabelValues(rule).Add(float64(jobs))
}

// RecordReconcile sets the running gauge and counts held and removed jobs.
func (c *Collector) RecordReconcile(production string, running, held, removed int) {
	c.running.WithLabelValues(production).Set(float64(running))
	c.held.WithLabelValues(production).Add(float64(held))
	c.removed.WithLabelValues(production).Add(float64(removed))
}

// ObserveDuration records how long operation took since start.
func (c *Collector) ObserveDuration(operation string, start time.Time) {
	c.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Push sends the registry to the pushgateway, grouped by instance.
func (c *Collector) Push(ctx context.Context, cfg *Config, instance string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	err := push.New(cfg.PushURL, cfg.Job).
		Gatherer(c.registry).
		Grouping("instance", instance).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPushFailed, cfg.PushURL, err)
	}

	return nil
}

// PushIfEnabled pushes when a pushgateway is configured and logs, rather than returns,
// failures: metrics never fail an invocation.
func (c *Collector) PushIfEnabled(ctx context.Context, cfg *Config, instance string, logger *slog.Logger) {
	if !cfg.Enabled() {
		return
	}

	if err := c.Push(ctx, cfg, instance); err != nil {
		logger.Warn("Failed to push metrics", slog.String("error", err.Error()))

		return
	}

	logger.Debug("Pushed metrics", slog.String("pushgateway", cfg.PushURL))
}

// Package prom adapts the StatsD-style metrics sink onto Prometheus collectors.
package prom

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/target/stockroom/internal/observability/statsd"
)

// Sink implements statsd.Sink by lazily registering one collector vector per
// metric name. The label set of a metric is fixed by its first emission;
// later emissions with different label names are dropped.
type Sink struct {
	namespace string
	reg       prometheus.Registerer
	logger    *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// Options configure a Sink.
type Options struct {
	Namespace  string
	Registerer prometheus.Registerer // defaults to prometheus.DefaultRegisterer
	Logger     *slog.Logger
}

// NewSink creates a Prometheus-backed sink.
func NewSink(opts Options) *Sink {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		namespace:  opts.Namespace,
		reg:        reg,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
}

// Count adds value to the counter name.
func (s *Sink) Count(name string, value int64, tags map[string]string) {
	metric := metricName(name) + "_total"
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.counters[metric]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Counter " + name,
		}, labelNames(tags))
		if !s.register(metric, vec, tags) {
			return
		}
		s.counters[metric] = vec
	}
	if c, err := vec.GetMetricWith(s.labelValues(metric, tags)); err == nil {
		c.Add(float64(value))
	} else {
		s.logger.Debug("prometheus counter rejected labels", "metric", metric, "error", err)
	}
}

// Gauge sets the gauge name to value.
func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	metric := metricName(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.gauges[metric]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Gauge " + name,
		}, labelNames(tags))
		if !s.register(metric, vec, tags) {
			return
		}
		s.gauges[metric] = vec
	}
	if g, err := vec.GetMetricWith(s.labelValues(metric, tags)); err == nil {
		g.Set(value)
	} else {
		s.logger.Debug("prometheus gauge rejected labels", "metric", metric, "error", err)
	}
}

// Timing observes value in seconds on the histogram name.
func (s *Sink) Timing(name string, value time.Duration, tags map[string]string) {
	metric := metricName(name) + "_seconds"
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.histograms[metric]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Timing " + name,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, labelNames(tags))
		if !s.register(metric, vec, tags) {
			return
		}
		s.histograms[metric] = vec
	}
	if h, err := vec.GetMetricWith(s.labelValues(metric, tags)); err == nil {
		h.Observe(value.Seconds())
	} else {
		s.logger.Debug("prometheus histogram rejected labels", "metric", metric, "error", err)
	}
}

func (s *Sink) register(metric string, c prometheus.Collector, tags map[string]string) bool {
	if err := s.reg.Register(c); err != nil {
		s.logger.Warn("prometheus register failed", "metric", metric, "error", err)
		return false
	}
	s.labels[metric] = labelNames(tags)
	return true
}

func (s *Sink) labelValues(metric string, tags map[string]string) prometheus.Labels {
	names := s.labels[metric]
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = tags[n]
	}
	if len(tags) != len(names) {
		// Force a label mismatch error for unexpected label sets.
		for k := range tags {
			if _, ok := out[k]; !ok {
				out[k] = tags[k]
			}
		}
	}
	return out
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func metricName(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return r.Replace(strings.TrimSpace(name))
}

var _ statsd.Sink = (*Sink)(nil)

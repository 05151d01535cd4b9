package config

import (
	"strings"
	"time"
)

// ObservabilityConfig groups configuration that controls metrics emission.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to StatsD and Prometheus.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"stockroom"`

	// Tags are added to every StatsD line, e.g. "env:prod,region:us".
	Tags          map[string]string `env:"OBSERVABILITY_METRICS_TAGS"`
	FlushInterval time.Duration     `env:"OBSERVABILITY_METRICS_FLUSH_INTERVAL" envDefault:"1s"`
	MaxPacketSize int               `env:"OBSERVABILITY_METRICS_MAX_PACKET"     envDefault:"1432"`

	// PrometheusAddr serves /metrics when set, independent of StatsD.
	PrometheusAddr string `env:"OBSERVABILITY_PROMETHEUS_ADDR" envDefault:""`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	c.PrometheusAddr = strings.TrimSpace(c.PrometheusAddr)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.FlushInterval < 0 {
		c.FlushInterval = 0
	}
	if c.MaxPacketSize < 0 {
		c.MaxPacketSize = 0
	}
}

// IsEnabled returns true when StatsD emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// IsPrometheusEnabled returns true when the Prometheus endpoint should be served.
func (c *ObservabilityMetricsConfig) IsPrometheusEnabled() bool {
	return c.PrometheusAddr != ""
}

package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/observability/metrics"
	"github.com/target/stockroom/internal/observability/prom"
	"github.com/target/stockroom/internal/observability/statsd"
)

const metricsNamespace = "stockroom"

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Sink fans out to every enabled backend. Nil when metrics are off.
	Sink          statsd.Sink
	StatsD        *statsd.Client
	Registry      *prometheus.Registry
	MetricsConfig config.ObservabilityMetricsConfig
}

// BuildObservability creates the configured metrics sinks. A StatsD dial
// failure is logged and leaves StatsD disabled.
func BuildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{MetricsConfig: cfg.Metrics}
	var sinks []statsd.Sink

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,

			GlobalTags:    cfg.Metrics.Tags,
			FlushInterval: cfg.Metrics.FlushInterval,
			MaxPacketSize: cfg.Metrics.MaxPacketSize,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.StatsD = client
			sinks = append(sinks, client)
		}
	}

	if cfg.Metrics.IsPrometheusEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		out.Registry = reg
		sinks = append(sinks, prom.NewSink(prom.Options{
			Namespace:  metricsNamespace,
			Registerer: reg,
			Logger:     obsLogger,
		}))
	}

	out.Sink = metrics.Fanout(sinks...)
	return out
}

// Close flushes buffered StatsD lines and releases the socket.
func (o ObservabilityContainer) Close() error {
	if o.StatsD == nil {
		return nil
	}
	return o.StatsD.Close()
}

// StartMetricsServer serves the Prometheus registry on addr at /metrics.
// It returns nil when no registry is configured.
func StartMetricsServer(logger *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	if reg == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}

// ShutdownMetricsServer gracefully shuts down the metrics server.
func ShutdownMetricsServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if logger != nil {
		logger.Info("metrics server stopped")
	}
	return nil
}

package metrics

import (
	"time"

	obserrors "github.com/target/stockroom/internal/observability/errors"
	"github.com/target/stockroom/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultSkipped  = "skipped"
	ResultDegraded = "degraded"
)

// ReconcileMetric captures one session reconciliation pass.
type ReconcileMetric struct {
	Pass     string
	Result   string
	State    string
	Duration time.Duration
	Err      error
}

// EmitReconcile emits standardised session reconciliation metrics.
func EmitReconcile(sink statsd.Sink, in ReconcileMetric) {
	if sink == nil {
		return
	}

	// Label sets stay fixed per metric name so label-strict sinks accept them.
	tags := map[string]string{
		"pass":        in.Pass,
		"result":      in.Result,
		"state":       in.State,
		"error_class": "",
	}
	if in.Err != nil && in.Result == ResultError {
		tags["error_class"] = obserrors.Classify(in.Err)
	}

	sink.Count("session.reconcile", 1, tags)

	if in.Duration > 0 {
		sink.Timing("session.reconcile.duration", in.Duration, CloneTags(tags))
	}
}

// ChannelMetric captures a channel subscription state transition.
type ChannelMetric struct {
	Topic   string
	From    string
	To      string
	Attempt int
	Delay   time.Duration
}

// EmitChannelTransition emits channel lifecycle metrics.
func EmitChannelTransition(sink statsd.Sink, in ChannelMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"topic": in.Topic,
		"from":  in.From,
		"to":    in.To,
	}
	sink.Count("realtime.channel.transition", 1, tags)
	sink.Gauge("realtime.channel.attempt", float64(in.Attempt), map[string]string{"topic": in.Topic})
	if in.Delay > 0 {
		sink.Timing("realtime.channel.retry_delay", in.Delay, map[string]string{"topic": in.Topic})
	}
}

// EmitChangeDelivered counts a change event handed to a subscriber.
func EmitChangeDelivered(sink statsd.Sink, topic, kind string) {
	if sink == nil {
		return
	}
	sink.Count("realtime.change.delivered", 1, map[string]string{"topic": topic, "kind": kind})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k != "" {
			out[k] = v
		}
	}
	return out
}

type fanout []statsd.Sink

func (f fanout) Count(name string, value int64, tags map[string]string) {
	for _, s := range f {
		s.Count(name, value, CloneTags(tags))
	}
}

func (f fanout) Gauge(name string, value float64, tags map[string]string) {
	for _, s := range f {
		s.Gauge(name, value, CloneTags(tags))
	}
}

func (f fanout) Timing(name string, value time.Duration, tags map[string]string) {
	for _, s := range f {
		s.Timing(name, value, CloneTags(tags))
	}
}

// Fanout returns a sink that forwards every metric to each non-nil sink.
// It returns nil when no sinks remain and the single sink when only one does.
//
//nolint:ireturn // callers only need the Sink behavior.
func Fanout(sinks ...statsd.Sink) statsd.Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// Package realtime contains domain types for push change subscriptions.
package realtime

import "time"

// ChannelState is the lifecycle state of a single channel subscription.
type ChannelState string

const (
	StateConnecting ChannelState = "connecting"
	StateSubscribed ChannelState = "subscribed"
	StateError      ChannelState = "error"
	StateTimedOut   ChannelState = "timed_out"
	StateClosed     ChannelState = "closed"
	// StateFailed is terminal until the subscription is re-enabled.
	StateFailed ChannelState = "failed"
	// StateDisabled is the inert state after dispose or disable.
	StateDisabled ChannelState = "disabled"
)

// Retryable reports whether the state should trigger a reconnect.
func (s ChannelState) Retryable() bool {
	return s == StateError || s == StateTimedOut || s == StateClosed
}

// SubscribeStatus is what a transport reports for a subscribe attempt.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// ChannelState maps a transport status onto the channel lifecycle.
func (s SubscribeStatus) ChannelState() ChannelState {
	switch s {
	case StatusSubscribed:
		return StateSubscribed
	case StatusTimedOut:
		return StateTimedOut
	case StatusClosed:
		return StateClosed
	default:
		return StateError
	}
}

// ChangeKind is the row operation carried by a change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
	ChangeAll    ChangeKind = "*"
)

// ChangeFilter scopes a subscription to one table and optionally one
// operation. Filter is an optional JMESPath predicate evaluated against the
// event record (New, or Old for deletes).
type ChangeFilter struct {
	Event  ChangeKind `json:"event"`
	Schema string     `json:"schema"`
	Table  string     `json:"table"`
	Filter string     `json:"filter,omitempty"`
}

// ChangeEvent is a single row change pushed by a transport.
type ChangeEvent struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Kind       ChangeKind     `json:"type"`
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	New        map[string]any `json:"record,omitempty"`
	Old        map[string]any `json:"old_record,omitempty"`
	CommitTime time.Time      `json:"commit_timestamp"`
}

// Record returns the row the event is about.
func (e ChangeEvent) Record() map[string]any {
	if e.Kind == ChangeDelete {
		return e.Old
	}
	return e.New
}

// SubscriptionStatus is the read-only view of a subscription for the UI layer.
type SubscriptionStatus struct {
	Topic        string
	State        ChannelState
	IsSubscribed bool
	Attempt      int
	Error        error
}

// Targets reports whether ev is about the filter's table and operation.
// Empty schema or table on the event are treated as matching, since some
// transports route by table and omit them from the payload.
func (f ChangeFilter) Targets(ev ChangeEvent) bool {
	if ev.Table != "" && ev.Table != f.Table {
		return false
	}
	if ev.Schema != "" && f.Schema != "" && ev.Schema != f.Schema {
		return false
	}
	return f.Event == "" || f.Event == ChangeAll || ev.Kind == f.Event
}

// Relation returns the qualified table name, e.g. "public.profiles".
func (f ChangeFilter) Relation() string {
	schema := f.Schema
	if schema == "" {
		schema = "public"
	}
	return schema + "." + f.Table
}

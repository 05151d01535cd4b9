package ports

import (
	"context"

	"github.com/target/stockroom/internal/domain/realtime"
)

// RealtimeClient opens push-subscription channels against the row store.
type RealtimeClient interface {
	// Channel creates an unsubscribed channel handle with a unique name.
	Channel(name string) RealtimeChannel

	// RemoveChannel tears down a channel. It must be safe to call more than
	// once for the same handle.
	RemoveChannel(ctx context.Context, ch RealtimeChannel) error
}

// RealtimeChannel is a single push connection.
type RealtimeChannel interface {
	Name() string

	// On registers handler for changes matching filter. Must be called
	// before Subscribe.
	On(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent))

	// Subscribe starts the connection. status is called from the transport's
	// goroutine each time the connection changes state; err carries detail for
	// non-SUBSCRIBED statuses and may be nil.
	Subscribe(ctx context.Context, status func(realtime.SubscribeStatus, error))
}

package authevents

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	domainauth "github.com/target/stockroom/internal/domain/auth"
)

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var got []domainauth.AuthEventKind
	h.Listen(func(ev domainauth.AuthEvent) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	})

	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn})
	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed})
	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	h.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{
		domainauth.EventSignedIn,
		domainauth.EventTokenRefreshed,
		domainauth.EventSignedOut,
	}, got)
}

func TestHub_UnlistenStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	calls := 0
	unlisten := h.Listen(func(domainauth.AuthEvent) { calls++ })
	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn})
	h.Flush()
	unlisten()
	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	h.Flush()

	assert.Equal(t, 1, calls)
}

func TestHub_ListenerMayEmit(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var kinds []domainauth.AuthEventKind
	h.Listen(func(ev domainauth.AuthEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		if ev.Kind == domainauth.EventSignedIn {
			h.Emit(domainauth.AuthEvent{Kind: domainauth.EventUserUpdated})
		}
	})

	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn})
	h.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{domainauth.EventSignedIn, domainauth.EventUserUpdated}, kinds)
}

func TestHub_EmitAfterCloseDropped(t *testing.T) {
	h := NewHub()
	calls := 0
	h.Listen(func(domainauth.AuthEvent) { calls++ })
	h.Close()
	h.Close()

	h.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn})
	h.Flush()
	assert.Zero(t, calls)
}

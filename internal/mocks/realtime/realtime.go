// Package realtime contains hand-written test doubles for the realtime ports.
package realtime

import (
	"context"
	"sync"

	domainrt "github.com/target/stockroom/internal/domain/realtime"
	"github.com/target/stockroom/internal/ports"
)

var (
	_ ports.RealtimeClient  = (*FakeClient)(nil)
	_ ports.RealtimeChannel = (*FakeChannel)(nil)
)

// FakeClient records every channel it hands out. Tests drive the channels
// through Report and Push.
type FakeClient struct {
	// RemoveErr is returned by RemoveChannel when set.
	RemoveErr error

	mu       sync.Mutex
	channels []*FakeChannel
}

// NewFakeClient creates an empty FakeClient.
func NewFakeClient() *FakeClient { return &FakeClient{} }

func (c *FakeClient) Channel(name string) ports.RealtimeChannel {
	ch := &FakeChannel{name: name}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch
}

func (c *FakeClient) RemoveChannel(_ context.Context, ch ports.RealtimeChannel) error {
	if fc, ok := ch.(*FakeChannel); ok {
		fc.mu.Lock()
		fc.removals++
		fc.mu.Unlock()
	}
	return c.RemoveErr
}

// Channels returns every channel created so far, oldest first.
func (c *FakeClient) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeChannel(nil), c.channels...)
}

// Last returns the newest channel, or nil.
func (c *FakeClient) Last() *FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// FakeChannel is a channel whose status and events are driven by the test.
type FakeChannel struct {
	name string

	mu         sync.Mutex
	filter     domainrt.ChangeFilter
	handler    func(domainrt.ChangeEvent)
	status     func(domainrt.SubscribeStatus, error)
	subscribed bool
	removals   int
}

func (c *FakeChannel) Name() string { return c.name }

func (c *FakeChannel) On(filter domainrt.ChangeFilter, handler func(domainrt.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
	c.handler = handler
}

func (c *FakeChannel) Subscribe(_ context.Context, status func(domainrt.SubscribeStatus, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.subscribed = true
}

// Filter returns the filter registered through On.
func (c *FakeChannel) Filter() domainrt.ChangeFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Subscribed reports whether Subscribe was called.
func (c *FakeChannel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Removals returns how many times the client removed this channel.
func (c *FakeChannel) Removals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removals
}

// Report sends a subscribe status to the registered callback.
func (c *FakeChannel) Report(status domainrt.SubscribeStatus, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// Push delivers ev to the registered handler.
func (c *FakeChannel) Push(ev domainrt.ChangeEvent) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

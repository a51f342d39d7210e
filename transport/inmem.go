package transport

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryFabric is a reference Channel provider: goroutine-free, backed by
// one buffered queue per registered DID, preserving FIFO delivery order.
// It stands in for a real pairwise/routing-hub transport collaborator in
// tests and the demo CLI, in the spirit of node/p2p's peer-queue plumbing
// retargeted from a binary TCP wire format to an in-process JSON message
// fabric.
type InMemoryFabric struct {
	mu      sync.Mutex
	inboxes map[string]chan Inbound
}

// NewInMemoryFabric builds an empty fabric. Peers must Register before they
// can receive.
func NewInMemoryFabric() *InMemoryFabric {
	return &InMemoryFabric{inboxes: make(map[string]chan Inbound)}
}

// Register creates (or returns the existing) inbox for did and returns its
// receive end.
func (f *InMemoryFabric) Register(did string) <-chan Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.inboxes[did]
	if !ok {
		ch = make(chan Inbound, 256)
		f.inboxes[did] = ch
	}
	return ch
}

// ChannelFor returns a Channel that sends as fromDID.
func (f *InMemoryFabric) ChannelFor(fromDID string) Channel {
	return &boundChannel{fabric: f, from: fromDID}
}

func (f *InMemoryFabric) deliver(to string, in Inbound) error {
	f.mu.Lock()
	ch, ok := f.inboxes[to]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: %q is not registered on this fabric", to)
	}
	ch <- in
	return nil
}

type boundChannel struct {
	fabric *InMemoryFabric
	from   string
}

func (c *boundChannel) Send(ctx context.Context, to string, thid string, msgType string, body []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.fabric.deliver(to, Inbound{From: c.from, Thid: thid, MsgType: msgType, Body: body})
}

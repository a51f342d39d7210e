// Package transport defines the external per-thread-id reliable ordered
// peer-to-peer channel, consumed by the consensus state machines, plus an
// in-process reference implementation used by tests and the demo CLI.
package transport

import "context"

// Inbound is one message delivered to a peer: the sender DID, the thread id
// it belongs to, the message's @type, and its raw JSON body.
type Inbound struct {
	From    string
	Thid    string
	MsgType string
	Body    []byte
}

// Channel sends one message to a peer DID on behalf of whichever DID the
// Channel is bound to. Delivery is ordered and reliable per (peer, thid);
// across different thids no ordering is assumed.
type Channel interface {
	Send(ctx context.Context, to string, thid string, msgType string, body []byte) error
}

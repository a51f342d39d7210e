package transport

import (
	"context"
	"testing"
)

func TestInMemoryFabricDeliversInOrder(t *testing.T) {
	f := NewInMemoryFabric()
	inbox := f.Register("did:example:b")
	ch := f.ChannelFor("did:example:a")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		body := []byte{byte(i)}
		if err := ch.Send(ctx, "did:example:b", "thid-1", "msg", body); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		msg := <-inbox
		if msg.From != "did:example:a" || msg.Body[0] != byte(i) {
			t.Fatalf("got %+v at position %d", msg, i)
		}
	}
}

func TestSendToUnregisteredPeerErrors(t *testing.T) {
	f := NewInMemoryFabric()
	ch := f.ChannelFor("did:example:a")
	if err := ch.Send(context.Background(), "did:example:ghost", "thid-1", "msg", nil); err == nil {
		t.Fatal("expected an error sending to an unregistered peer")
	}
}

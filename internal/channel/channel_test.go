package channel

import (
	"net"
	"testing"

	"github.com/adred-codev/resolver/internal/wire"
)

func TestHelloThenBatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientFramer := NewFramer(client)
	serverFramer := NewFramer(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hello := wire.ClientHello{Kind: wire.HelloReadOnly, Read: wire.ClientAuthRead{Kind: wire.AuthAnonymous}}
		if err := clientFramer.SendOne(hello); err != nil {
			t.Errorf("client SendOne: %v", err)
			return
		}
		ch := NewChannel[wire.ToRead, wire.FromRead](clientFramer, wire.DecodeFromRead)
		var got []wire.FromRead
		got, err := ch.ReceiveBatch(got)
		if err != nil {
			t.Errorf("client ReceiveBatch: %v", err)
			return
		}
		if len(got) != 2 {
			t.Errorf("got %d replies, want 2", len(got))
		}
	}()

	raw, err := serverFramer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeClientHello(r) })
	if err != nil {
		t.Fatalf("server ReceiveOne: %v", err)
	}
	hello, ok := raw.(wire.ClientHello)
	if !ok || hello.Kind != wire.HelloReadOnly {
		t.Fatalf("unexpected hello: %+v", raw)
	}

	sch := NewChannel[wire.FromRead, wire.ToRead](serverFramer, wire.DecodeToRead)
	sch.QueueSend(wire.FromRead{Kind: wire.FromReadDenied})
	sch.QueueSend(wire.FromRead{Kind: wire.FromReadListResult, Paths: []string{"/a"}})
	if err := sch.Flush(); err != nil {
		t.Fatalf("server Flush: %v", err)
	}
	<-done
}

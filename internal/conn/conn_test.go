package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resolver/internal/channel"
	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/sharded"
	"github.com/adred-codev/resolver/internal/wire"
)

func mustPath(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.New(s)
	if err != nil {
		t.Fatalf("path.New(%q): %v", s, err)
	}
	return p
}

func testCfg() Config {
	return Config{HelloTimeout: 2 * time.Second, ReaderTTL: 2 * time.Second, ResolverID: 7}
}

func TestReadOnlyAnonymousResolve(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	router := sharded.New(4, nil, nil)
	defer router.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := wire.Address{Port: 1}
	if err := router.Publish(ctx, mustPath(t, "/foo/bar"), addr, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Handle(ctx, serverConn, router, nil, NewSessionRegistry(), testCfg(), zerolog.Nop()) }()

	clientFramer := channel.NewFramer(clientConn)
	if err := clientFramer.SendOne(wire.ClientHello{Kind: wire.HelloReadOnly, Read: wire.ClientAuthRead{Kind: wire.AuthAnonymous}}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	raw, err := clientFramer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeServerHelloRead(r) })
	if err != nil {
		t.Fatalf("receive hello reply: %v", err)
	}
	if hr := raw.(wire.ServerHelloRead); hr.Kind != wire.ServerReadAnonymous {
		t.Fatalf("unexpected hello reply: %+v", hr)
	}

	cch := channel.NewChannel[wire.ToRead, wire.FromRead](clientFramer, wire.DecodeFromRead)
	cch.QueueSend(wire.ToRead{Kind: wire.ToReadResolve, Path: "/foo/bar"})
	if err := cch.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := cch.ReceiveBatch(nil)
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if len(got) != 1 || got[0].Kind != wire.FromReadResolved || len(got[0].Entries) != 1 {
		t.Fatalf("unexpected resolve reply: %+v", got)
	}
	if got[0].Entries[0].Addr.Port != 1 {
		t.Fatalf("unexpected resolved address: %+v", got[0].Entries[0])
	}

	clientConn.Close()
	cancel()
	<-done
}

func TestWriteOnlyPublishAndClear(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	router := sharded.New(4, nil, nil)
	defer router.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Handle(ctx, serverConn, router, nil, NewSessionRegistry(), testCfg(), zerolog.Nop()) }()

	clientFramer := channel.NewFramer(clientConn)
	writeAddr := wire.Address{Port: 42}
	helloMsg := wire.ClientHello{
		Kind: wire.HelloWriteOnly,
		Write: wire.ClientHelloWrite{
			WriteAddr: writeAddr,
			Auth:      wire.ClientAuthWrite{Kind: wire.WriteAuthAnonymous},
			TTLSecs:   30,
		},
	}
	if err := clientFramer.SendOne(helloMsg); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	raw, err := clientFramer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeServerHelloWrite(r) })
	if err != nil {
		t.Fatalf("receive hello reply: %v", err)
	}
	hr := raw.(wire.ServerHelloWrite)
	if !hr.TTLExpired {
		t.Fatalf("expected ttl_expired=true for a fresh publisher, got %+v", hr)
	}

	cch := channel.NewChannel[wire.ToWrite, wire.FromWrite](clientFramer, wire.DecodeFromWrite)
	cch.QueueSend(wire.ToWrite{Kind: wire.ToWritePublish, Path: "/svc/a"})
	cch.QueueSend(wire.ToWrite{Kind: wire.ToWritePublish, Path: "/svc/b"})
	if err := cch.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := cch.ReceiveBatch(nil)
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if len(got) != 2 || got[0].Kind != wire.FromWritePublished || got[1].Kind != wire.FromWritePublished {
		t.Fatalf("unexpected publish replies: %+v", got)
	}

	paths, err := router.PublishedForAddr(ctx, writeAddr)
	if err != nil || len(paths) != 2 {
		t.Fatalf("expected 2 published paths, got %+v err=%v", paths, err)
	}

	cch.QueueSend(wire.ToWrite{Kind: wire.ToWriteClear})
	if err := cch.Flush(); err != nil {
		t.Fatalf("flush clear: %v", err)
	}
	got, err = cch.ReceiveBatch(nil)
	if err != nil {
		t.Fatalf("receive clear reply: %v", err)
	}
	if len(got) != 1 || got[0].Kind != wire.FromWriteUnpublished {
		t.Fatalf("expected single Unpublished after Clear, got %+v", got)
	}

	paths, err = router.PublishedForAddr(ctx, writeAddr)
	if err != nil || len(paths) != 0 {
		t.Fatalf("expected 0 published paths after clear, got %+v err=%v", paths, err)
	}

	clientConn.Close()
	cancel()
	<-done
}

func TestWriteOnlyInvalidTTLTerminates(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	router := sharded.New(2, nil, nil)
	defer router.Shutdown()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Handle(ctx, serverConn, router, nil, NewSessionRegistry(), testCfg(), zerolog.Nop()) }()

	clientFramer := channel.NewFramer(clientConn)
	helloMsg := wire.ClientHello{
		Kind: wire.HelloWriteOnly,
		Write: wire.ClientHelloWrite{
			WriteAddr: wire.Address{Port: 1},
			Auth:      wire.ClientAuthWrite{Kind: wire.WriteAuthAnonymous},
			TTLSecs:   0,
		},
	}
	if err := clientFramer.SendOne(helloMsg); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	clientConn.Close()
	err := <-done
	if err == nil {
		t.Fatal("expected error for invalid ttl")
	}
}

// TestWriterTTLExpiryPurgesPublishedPaths covers spec.md §8 scenario 4: a
// publisher with a 1s TTL that goes silent has its published paths purged
// once the TTL timer fires, without needing an explicit Clear or Unpublish.
func TestWriterTTLExpiryPurgesPublishedPaths(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	router := sharded.New(4, nil, nil)
	defer router.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{HelloTimeout: 2 * time.Second, ReaderTTL: 2 * time.Second, ResolverID: 7}
	done := make(chan error, 1)
	go func() { done <- Handle(ctx, serverConn, router, nil, NewSessionRegistry(), cfg, zerolog.Nop()) }()

	clientFramer := channel.NewFramer(clientConn)
	writeAddr := wire.Address{Port: 99}
	helloMsg := wire.ClientHello{
		Kind: wire.HelloWriteOnly,
		Write: wire.ClientHelloWrite{
			WriteAddr: writeAddr,
			Auth:      wire.ClientAuthWrite{Kind: wire.WriteAuthAnonymous},
			TTLSecs:   1,
		},
	}
	if err := clientFramer.SendOne(helloMsg); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	if _, err := clientFramer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeServerHelloWrite(r) }); err != nil {
		t.Fatalf("receive hello reply: %v", err)
	}

	cch := channel.NewChannel[wire.ToWrite, wire.FromWrite](clientFramer, wire.DecodeFromWrite)
	cch.QueueSend(wire.ToWrite{Kind: wire.ToWritePublish, Path: "/y"})
	if err := cch.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got, err := cch.ReceiveBatch(nil); err != nil || len(got) != 1 || got[0].Kind != wire.FromWritePublished {
		t.Fatalf("unexpected publish reply: %+v err=%v", got, err)
	}

	if entries, err := router.Resolve(ctx, mustPath(t, "/y")); err != nil || len(entries) != 1 {
		t.Fatalf("expected /y resolvable before TTL expiry, got %+v err=%v", entries, err)
	}

	// Disconnect without Clear/Unpublish; the connection goroutine's TTL
	// timer (not the client) is what purges /y.
	clientConn.Close()
	<-done

	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := router.Resolve(ctx, mustPath(t, "/y"))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(entries) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected /y purged by ttl expiry, still resolves to %+v", entries)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestReadOnlyBatchOrderingPreserved covers spec.md §8 scenario 6: replies
// to a multi-item batch come back in request order regardless of which
// shards served which item.
func TestReadOnlyBatchOrderingPreserved(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	router := sharded.New(4, nil, nil)
	defer router.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrA := wire.Address{Port: 1}
	addrB := wire.Address{Port: 2}
	if err := router.Publish(ctx, mustPath(t, "/a"), addrA, false); err != nil {
		t.Fatalf("publish /a: %v", err)
	}
	if err := router.Publish(ctx, mustPath(t, "/b"), addrB, false); err != nil {
		t.Fatalf("publish /b: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Handle(ctx, serverConn, router, nil, NewSessionRegistry(), testCfg(), zerolog.Nop()) }()

	clientFramer := channel.NewFramer(clientConn)
	if err := clientFramer.SendOne(wire.ClientHello{Kind: wire.HelloReadOnly, Read: wire.ClientAuthRead{Kind: wire.AuthAnonymous}}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	if _, err := clientFramer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeServerHelloRead(r) }); err != nil {
		t.Fatalf("receive hello reply: %v", err)
	}

	cch := channel.NewChannel[wire.ToRead, wire.FromRead](clientFramer, wire.DecodeFromRead)
	cch.QueueSend(wire.ToRead{Kind: wire.ToReadResolve, Path: "/a"})
	cch.QueueSend(wire.ToRead{Kind: wire.ToReadList, Path: "/"})
	cch.QueueSend(wire.ToRead{Kind: wire.ToReadResolve, Path: "/b"})
	if err := cch.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := cch.ReceiveBatch(nil)
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 replies, got %d: %+v", len(got), got)
	}
	if got[0].Kind != wire.FromReadResolved || len(got[0].Entries) != 1 || got[0].Entries[0].Addr.Port != 1 {
		t.Fatalf("reply[0] should resolve /a to port 1, got %+v", got[0])
	}
	if got[1].Kind != wire.FromReadListResult {
		t.Fatalf("reply[1] should be the List(/) result, got %+v", got[1])
	}
	if got[2].Kind != wire.FromReadResolved || len(got[2].Entries) != 1 || got[2].Entries[0].Addr.Port != 2 {
		t.Fatalf("reply[2] should resolve /b to port 2, got %+v", got[2])
	}

	clientConn.Close()
	cancel()
	<-done
}

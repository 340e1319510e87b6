package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resolver/internal/channel"
	"github.com/adred-codev/resolver/internal/conn"
	"github.com/adred-codev/resolver/internal/sharded"
	"github.com/adred-codev/resolver/internal/wire"
)

func testConnCfg() conn.Config {
	return conn.Config{HelloTimeout: 2 * time.Second, ReaderTTL: 2 * time.Second, ResolverID: 1}
}

func TestServerAcceptsAndHandshakes(t *testing.T) {
	router := sharded.New(2, nil, nil)
	defer router.Shutdown()

	s := New(Config{Addr: "127.0.0.1:0", MaxConnections: 4}, testConnCfg(), router, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := sendHello(c); err != nil {
		t.Fatalf("hello: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ActiveConnections() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 1 active connection, got %d", s.ActiveConnections())
}

func TestServerDropsBeyondMaxConnections(t *testing.T) {
	router := sharded.New(2, nil, nil)
	defer router.Shutdown()

	s := New(Config{Addr: "127.0.0.1:0", MaxConnections: 1}, testConnCfg(), router, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()

	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if err := sendHello(first); err != nil {
		t.Fatalf("hello first: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.ActiveConnections() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ActiveConnections() != 1 {
		t.Fatalf("expected first connection active, got %d", s.ActiveConnections())
	}

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, readErr := second.Read(buf)
	if readErr == nil {
		t.Fatal("expected the second connection (over max_connections) to be dropped immediately")
	}
}

func sendHello(c net.Conn) error {
	framer := channel.NewFramer(c)
	return framer.SendOne(wire.ClientHello{Kind: wire.HelloReadOnly, Read: wire.ClientAuthRead{Kind: wire.AuthAnonymous}})
}

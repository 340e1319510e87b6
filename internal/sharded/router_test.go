package sharded

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/store"
	"github.com/adred-codev/resolver/internal/wire"
)

func addr(t *testing.T, s string, port uint16) wire.Address {
	t.Helper()
	ip, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	return wire.Address{IP: ip, Port: port}
}

func mustPath(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.New(s)
	if err != nil {
		t.Fatalf("path.New(%q): %v", s, err)
	}
	return p
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRouterPublishResolveAcrossShards(t *testing.T) {
	r := New(8, nil, nil)
	defer r.Shutdown()
	ctx := withTimeout(t)

	a1 := addr(t, "10.0.0.1", 1)
	for i := 0; i < 50; i++ {
		p := mustPath(t, "/svc/node"+string(rune('a'+i%26))+string(rune('0'+i/26)))
		if err := r.Publish(ctx, p, a1, false); err != nil {
			t.Fatalf("publish %v: %v", p, err)
		}
		got, err := r.Resolve(ctx, p)
		if err != nil {
			t.Fatalf("resolve %v: %v", p, err)
		}
		if len(got) != 1 || got[0].Addr != a1 {
			t.Fatalf("resolve %v: got %+v", p, got)
		}
	}
}

func TestRouterListMergesAcrossShards(t *testing.T) {
	r := New(16, nil, nil)
	defer r.Shutdown()
	ctx := withTimeout(t)
	a1 := addr(t, "10.0.0.1", 1)

	names := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	for _, n := range names {
		if err := r.Publish(ctx, mustPath(t, "/app/"+n), a1, false); err != nil {
			t.Fatalf("publish %s: %v", n, err)
		}
	}

	kids, err := r.List(ctx, mustPath(t, "/app"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kids) != len(names) {
		t.Fatalf("list: got %d children, want %d: %+v", len(kids), len(names), kids)
	}
	for i := 1; i < len(kids); i++ {
		if kids[i-1].String() >= kids[i].String() {
			t.Fatalf("list not sorted: %+v", kids)
		}
	}
}

func TestRouterDefaultFallbackCrossShard(t *testing.T) {
	r := New(16, nil, nil)
	defer r.Shutdown()
	ctx := withTimeout(t)

	fallback := addr(t, "10.0.0.9", 9000)
	if err := r.Publish(ctx, mustPath(t, "/app/svc"), fallback, true); err != nil {
		t.Fatalf("publish default: %v", err)
	}

	for i := 0; i < 20; i++ {
		p := mustPath(t, "/app/svc/worker"+string(rune('a'+i)))
		got, err := r.Resolve(ctx, p)
		if err != nil {
			t.Fatalf("resolve %v: %v", p, err)
		}
		if len(got) != 1 || got[0].Addr != fallback {
			t.Fatalf("resolve %v: got %+v, want fallback %v", p, got, fallback)
		}
	}
}

func TestRouterUnpublishAddr(t *testing.T) {
	r := New(8, nil, nil)
	defer r.Shutdown()
	ctx := withTimeout(t)
	a1 := addr(t, "10.0.0.1", 1)

	paths := []string{"/a", "/b", "/c", "/d", "/e"}
	for _, s := range paths {
		if err := r.Publish(ctx, mustPath(t, s), a1, false); err != nil {
			t.Fatalf("publish %s: %v", s, err)
		}
	}

	removed, err := r.UnpublishAddr(ctx, a1)
	if err != nil {
		t.Fatalf("unpublish_addr: %v", err)
	}
	if len(removed) != len(paths) {
		t.Fatalf("removed %d paths, want %d", len(removed), len(paths))
	}
	for _, s := range paths {
		got, err := r.Resolve(ctx, mustPath(t, s))
		if err != nil {
			t.Fatalf("resolve %s: %v", s, err)
		}
		if got != nil {
			t.Fatalf("expected %s gone, got %+v", s, got)
		}
	}
}

func TestRouterTakeoverPublisher(t *testing.T) {
	r := New(4, nil, nil)
	defer r.Shutdown()
	a1 := addr(t, "10.0.0.1", 1)

	var firstCancelled bool
	h1 := &PublisherHandle{Cancel: func() { firstCancelled = true }}
	if prev := r.TakeoverPublisher(a1, h1); prev != nil {
		t.Fatalf("expected no prior handle, got %+v", prev)
	}

	h2 := &PublisherHandle{Cancel: func() {}}
	prev := r.TakeoverPublisher(a1, h2)
	if prev != h1 {
		t.Fatalf("expected takeover to return h1")
	}
	prev.Cancel()
	if !firstCancelled {
		t.Fatalf("expected first handle's cancel to run")
	}

	// Stale cleanup from h1's connection must not evict h2.
	r.ForgetPublisher(a1, h1)
	r.clinfoMu.Lock()
	_, stillThere := r.clinfo[a1]
	r.clinfoMu.Unlock()
	if !stillThere {
		t.Fatalf("expected h2 to survive stale ForgetPublisher(h1)")
	}
}

func TestRouterCheckReferral(t *testing.T) {
	ref := wire.Referral{Path: "/delegated", Targets: []string{"10.0.0.1:4000"}}
	r := New(4, map[string]wire.Referral{"/delegated": ref}, nil)
	defer r.Shutdown()
	ctx := withTimeout(t)

	got, ok, err := r.CheckReferral(ctx, mustPath(t, "/delegated/x/y"))
	if err != nil {
		t.Fatalf("check_referral: %v", err)
	}
	if !ok || got.Path != ref.Path {
		t.Fatalf("expected referral match, got %+v ok=%v", got, ok)
	}
}

// TestShardingPreservesResponses covers spec.md §7's sharding invariant:
// for any sequence of Resolve/Publish/Unpublish, an 8-shard router and a
// single-shard reference router observe identical results at every step,
// regardless of how paths happen to land across shards.
func TestShardingPreservesResponses(t *testing.T) {
	sharded := New(8, nil, nil)
	defer sharded.Shutdown()
	reference := New(1, nil, nil)
	defer reference.Shutdown()
	ctx := withTimeout(t)

	type op struct {
		kind string // "publish", "unpublish", "resolve"
		path string
		addr wire.Address
	}
	a1 := addr(t, "10.0.0.1", 1)
	a2 := addr(t, "10.0.0.2", 2)
	ops := []op{
		{"publish", "/foo/bar", a1},
		{"publish", "/foo/baz", a2},
		{"publish", "/app/v0", a1},
		{"resolve", "/foo/bar", wire.Address{}},
		{"resolve", "/foo/baz", wire.Address{}},
		{"unpublish", "/foo/bar", a1},
		{"resolve", "/foo/bar", wire.Address{}},
		{"publish", "/app/v1", a2},
		{"resolve", "/app/v0", wire.Address{}},
		{"resolve", "/app/v1", wire.Address{}},
		{"unpublish", "/app/v1", a2},
		{"resolve", "/does/not/exist", wire.Address{}},
	}

	for i, o := range ops {
		p := mustPath(t, o.path)
		switch o.kind {
		case "publish":
			if err := sharded.Publish(ctx, p, o.addr, false); err != nil {
				t.Fatalf("op %d sharded publish: %v", i, err)
			}
			if err := reference.Publish(ctx, p, o.addr, false); err != nil {
				t.Fatalf("op %d reference publish: %v", i, err)
			}
		case "unpublish":
			if err := sharded.Unpublish(ctx, p, o.addr); err != nil {
				t.Fatalf("op %d sharded unpublish: %v", i, err)
			}
			if err := reference.Unpublish(ctx, p, o.addr); err != nil {
				t.Fatalf("op %d reference unpublish: %v", i, err)
			}
		case "resolve":
			gotSharded, err := sharded.Resolve(ctx, p)
			if err != nil {
				t.Fatalf("op %d sharded resolve: %v", i, err)
			}
			gotReference, err := reference.Resolve(ctx, p)
			if err != nil {
				t.Fatalf("op %d reference resolve: %v", i, err)
			}
			if !sameAddrSet(gotSharded, gotReference) {
				t.Fatalf("op %d (%s): sharded resolve %+v != reference resolve %+v", i, o.path, gotSharded, gotReference)
			}
		}
	}
}

func sameAddrSet(a, b []store.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[wire.Address]bool, len(a))
	for _, e := range a {
		seen[e.Addr] = true
	}
	for _, e := range b {
		if !seen[e.Addr] {
			return false
		}
	}
	return true
}

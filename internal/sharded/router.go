// Package sharded distributes the namespace across N single-owner-goroutine
// stores, the same design src/sharded/router.go and shard.go use to
// partition client/subscription state across CPU cores — generalized here
// from a channel-fanout broadcaster to a path-keyed resolver store.
//
// Every Store is mutated by exactly one goroutine (its shard's run loop);
// callers never touch a Store directly, only submit closures over the
// shard's command channel, exactly as the teacher's Shard.Run select loop
// is the sole accessor of clients/subscriptions.
package sharded

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/store"
	"github.com/adred-codev/resolver/internal/wire"
)

// shard owns one Store and a command queue. Only run() touches store.
type shard struct {
	id    int
	store *store.Store
	ops   chan func(*store.Store)
}

func (s *shard) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op(s.store)
		}
	}
}

// Router fans single-path operations out to the shard that owns the path's
// hash, and fans tree-shaped operations (List, Columns, default-publisher
// fallback) out to every shard, merging their answers.
type Router struct {
	shards []*shard
	seed   uint64
	cancel context.CancelFunc

	clinfoMu sync.Mutex
	clinfo   map[wire.Address]*PublisherHandle
}

// PublisherHandle is the cancellation handle for one write-only
// connection's publisher identity, keyed by its advertised address.
type PublisherHandle struct {
	Cancel context.CancelFunc
}

// New starts numShards shard goroutines, each running its own Store seeded
// with the same static referral configuration. The hash seed is randomized
// per process so path-to-shard assignment isn't predictable across restarts
// (src/sharded/router.go instead randomizes CPU-core affinity; XORing a
// random seed into each path's hash is this resolver's analogue).
func New(numShards int, childReferrals map[string]wire.Referral, parentReferral *wire.Referral) *Router {
	if numShards <= 0 {
		numShards = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		seed:   rand.Uint64(),
		cancel: cancel,
		clinfo: make(map[wire.Address]*PublisherHandle),
	}
	r.shards = make([]*shard, numShards)
	for i := 0; i < numShards; i++ {
		sh := &shard{
			id:    i,
			store: store.New(childReferrals, parentReferral),
			ops:   make(chan func(*store.Store), 1024),
		}
		r.shards[i] = sh
		go sh.run(ctx)
	}
	return r
}

// Shutdown stops every shard goroutine. Queued ops are dropped.
func (r *Router) Shutdown() { r.cancel() }

func (r *Router) NumShards() int { return len(r.shards) }

func (r *Router) shardFor(p path.Path) *shard {
	h := xxhash.Sum64String(p.String()) ^ r.seed
	return r.shards[h%uint64(len(r.shards))]
}

func (r *Router) shardForAddr(a wire.Address) *shard {
	h := xxhash.Sum64String(a.String()) ^ r.seed
	return r.shards[h%uint64(len(r.shards))]
}

// submit runs fn inside the shard's owning goroutine and returns its result,
// or ctx.Err() if ctx is cancelled before the op is accepted or completes.
func submit[T any](ctx context.Context, sh *shard, fn func(*store.Store) T) (T, error) {
	var zero T
	resCh := make(chan T, 1)
	select {
	case sh.ops <- func(s *store.Store) { resCh <- fn(s) }:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-resCh:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// broadcast runs fn on every shard concurrently and returns all results,
// order matching shard index. Used for List/Columns/default-fallback
// resolve, where the answer may be split across shards.
func broadcast[T any](ctx context.Context, r *Router, fn func(*store.Store) T) ([]T, error) {
	out := make([]T, len(r.shards))
	errs := make([]error, len(r.shards))
	var wg sync.WaitGroup
	for i, sh := range r.shards {
		wg.Add(1)
		go func(i int, sh *shard) {
			defer wg.Done()
			v, err := submit(ctx, sh, fn)
			out[i] = v
			errs[i] = err
		}(i, sh)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Publish routes to the shard owning path.
func (r *Router) Publish(ctx context.Context, p path.Path, addr wire.Address, isDefault bool) error {
	_, err := submit(ctx, r.shardFor(p), func(s *store.Store) struct{} {
		s.Publish(p, addr, isDefault)
		return struct{}{}
	})
	return err
}

// Unpublish routes to the shard owning path.
func (r *Router) Unpublish(ctx context.Context, p path.Path, addr wire.Address) error {
	_, err := submit(ctx, r.shardFor(p), func(s *store.Store) struct{} {
		s.Unpublish(p, addr)
		return struct{}{}
	})
	return err
}

// UnpublishAddr fans out to every shard, since addr's publications are
// scattered across the namespace (and so across shards) by path hash, not
// by publisher. Returns every path that was removed.
func (r *Router) UnpublishAddr(ctx context.Context, addr wire.Address) ([]path.Path, error) {
	perShard, err := broadcast(ctx, r, func(s *store.Store) []path.Path { return s.UnpublishAddr(addr) })
	if err != nil {
		return nil, err
	}
	var all []path.Path
	for _, ps := range perShard {
		all = append(all, ps...)
	}
	return all, nil
}

// PublishedForAddr fans out to every shard and merges, for the same reason
// as UnpublishAddr.
func (r *Router) PublishedForAddr(ctx context.Context, addr wire.Address) ([]path.Path, error) {
	perShard, err := broadcast(ctx, r, func(s *store.Store) []path.Path { return s.PublishedForAddr(addr) })
	if err != nil {
		return nil, err
	}
	var all []path.Path
	for _, ps := range perShard {
		all = append(all, ps...)
	}
	return all, nil
}

// Resolve checks path's own shard first (the fast path: a literal publisher
// is always co-located with path's hash). Only when nothing is found there
// does it fan out to every shard to find the closest ancestor's
// default-publisher entries, since that ancestor may hash to a different
// shard than path itself.
func (r *Router) Resolve(ctx context.Context, p path.Path) ([]store.Entry, error) {
	entries, _, matched, err := submit4(ctx, r.shardFor(p), func(s *store.Store) (entries []store.Entry, depth int, matched bool) {
		return s.ResolveCandidate(p)
	})
	if err != nil {
		return nil, err
	}
	if matched && depthIsLiteral(p, depth) {
		return entries, nil
	}

	// No literal publisher at p's own shard: the closest ancestor's default
	// publisher may live on any shard, so check all of them and keep the
	// deepest (closest) match, including the one already found locally.
	type candidate struct {
		entries []store.Entry
		depth   int
		matched bool
	}
	perShard, err := broadcast(ctx, r, func(s *store.Store) candidate {
		e, d, m := s.ResolveCandidate(p)
		return candidate{e, d, m}
	})
	if err != nil {
		return nil, err
	}
	best := candidate{matched: matched, entries: entries, depth: depth}
	for _, c := range perShard {
		if c.matched && (!best.matched || c.depth > best.depth) {
			best = candidate{entries: c.entries, depth: c.depth, matched: true}
		}
	}
	if !best.matched {
		return nil, nil
	}
	return best.entries, nil
}

func depthIsLiteral(p path.Path, depth int) bool { return depth == p.Depth() }

// submit4 is submit specialized to a 3-value closure; Go generics can't
// express a variadic return arity, so Resolve's (entries, depth, matched)
// shape gets its own thin wrapper around submit's single-value contract.
func submit4(ctx context.Context, sh *shard, fn func(*store.Store) ([]store.Entry, int, bool)) ([]store.Entry, int, bool, error) {
	type result struct {
		entries []store.Entry
		depth   int
		matched bool
	}
	r, err := submit(ctx, sh, func(s *store.Store) result {
		e, d, m := fn(s)
		return result{e, d, m}
	})
	return r.entries, r.depth, r.matched, err
}

// List merges each shard's view of path's immediate children: a path's
// children can be split across shards because a child's full path, not its
// parent's, decides which shard stores the parent-child link.
func (r *Router) List(ctx context.Context, p path.Path) ([]path.Path, error) {
	perShard, err := broadcast(ctx, r, func(s *store.Store) []path.Path { return s.List(p) })
	if err != nil {
		return nil, err
	}
	seen := make(map[string]path.Path)
	for _, ps := range perShard {
		for _, cp := range ps {
			seen[cp.String()] = cp
		}
	}
	out := make([]path.Path, 0, len(seen))
	for _, cp := range seen {
		out = append(out, cp)
	}
	path.SortPaths(out)
	return out, nil
}

// Columns merges each shard's partial column counts for path's table. A
// row's columns can themselves be split across shards; summing per-shard
// counts reconstructs the true global count because each (row, column)
// pair is recorded in exactly one shard: the one owning the column's own
// published path.
func (r *Router) Columns(ctx context.Context, p path.Path) ([]wire.ColumnCount, error) {
	perShard, err := broadcast(ctx, r, func(s *store.Store) []wire.ColumnCount { return s.Columns(p) })
	if err != nil {
		return nil, err
	}
	totals := make(map[string]uint32)
	for _, cs := range perShard {
		for _, c := range cs {
			totals[c.Name] += c.Count
		}
	}
	out := make([]wire.ColumnCount, 0, len(totals))
	for name, count := range totals {
		out = append(out, wire.ColumnCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CheckReferral only needs shard 0: referral configuration is static and
// replicated identically to every shard at construction time.
func (r *Router) CheckReferral(ctx context.Context, p path.Path) (wire.Referral, bool, error) {
	type result struct {
		ref     wire.Referral
		matched bool
	}
	res, err := submit(ctx, r.shards[0], func(s *store.Store) result {
		ref, ok := s.CheckReferral(p)
		return result{ref, ok}
	})
	if err != nil {
		return wire.Referral{}, false, err
	}
	return res.ref, res.matched, nil
}

// TakeoverPublisher installs handle as addr's current publisher, replacing
// and returning whatever handle was previously registered there (nil if
// none), which the caller must cancel. Overwrites unconditionally — a
// no-op takeover when nothing was registered, per SPEC_FULL.md supplemented
// feature #5.
func (r *Router) TakeoverPublisher(addr wire.Address, handle *PublisherHandle) *PublisherHandle {
	r.clinfoMu.Lock()
	defer r.clinfoMu.Unlock()
	prev := r.clinfo[addr]
	r.clinfo[addr] = handle
	return prev
}

// ForgetPublisher removes addr's registration, but only if it still points
// at handle — a later takeover may have already replaced it, in which case
// this is a no-op so the newer connection's handle survives.
func (r *Router) ForgetPublisher(addr wire.Address, handle *PublisherHandle) {
	r.clinfoMu.Lock()
	defer r.clinfoMu.Unlock()
	if r.clinfo[addr] == handle {
		delete(r.clinfo, addr)
	}
}

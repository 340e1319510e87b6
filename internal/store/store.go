// Package store implements spec.md §4.3's per-shard Store: a trie over
// published paths with an address multi-set, an incrementally maintained
// children index, and the shard's half of the referral map.
//
// Store is not safe for concurrent use; spec.md §5 requires each Store to
// be mutated by exactly one owning goroutine (see internal/sharded), the
// same discipline the teacher's src/sharded/shard.go uses for a shard's
// client map.
package store

import (
	"sort"

	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/wire"
)

// Entry is one published (address, default?) pair at a path.
type Entry struct {
	Addr      wire.Address
	IsDefault bool
}

// Store holds the published namespace owned by a single shard.
type Store struct {
	paths    map[string]map[wire.Address]bool // path -> addr -> isDefault
	byAddr   map[wire.Address]map[string]struct{}
	children map[string]map[string]struct{} // path -> set of immediate child full paths
	refs     map[string]int                 // path -> count of leaf publications at or below it

	childReferrals map[string]wire.Referral // exact-path delegation entries
	parentReferral *wire.Referral            // catch-all delegation, if this store sits inside a federation
}

// New returns an empty Store. childReferrals maps a delegated subtree root
// (as a path string) to the Referral returned for it and everything below.
func New(childReferrals map[string]wire.Referral, parentReferral *wire.Referral) *Store {
	cr := make(map[string]wire.Referral, len(childReferrals))
	for k, v := range childReferrals {
		cr[k] = v
	}
	return &Store{
		paths:          make(map[string]map[wire.Address]bool),
		byAddr:         make(map[wire.Address]map[string]struct{}),
		children:       make(map[string]map[string]struct{}),
		refs:           make(map[string]int),
		childReferrals: cr,
		parentReferral: parentReferral,
	}
}

// touchAncestors increments (delta>0) or decrements (delta<0) the leaf
// publication count for p and every ancestor of p, maintaining the
// children index as nodes transition to/from empty. This is the single
// place that keeps spec.md §3's invariant — "every proper ancestor of path
// appears in children" — true.
func (s *Store) touchAncestors(p path.Path, delta int) {
	node := p
	for {
		key := node.String()
		before := s.refs[key]
		after := before + delta
		if after <= 0 {
			delete(s.refs, key)
		} else {
			s.refs[key] = after
		}

		if !node.IsRoot() {
			parentKey := node.Parent().String()
			switch {
			case before <= 0 && after > 0:
				if s.children[parentKey] == nil {
					s.children[parentKey] = make(map[string]struct{})
				}
				s.children[parentKey][key] = struct{}{}
			case before > 0 && after <= 0:
				delete(s.children[parentKey], key)
				if len(s.children[parentKey]) == 0 {
					delete(s.children, parentKey)
				}
			}
		}

		if node.IsRoot() {
			return
		}
		node = node.Parent()
	}
}

// CheckReferral reports whether p falls under a delegated subtree. Checked
// by callers before any local lookup, per spec.md §9 — "referrals precede
// local lookup" — so a delegated subtree never leaks local state.
func (s *Store) CheckReferral(p path.Path) (wire.Referral, bool) {
	node := p
	for {
		if ref, ok := s.childReferrals[node.String()]; ok {
			return ref, true
		}
		if node.IsRoot() {
			break
		}
		node = node.Parent()
	}
	if s.parentReferral != nil {
		return *s.parentReferral, true
	}
	return wire.Referral{}, false
}

// Publish adds (path, addr, isDefault) to the store.
func (s *Store) Publish(p path.Path, addr wire.Address, isDefault bool) {
	key := p.String()
	if s.paths[key] == nil {
		s.paths[key] = make(map[wire.Address]bool)
	}
	if _, exists := s.paths[key][addr]; !exists {
		s.touchAncestors(p, 1)
	}
	s.paths[key][addr] = isDefault

	if s.byAddr[addr] == nil {
		s.byAddr[addr] = make(map[string]struct{})
	}
	s.byAddr[addr][key] = struct{}{}
}

// Unpublish removes (path, addr) from the store, pruning empty ancestors.
func (s *Store) Unpublish(p path.Path, addr wire.Address) {
	key := p.String()
	if s.paths[key] == nil {
		return
	}
	if _, exists := s.paths[key][addr]; !exists {
		return
	}
	delete(s.paths[key], addr)
	if len(s.paths[key]) == 0 {
		delete(s.paths, key)
	}
	s.touchAncestors(p, -1)

	if s.byAddr[addr] != nil {
		delete(s.byAddr[addr], key)
		if len(s.byAddr[addr]) == 0 {
			delete(s.byAddr, addr)
		}
	}
}

// UnpublishAddr removes every path published by addr, returning the removed
// paths. O(|by_addr[addr]|).
func (s *Store) UnpublishAddr(addr wire.Address) []path.Path {
	keys := s.byAddr[addr]
	if len(keys) == 0 {
		return nil
	}
	removed := make([]path.Path, 0, len(keys))
	for key := range keys {
		p, err := path.New(key)
		if err != nil {
			continue // unreachable: only ever populated from validated Paths
		}
		removed = append(removed, p)
	}
	for _, p := range removed {
		s.Unpublish(p, addr)
	}
	return removed
}

// PublishedForAddr returns a snapshot of every path addr currently publishes.
func (s *Store) PublishedForAddr(addr wire.Address) []path.Path {
	keys := s.byAddr[addr]
	out := make([]path.Path, 0, len(keys))
	for key := range keys {
		p, err := path.New(key)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Resolve returns the live publishers for path. If path has no literal
// publisher, it falls back to the closest ancestor's default-flagged
// entries (SPEC_FULL.md supplemented feature #1).
func (s *Store) Resolve(p path.Path) []Entry {
	if m := s.paths[p.String()]; len(m) > 0 {
		out := make([]Entry, 0, len(m))
		for addr, isDefault := range m {
			out = append(out, Entry{Addr: addr, IsDefault: isDefault})
		}
		return out
	}

	node := p
	for !node.IsRoot() {
		node = node.Parent()
		m := s.paths[node.String()]
		if len(m) == 0 {
			continue
		}
		var defaults []Entry
		for addr, isDefault := range m {
			if isDefault {
				defaults = append(defaults, Entry{Addr: addr, IsDefault: true})
			}
		}
		if len(defaults) > 0 {
			return defaults
		}
	}
	return nil
}

// ResolveCandidate is Resolve's building block for cross-shard aggregation
// (internal/sharded): it reports not just the matched entries but the depth
// of the path that matched them, so a coordinator querying every shard can
// keep the deepest (most specific) match when a default publisher and its
// descendant live in different shards. depth is p.Depth() for a literal
// match, or the matching ancestor's depth for a default-fallback match.
func (s *Store) ResolveCandidate(p path.Path) (entries []Entry, depth int, matched bool) {
	if m := s.paths[p.String()]; len(m) > 0 {
		out := make([]Entry, 0, len(m))
		for addr, isDefault := range m {
			out = append(out, Entry{Addr: addr, IsDefault: isDefault})
		}
		return out, p.Depth(), true
	}

	node := p
	for !node.IsRoot() {
		node = node.Parent()
		m := s.paths[node.String()]
		if len(m) == 0 {
			continue
		}
		var defaults []Entry
		for addr, isDefault := range m {
			if isDefault {
				defaults = append(defaults, Entry{Addr: addr, IsDefault: true})
			}
		}
		if len(defaults) > 0 {
			return defaults, node.Depth(), true
		}
	}
	return nil, 0, false
}

// List returns the immediate children of path, sorted lexicographically on
// the full child path.
func (s *Store) List(p path.Path) []path.Path {
	kids := s.children[p.String()]
	if len(kids) == 0 {
		return nil
	}
	out := make([]path.Path, 0, len(kids))
	for k := range kids {
		cp, err := path.New(k)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	path.SortPaths(out)
	return out
}

// Columns aggregates the table convention: path's children are rows, and
// each row's own children are columns. Returns how many rows carry each
// column name, per SPEC_FULL.md supplemented feature #2.
func (s *Store) Columns(p path.Path) []wire.ColumnCount {
	rows := s.children[p.String()]
	if len(rows) == 0 {
		return nil
	}
	counts := make(map[string]uint32)
	for row := range rows {
		for col := range s.children[row] {
			rowPath, err := path.New(col)
			if err != nil {
				continue
			}
			counts[rowPath.Basename()]++
		}
	}
	out := make([]wire.ColumnCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, wire.ColumnCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GC releases pooled memory freed by preceding removals. The map-based
// implementation here has nothing to reclaim beyond what delete() already
// freed; kept as a named operation so callers (and tests asserting the
// invariant in spec.md §8) don't need to know that.
func (s *Store) GC() {}

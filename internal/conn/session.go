package conn

import (
	"sync"
	"sync/atomic"

	"github.com/adred-codev/resolver/internal/wire"
)

// SessionRegistry tracks authenticated read sessions so a client can
// resume one with ClientAuthRead's Reuse variant instead of re-initiating.
// Kerberos-like token validation itself is the external SecStore's job
// (spec.md §1 names it an out-of-scope collaborator); this registry only
// bookkeeps the ctx-id ↔ session mapping the resolver itself owns.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[wire.CtxID]struct{}
	nextID   uint64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[wire.CtxID]struct{})}
}

// Initiate records a new session and returns its ctx id plus an
// acknowledgement token (echoed back to the client as proof of acceptance).
func (s *SessionRegistry) Initiate(token []byte) (wire.CtxID, []byte) {
	id := wire.CtxID(atomic.AddUint64(&s.nextID, 1))
	s.mu.Lock()
	s.sessions[id] = struct{}{}
	s.mu.Unlock()
	ack := make([]byte, len(token))
	copy(ack, token)
	return id, ack
}

// Reuse reports whether ctx refers to a still-live session.
func (s *SessionRegistry) Reuse(ctx wire.CtxID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[ctx]
	return ok
}

// Forget drops ctx, e.g. once its owning connection has closed.
func (s *SessionRegistry) Forget(ctx wire.CtxID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, ctx)
}

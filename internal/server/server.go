// Package server implements spec.md §4.6's server loop: bind a listener,
// accept connections up to a configured ceiling, and drain in-flight
// connections on shutdown.
//
// Grounded on the teacher's ws/internal/shared/server.go (listen, accept
// loop, graceful shutdown with a drain grace period) with the HTTP/
// WebSocket upgrade stripped out in favor of conn.Handle's raw framed
// protocol, and ws/internal/multi/shard.go's slot semaphore reused here as
// the global admission counter spec.md §4.6 calls for.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resolver/internal/admission"
	"github.com/adred-codev/resolver/internal/conn"
	"github.com/adred-codev/resolver/internal/logging"
	"github.com/adred-codev/resolver/internal/metrics"
	"github.com/adred-codev/resolver/internal/secstore"
	"github.com/adred-codev/resolver/internal/sharded"
)

// Config carries the server loop's own tunables; conn.Config carries the
// per-connection ones.
type Config struct {
	Addr             string
	MaxConnections   int
	DrainGracePeriod time.Duration
}

// Server accepts connections on a TCP listener and runs each to completion
// via conn.Handle, bounding the number of concurrently active connections.
type Server struct {
	cfg       Config
	connCfg   conn.Config
	router    *sharded.Router
	sec       secstore.SecStore
	sessions  *conn.SessionRegistry
	admission *admission.Guard
	metrics   *metrics.Registry
	log       zerolog.Logger

	listener net.Listener
	sem      chan struct{}
	active   int64

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	shuttingDown int32
}

// New builds a Server. admissionGuard may be nil, meaning every slot under
// MaxConnections is accepted unconditionally.
func New(cfg Config, connCfg conn.Config, router *sharded.Router, sec secstore.SecStore, admissionGuard *admission.Guard, log zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.DrainGracePeriod <= 0 {
		cfg.DrainGracePeriod = 30 * time.Second
	}
	return &Server{
		cfg:       cfg,
		connCfg:   connCfg,
		router:    router,
		sec:       sec,
		sessions:  conn.NewSessionRegistry(),
		admission: admissionGuard,
		log:       log,
		sem:       make(chan struct{}, cfg.MaxConnections),
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound so the caller can read Addr() for ephemeral
// port tests; the accept loop itself runs in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.Info().Str("addr", ln.Addr().String()).Int("max_connections", s.cfg.MaxConnections).Msg("server listening")

	s.wg.Add(1)
	go s.acceptLoop(runCtx)

	return nil
}

// SetMetrics attaches a Prometheus registry; connection counts and
// rejection reasons are recorded against it from then on. Safe to call
// before Start; nil disables metrics recording.
func (s *Server) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Addr reports the bound local address; useful when Config.Addr used an
// ephemeral port ("127.0.0.1:0").
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		rawConn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			s.log.Error().Err(err).Msg("accept error")
			return
		}

		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			rawConn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// At capacity: accept the socket (so the client sees a
			// connection, not a refusal) and drop it immediately.
			if s.metrics != nil {
				s.metrics.RejectedAtLimit.Inc()
			}
			rawConn.Close()
			continue
		}

		if s.admission != nil && !s.admission.Allow(rawConn.RemoteAddr()) {
			<-s.sem
			if s.metrics != nil {
				s.metrics.RejectedAdmission.Inc()
			}
			rawConn.Close()
			continue
		}

		atomic.AddInt64(&s.active, 1)
		if s.metrics != nil {
			s.metrics.ActiveConnections.Inc()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				<-s.sem
				atomic.AddInt64(&s.active, -1)
				if s.metrics != nil {
					s.metrics.ActiveConnections.Dec()
				}
			}()
			defer logging.RecoverPanic(s.log, "conn.Handle")
			if err := conn.Handle(ctx, rawConn, s.router, s.sec, s.sessions, s.connCfg, s.log); err != nil {
				s.log.Debug().Err(err).Str("remote", rawConn.RemoteAddr().String()).Msg("connection closed")
			}
		}()
	}
}

// ActiveConnections reports the current number of in-flight connections.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.active)
}

// Shutdown stops accepting new connections, waits up to the configured
// grace period for in-flight connections to drain on their own (spec.md
// §5: "Server shutdown is cooperative"), then cancels the shared context
// so any stragglers observe it in their batch loops, and waits for all
// connection goroutines to exit.
func (s *Server) Shutdown() error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	if s.listener != nil {
		s.listener.Close()
	}

	drainTimer := time.NewTimer(s.cfg.DrainGracePeriod)
	defer drainTimer.Stop()
	checkTicker := time.NewTicker(200 * time.Millisecond)
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.ActiveConnections()
			if remaining > 0 {
				s.log.Warn().Int64("remaining_connections", remaining).Msg("drain grace period expired, forcing remaining connections closed")
			}
			break drain
		case <-checkTicker.C:
			if s.ActiveConnections() == 0 {
				break drain
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("server shutdown complete")
	return nil
}

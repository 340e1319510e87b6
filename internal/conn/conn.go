// Package conn implements spec.md §4.5's per-connection state machine:
// NEW → HELLO_READ → (READ_ONLY | WRITE_ONLY) → BATCH_LOOP → CLOSING, with
// a TTL_EXPIRED branch out of BATCH_LOOP for idle writers.
//
// Grounded on the teacher's ws/internal/shared/connection.go (per-client
// lifecycle, pooled reuse) and handlers_message.go/pump_read.go (the
// race-four-events batch loop), generalized from a broadcast WebSocket
// client to a role-switched read/write resolver session.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resolver/internal/channel"
	"github.com/adred-codev/resolver/internal/debugfeed"
	"github.com/adred-codev/resolver/internal/metrics"
	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/pool"
	"github.com/adred-codev/resolver/internal/secstore"
	"github.com/adred-codev/resolver/internal/sharded"
	"github.com/adred-codev/resolver/internal/wire"
)

// ErrInvalidTTL is returned (and terminates the connection) when a
// write-only hello requests a TTL outside (0, 3600] seconds.
var ErrInvalidTTL = errors.New("conn: ttl out of range")

// Config carries the tunables spec.md §6 lists as "configuration surface
// consumed from collaborator".
type Config struct {
	HelloTimeout time.Duration
	ReaderTTL    time.Duration
	ResolverID   wire.ResolverID

	// ReadBatchPool/WriteBatchPool recycle the []ToRead/[]ToWrite slices
	// ReceiveBatch decodes into, across batches and across connections.
	// Nil is fine; a nil pool just means every batch allocates fresh.
	ReadBatchPool  *pool.Slice[wire.ToRead]
	WriteBatchPool *pool.Slice[wire.ToWrite]

	// Metrics is optional; nil disables per-operation counters.
	Metrics *metrics.Registry

	// Feed is optional; nil disables the operational debug-feed broadcast.
	Feed *debugfeed.Hub
}

// Handle runs one accepted connection to completion. It never panics on
// protocol errors; it returns a descriptive error for logging and always
// closes rawConn before returning.
func Handle(ctx context.Context, rawConn net.Conn, router *sharded.Router, sec secstore.SecStore, sessions *SessionRegistry, cfg Config, log zerolog.Logger) error {
	defer rawConn.Close()

	resetCh := make(chan struct{}, 1)
	tc := &ttlConn{Conn: rawConn}
	framer := channel.NewFramer(tc)

	if err := rawConn.SetReadDeadline(time.Now().Add(cfg.HelloTimeout)); err != nil {
		return fmt.Errorf("conn: set hello deadline: %w", err)
	}
	raw, err := framer.ReceiveOne(func(r *wire.Reader) (any, error) { return wire.DecodeClientHello(r) })
	if err != nil {
		return fmt.Errorf("conn: hello read: %w", err)
	}
	if err := rawConn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("conn: clear hello deadline: %w", err)
	}
	hello := raw.(wire.ClientHello)
	clientAddr, _ := wire.AddressFromNetAddr(rawConn.RemoteAddr())

	switch hello.Kind {
	case wire.HelloReadOnly:
		return runReadOnly(ctx, framer, tc, resetCh, router, sec, sessions, cfg, hello.Read, clientAddr, log)
	case wire.HelloWriteOnly:
		return runWriteOnly(ctx, framer, tc, resetCh, router, sec, cfg, hello.Write, log)
	default:
		return fmt.Errorf("conn: unreachable hello kind %d", hello.Kind)
	}
}

func authenticateRead(sessions *SessionRegistry, auth wire.ClientAuthRead) wire.ServerHelloRead {
	switch auth.Kind {
	case wire.AuthReuse:
		if sessions.Reuse(auth.ReuseCtx) {
			return wire.ServerHelloRead{Kind: wire.ServerReadReused}
		}
		ctxID, ack := sessions.Initiate(nil)
		return wire.ServerHelloRead{Kind: wire.ServerReadAccepted, Token: ack, Ctx: ctxID}
	case wire.AuthInitiate:
		ctxID, ack := sessions.Initiate(auth.Initiate)
		return wire.ServerHelloRead{Kind: wire.ServerReadAccepted, Token: ack, Ctx: ctxID}
	default:
		return wire.ServerHelloRead{Kind: wire.ServerReadAnonymous}
	}
}

func runReadOnly(ctx context.Context, framer *channel.Framer, tc *ttlConn, resetCh chan struct{}, router *sharded.Router, sec secstore.SecStore, sessions *SessionRegistry, cfg Config, auth wire.ClientAuthRead, clientAddr wire.Address, log zerolog.Logger) error {
	reply := authenticateRead(sessions, auth)
	if err := framer.SendOne(reply); err != nil {
		return fmt.Errorf("conn: read hello reply: %w", err)
	}

	ch := channel.NewChannel[wire.FromRead, wire.ToRead](framer, wire.DecodeToRead)
	tc.onRead = func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}

	batchCh := make(chan batchResult[wire.ToRead], 1)
	go pumpBatches(ch, batchCh, borrowBatch(cfg.ReadBatchPool))

	ttlTimer := time.NewTimer(cfg.ReaderTTL)
	defer ttlTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ttlTimer.C:
			log.Debug().Msg("reader ttl expired")
			return nil
		case <-resetCh:
			drainTimer(ttlTimer)
			ttlTimer.Reset(cfg.ReaderTTL)
		case res := <-batchCh:
			if res.err != nil {
				return fmt.Errorf("conn: read batch: %w", res.err)
			}
			if cfg.Metrics != nil {
				cfg.Metrics.BatchSize.Observe(float64(len(res.items)))
			}
			replies := processReadBatch(ctx, router, sec, cfg.ResolverID, clientAddr, res.items, cfg.Metrics, cfg.Feed)
			returnBatch(cfg.ReadBatchPool, res.items)
			for _, rep := range replies {
				ch.QueueSend(rep)
			}
			if err := ch.Flush(); err != nil {
				return fmt.Errorf("conn: read flush: %w", err)
			}
			go pumpBatches(ch, batchCh, borrowBatch(cfg.ReadBatchPool))
		}
	}
}

func runWriteOnly(ctx context.Context, framer *channel.Framer, tc *ttlConn, resetCh chan struct{}, router *sharded.Router, sec secstore.SecStore, cfg Config, hello wire.ClientHelloWrite, log zerolog.Logger) error {
	if hello.TTLSecs == 0 || hello.TTLSecs > 3600 {
		return ErrInvalidTTL
	}
	ttl := time.Duration(hello.TTLSecs) * time.Second
	writeAddr := hello.WriteAddr

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &sharded.PublisherHandle{Cancel: cancel}
	prev := router.TakeoverPublisher(writeAddr, handle)
	ttlExpired := prev == nil
	if prev != nil {
		prev.Cancel()
		if cfg.Metrics != nil {
			cfg.Metrics.TakeoverTotal.Inc()
		}
		if cfg.Feed != nil {
			cfg.Feed.Publish("takeover", "", writeAddr.String())
		}
	}
	defer router.ForgetPublisher(writeAddr, handle)

	var authReply wire.ServerAuthWrite
	switch hello.Auth.Kind {
	case wire.WriteAuthInitiate:
		authReply = wire.ServerAuthWrite{Kind: wire.ServerWriteAccepted, Token: hello.Auth.Token}
	case wire.WriteAuthReuse:
		authReply = wire.ServerAuthWrite{Kind: wire.ServerWriteReused}
	default:
		authReply = wire.ServerAuthWrite{Kind: wire.ServerWriteAnonymous}
	}

	reply := wire.ServerHelloWrite{TTLExpired: ttlExpired, ResolverID: cfg.ResolverID, Auth: authReply}
	if err := framer.SendOne(reply); err != nil {
		return fmt.Errorf("conn: write hello reply: %w", err)
	}

	ch := channel.NewChannel[wire.FromWrite, wire.ToWrite](framer, wire.DecodeToWrite)
	tc.onRead = func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}

	batchCh := make(chan batchResult[wire.ToWrite], 1)
	go pumpBatches(ch, batchCh, borrowBatch(cfg.WriteBatchPool))

	ttlTimer := time.NewTimer(ttl)
	defer ttlTimer.Stop()

	for {
		select {
		case <-connCtx.Done():
			return nil
		case <-ttlTimer.C:
			log.Debug().Str("publisher", writeAddr.String()).Msg("writer ttl expired")
			if cfg.Metrics != nil {
				cfg.Metrics.TTLExpiryTotal.Inc()
			}
			if cfg.Feed != nil {
				cfg.Feed.Publish("ttl_expiry", "", writeAddr.String())
			}
			if _, err := router.UnpublishAddr(ctx, writeAddr); err != nil {
				return fmt.Errorf("conn: ttl purge: %w", err)
			}
			return nil
		case <-resetCh:
			drainTimer(ttlTimer)
			ttlTimer.Reset(ttl)
		case res := <-batchCh:
			if res.err != nil {
				// The socket is done, but the publisher's paths stay
				// published until its TTL fires (purge) or a reconnect from
				// the same write_addr takes over (connCtx cancelled).
				log.Debug().Err(res.err).Str("publisher", writeAddr.String()).Msg("writer connection lost, waiting for ttl")
				_ = ch.Close()
				batchCh = nil
				continue
			}
			if cfg.Metrics != nil {
				cfg.Metrics.BatchSize.Observe(float64(len(res.items)))
			}
			replies, err := processWriteBatch(ctx, router, sec, writeAddr, res.items, cfg.Metrics, cfg.Feed)
			returnBatch(cfg.WriteBatchPool, res.items)
			if err != nil {
				return fmt.Errorf("conn: write batch processing: %w", err)
			}
			for _, rep := range replies {
				ch.QueueSend(rep)
			}
			if err := ch.Flush(); err != nil {
				return fmt.Errorf("conn: write flush: %w", err)
			}
			go pumpBatches(ch, batchCh, borrowBatch(cfg.WriteBatchPool))
		}
	}
}

type batchResult[In any] struct {
	items []In
	err   error
}

func pumpBatches[Out channel.Encodable, In any](ch *channel.Channel[Out, In], out chan<- batchResult[In], reuse []In) {
	items, err := ch.ReceiveBatch(reuse)
	out <- batchResult[In]{items: items, err: err}
}

// borrowBatch returns a reusable buffer from p, or nil if p is unset —
// ReceiveBatch allocates fresh in that case.
func borrowBatch[T any](p *pool.Slice[T]) []T {
	if p == nil {
		return nil
	}
	return p.Get()
}

// returnBatch recycles items into p once the caller no longer needs them.
func returnBatch[T any](p *pool.Slice[T], items []T) {
	if p == nil {
		return
	}
	p.Put(items)
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func processReadBatch(ctx context.Context, router *sharded.Router, sec secstore.SecStore, resolverID wire.ResolverID, clientAddr wire.Address, items []wire.ToRead, m *metrics.Registry, feed *debugfeed.Hub) []wire.FromRead {
	out := make([]wire.FromRead, 0, len(items))
	now := uint64(timeNow().Unix())
	for _, item := range items {
		p, err := path.New(item.Path)
		if err != nil {
			out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: "absolute paths required"})
			continue
		}
		if ref, ok, err := router.CheckReferral(ctx, p); err != nil {
			out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: err.Error()})
			continue
		} else if ok {
			if m != nil {
				m.ReferralServed.Inc()
			}
			if feed != nil {
				feed.Publish("referral", p.String(), "")
			}
			out = append(out, wire.FromRead{Kind: wire.FromReadReferral, Ref: ref})
			continue
		}

		switch item.Kind {
		case wire.ToReadResolve:
			if sec != nil && !sec.Allowed(p, wire.PermSubscribe, clientAddr) {
				if m != nil {
					m.PermissionDenied.Inc()
				}
				out = append(out, wire.FromRead{Kind: wire.FromReadDenied})
				continue
			}
			entries, err := router.Resolve(ctx, p)
			if err != nil {
				out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: err.Error()})
				continue
			}
			if m != nil {
				m.ResolveTotal.Inc()
				if len(entries) == 0 {
					m.ResolveMisses.Inc()
				}
			}
			resolved := make([]wire.ResolvedEntry, 0, len(entries))
			for _, e := range entries {
				var token []byte
				if sec != nil {
					token, _ = sec.Sign(p, wire.PermSubscribe, now, e.Addr)
				}
				resolved = append(resolved, wire.ResolvedEntry{Addr: e.Addr, Token: token})
			}
			out = append(out, wire.FromRead{
				Kind: wire.FromReadResolved, Resolver: resolverID, Timestamp: now,
				Permissions: wire.PermSubscribe, Entries: resolved,
			})
		case wire.ToReadList:
			if sec != nil && !sec.Allowed(p, wire.PermList, clientAddr) {
				out = append(out, wire.FromRead{Kind: wire.FromReadDenied})
				continue
			}
			kids, err := router.List(ctx, p)
			if err != nil {
				out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: err.Error()})
				continue
			}
			out = append(out, wire.FromRead{Kind: wire.FromReadListResult, Paths: pathStrings(kids)})
		case wire.ToReadTable:
			if sec != nil && !sec.Allowed(p, wire.PermList, clientAddr) {
				out = append(out, wire.FromRead{Kind: wire.FromReadDenied})
				continue
			}
			rows, err := router.List(ctx, p)
			if err != nil {
				out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: err.Error()})
				continue
			}
			cols, err := router.Columns(ctx, p)
			if err != nil {
				out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: err.Error()})
				continue
			}
			out = append(out, wire.FromRead{Kind: wire.FromReadTableResult, Rows: pathStrings(rows), Cols: cols})
		default:
			out = append(out, wire.FromRead{Kind: wire.FromReadError, ErrMsg: "unknown read op"})
		}
	}
	return out
}

func processWriteBatch(ctx context.Context, router *sharded.Router, sec secstore.SecStore, writeAddr wire.Address, items []wire.ToWrite, m *metrics.Registry, feed *debugfeed.Hub) ([]wire.FromWrite, error) {
	out := make([]wire.FromWrite, 0, len(items))
	for _, item := range items {
		switch item.Kind {
		case wire.ToWriteHeartbeat:
			continue // dropped: no reply, TTL already reset by the byte-level hook
		case wire.ToWriteClear:
			paths, err := router.PublishedForAddr(ctx, writeAddr)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				if err := router.Unpublish(ctx, p, writeAddr); err != nil {
					return nil, err
				}
				if feed != nil {
					feed.Publish("unpublish", p.String(), writeAddr.String())
				}
			}
			if m != nil {
				m.UnpublishTotal.Inc()
			}
			out = append(out, wire.FromWrite{Kind: wire.FromWriteUnpublished})
			continue
		}

		p, err := path.New(item.Path)
		if err != nil {
			out = append(out, wire.FromWrite{Kind: wire.FromWriteError, ErrMsg: "absolute paths required"})
			continue
		}
		if ref, ok, err := router.CheckReferral(ctx, p); err != nil {
			return nil, err
		} else if ok {
			if m != nil {
				m.ReferralServed.Inc()
			}
			if feed != nil {
				feed.Publish("referral", p.String(), "")
			}
			out = append(out, wire.FromWrite{Kind: wire.FromWriteReferral, Ref: ref})
			continue
		}

		switch item.Kind {
		case wire.ToWritePublish, wire.ToWritePublishDefault:
			perm := wire.PermPublish
			isDefault := item.Kind == wire.ToWritePublishDefault
			if isDefault {
				perm = wire.PermPublishDefault
			}
			if sec != nil && !sec.Allowed(p, perm, writeAddr) {
				if m != nil {
					m.PermissionDenied.Inc()
				}
				out = append(out, wire.FromWrite{Kind: wire.FromWriteDenied})
				continue
			}
			if err := router.Publish(ctx, p, writeAddr, isDefault); err != nil {
				return nil, err
			}
			if m != nil {
				m.PublishTotal.Inc()
			}
			if feed != nil {
				feed.Publish("publish", p.String(), writeAddr.String())
			}
			out = append(out, wire.FromWrite{Kind: wire.FromWritePublished})
		case wire.ToWriteUnpublish:
			if err := router.Unpublish(ctx, p, writeAddr); err != nil {
				return nil, err
			}
			if m != nil {
				m.UnpublishTotal.Inc()
			}
			if feed != nil {
				feed.Publish("unpublish", p.String(), writeAddr.String())
			}
			out = append(out, wire.FromWrite{Kind: wire.FromWriteUnpublished})
		default:
			out = append(out, wire.FromWrite{Kind: wire.FromWriteError, ErrMsg: "unknown write op"})
		}
	}
	return out, nil
}

func pathStrings(ps []path.Path) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// timeNow is a seam so resolve-token timestamps can be controlled in tests.
var timeNow = time.Now

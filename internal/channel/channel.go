// Package channel wraps a duplex stream socket in the framed, batched
// carrier spec.md §4.2 describes: send_one/receive_one for the hello
// exchange, queue_send+flush/receive_batch for the steady-state batch loop.
package channel

import (
	"bufio"
	"net"

	"github.com/adred-codev/resolver/internal/wire"
)

// Encodable is implemented by every wire message type.
type Encodable interface {
	Encode(w *wire.Writer)
}

// Framer is the raw framed duplex carrier, used directly for the hello
// handshake (whose message types differ client-to-server vs
// server-to-client and so don't fit one Channel[Out, In] instantiation).
type Framer struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewFramer wraps conn, disabling Nagle's algorithm for low-latency framing
// as spec.md §6 requires.
func NewFramer(conn net.Conn) *Framer {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Framer{conn: conn, br: bufio.NewReaderSize(conn, 64<<10)}
}

func (f *Framer) Conn() net.Conn { return f.conn }

// SendOne encodes, frames, writes, and flushes a single message immediately.
func (f *Framer) SendOne(msg Encodable) error {
	w := wire.NewWriter(64)
	msg.Encode(w)
	return wire.WriteFrame(f.conn, w.Bytes())
}

// ReceiveOne reads one full frame and decodes exactly one message from it
// using the supplied decoder.
func (f *Framer) ReceiveOne(decode func(*wire.Reader) (any, error)) (any, error) {
	payload, err := wire.ReadFrame(f.br)
	if err != nil {
		return nil, err
	}
	return decode(wire.NewReader(payload))
}

// Channel[Out, In] carries Out-typed messages to the peer and decodes
// In-typed messages from it, reusing the Framer's buffered reader so bytes
// read during the hello exchange are never lost. A connection's read-only
// half uses Channel[wire.FromRead, wire.ToRead]; its write-only half uses
// Channel[wire.FromWrite, wire.ToWrite].
type Channel[Out Encodable, In any] struct {
	f         *Framer
	queued    []byte
	decodeOne func(*wire.Reader) (In, error)
}

// NewChannel builds the steady-state batch channel on top of an already
// handshaked Framer.
func NewChannel[Out Encodable, In any](f *Framer, decodeOne func(*wire.Reader) (In, error)) *Channel[Out, In] {
	return &Channel[Out, In]{f: f, decodeOne: decodeOne}
}

func (c *Channel[Out, In]) Conn() net.Conn { return c.f.conn }

// QueueSend appends one encoded message to the outbound buffer without
// writing to the socket.
func (c *Channel[Out, In]) QueueSend(msg Out) {
	w := wire.NewWriter(64)
	msg.Encode(w)
	c.queued = append(c.queued, w.Bytes()...)
}

// Flush writes every queued message as a single framed batch and clears the
// queue. A no-op (no frame sent) if nothing is queued.
func (c *Channel[Out, In]) Flush() error {
	if len(c.queued) == 0 {
		return nil
	}
	payload := c.queued
	c.queued = nil
	return wire.WriteFrame(c.f.conn, payload)
}

// Pending reports how many bytes are queued but not yet flushed.
func (c *Channel[Out, In]) Pending() int { return len(c.queued) }

// ReceiveBatch blocks until at least one frame has arrived, then decodes
// every message packed into it, appending to out and returning the grown
// slice. Matches spec.md §4.1's "drain all items from a fully-received
// frame before reading the next frame."
func (c *Channel[Out, In]) ReceiveBatch(out []In) ([]In, error) {
	payload, err := wire.ReadFrame(c.f.br)
	if err != nil {
		return out, err
	}
	r := wire.NewReader(payload)
	for !r.Done() {
		m, err := c.decodeOne(r)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Close closes the underlying socket.
func (c *Channel[Out, In]) Close() error { return c.f.conn.Close() }

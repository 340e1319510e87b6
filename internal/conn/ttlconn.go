package conn

import "net"

// ttlConn wraps a net.Conn and notifies onRead after every successful Read,
// so the batch loop can reset its TTL timer on any received byte rather
// than only on fully-decoded messages (spec.md §4.5: "Any received byte
// resets the TTL timer").
type ttlConn struct {
	net.Conn
	onRead func()
}

func (c *ttlConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.onRead != nil {
		c.onRead()
	}
	return n, err
}

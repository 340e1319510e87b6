package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

// Decode failure kinds named in spec.md §7. These terminate the connection
// when they surface from the channel's receive path.
var (
	ErrUnknownTag   = errors.New("wire: unknown tag")
	ErrInvalidFormat = errors.New("wire: invalid format")
	ErrTooBig       = errors.New("wire: frame too big")
)

// MaxFrameBytes is the recommended frame-size ceiling from spec.md §4.1.
const MaxFrameBytes = 64 << 20

// Writer accumulates an encoded payload into a growable byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hinted by sizeHint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteBytes writes a u32-length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString writes a u32-length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteOptionalString writes the 1-byte present/absent tag, then the string
// if present.
func (w *Writer) WriteOptionalString(s *string) {
	if s == nil {
		w.WriteU8(0)
		return
	}
	w.WriteU8(1)
	w.WriteString(*s)
}

// WriteOptionalBytes mirrors WriteOptionalString for []byte.
func (w *Writer) WriteOptionalBytes(b []byte, present bool) {
	if !present {
		w.WriteU8(0)
		return
	}
	w.WriteU8(1)
	w.WriteBytes(b)
}

func (w *Writer) WriteAddress(a Address) {
	ip16 := a.IP.As16()
	w.buf = append(w.buf, ip16[:]...)
	w.WriteBool(a.IP.Is4())
	w.WriteU16(a.Port)
}

func (w *Writer) WriteStringSlice(ss []string) {
	w.WriteU32(uint32(len(ss)))
	for _, s := range ss {
		w.WriteString(s)
	}
}

func (w *Writer) WriteReferral(r Referral) {
	w.WriteString(r.Path)
	w.WriteStringSlice(r.Targets)
}

// Reader decodes a payload produced by Writer, advancing a cursor.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidFormat, n, r.remaining())
	}
	return nil
}

func (r *Reader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("%w: invalid bool byte %d", ErrInvalidFormat, v)
	}
	return v == 1, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.remaining() {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d", ErrInvalidFormat, n, r.remaining())
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrInvalidFormat)
	}
	return string(b), nil
}

func (r *Reader) ReadOptionalString() (*string, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: optional tag %d", ErrInvalidFormat, tag)
	}
}

func (r *Reader) ReadOptionalBytes() ([]byte, bool, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return nil, false, err
	}
	switch tag {
	case 0:
		return nil, false, nil
	case 1:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	default:
		return nil, false, fmt.Errorf("%w: optional tag %d", ErrInvalidFormat, tag)
	}
}

func (r *Reader) ReadAddress() (Address, error) {
	if err := r.need(16); err != nil {
		return Address{}, err
	}
	var raw [16]byte
	copy(raw[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	is4, err := r.ReadBool()
	if err != nil {
		return Address{}, err
	}
	port, err := r.ReadU16()
	if err != nil {
		return Address{}, err
	}
	addr := netip.AddrFrom16(raw)
	if is4 {
		addr = addr.Unmap()
	}
	return Address{IP: addr, Port: port}, nil
}

func (r *Reader) ReadStringSlice() ([]string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.remaining() {
		return nil, fmt.Errorf("%w: string slice length %d implausible", ErrInvalidFormat, n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Reader) ReadReferral() (Referral, error) {
	path, err := r.ReadString()
	if err != nil {
		return Referral{}, err
	}
	targets, err := r.ReadStringSlice()
	if err != nil {
		return Referral{}, err
	}
	return Referral{Path: path, Targets: targets}, nil
}

// Done reports whether the reader has consumed the entire buffer.
func (r *Reader) Done() bool { return r.remaining() == 0 }

// Remaining exposes the unconsumed tail, used by batch decoders that loop
// until the payload is exhausted.
func (r *Reader) Remaining() int { return r.remaining() }

package wire

import "fmt"

// Every message below implements Encode and has a matching Decode<Type>
// function. No separate encoded-length method exists; Writer.Len reports
// the size once a message has been encoded. Tag bytes match each type's
// declaration order in spec.md §6, starting at 0.

// ---- Hello handshake ----

// ClientAuthRead is the read-side authentication choice.
type ClientAuthRead struct {
	Kind     ClientAuthReadKind
	ReuseCtx CtxID  // valid when Kind == AuthReuse
	Initiate []byte // valid when Kind == AuthInitiate
}

type ClientAuthReadKind uint8

const (
	AuthAnonymous ClientAuthReadKind = iota
	AuthReuse
	AuthInitiate
)

func (a ClientAuthRead) Encode(w *Writer) {
	w.WriteU8(uint8(a.Kind))
	switch a.Kind {
	case AuthAnonymous:
	case AuthReuse:
		w.WriteU64(uint64(a.ReuseCtx))
	case AuthInitiate:
		w.WriteBytes(a.Initiate)
	}
}

func DecodeClientAuthRead(r *Reader) (ClientAuthRead, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ClientAuthRead{}, err
	}
	switch ClientAuthReadKind(tag) {
	case AuthAnonymous:
		return ClientAuthRead{Kind: AuthAnonymous}, nil
	case AuthReuse:
		id, err := r.ReadU64()
		if err != nil {
			return ClientAuthRead{}, err
		}
		return ClientAuthRead{Kind: AuthReuse, ReuseCtx: CtxID(id)}, nil
	case AuthInitiate:
		b, err := r.ReadBytes()
		if err != nil {
			return ClientAuthRead{}, err
		}
		return ClientAuthRead{Kind: AuthInitiate, Initiate: b}, nil
	default:
		return ClientAuthRead{}, fmt.Errorf("%w: ClientAuthRead tag %d", ErrUnknownTag, tag)
	}
}

// ClientAuthWriteKind mirrors ClientAuthRead's shape for the write side,
// except Initiate carries an optional SPN plus a token.
type ClientAuthWriteKind uint8

const (
	WriteAuthAnonymous ClientAuthWriteKind = iota
	WriteAuthReuse
	WriteAuthInitiate
)

type ClientAuthWrite struct {
	Kind  ClientAuthWriteKind
	SPN   *string // optional, valid when Kind == WriteAuthInitiate
	Token []byte  // valid when Kind == WriteAuthInitiate
}

func (a ClientAuthWrite) Encode(w *Writer) {
	w.WriteU8(uint8(a.Kind))
	if a.Kind == WriteAuthInitiate {
		w.WriteOptionalString(a.SPN)
		w.WriteBytes(a.Token)
	}
}

func DecodeClientAuthWrite(r *Reader) (ClientAuthWrite, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ClientAuthWrite{}, err
	}
	switch ClientAuthWriteKind(tag) {
	case WriteAuthAnonymous:
		return ClientAuthWrite{Kind: WriteAuthAnonymous}, nil
	case WriteAuthReuse:
		return ClientAuthWrite{Kind: WriteAuthReuse}, nil
	case WriteAuthInitiate:
		spn, err := r.ReadOptionalString()
		if err != nil {
			return ClientAuthWrite{}, err
		}
		token, err := r.ReadBytes()
		if err != nil {
			return ClientAuthWrite{}, err
		}
		return ClientAuthWrite{Kind: WriteAuthInitiate, SPN: spn, Token: token}, nil
	default:
		return ClientAuthWrite{}, fmt.Errorf("%w: ClientAuthWrite tag %d", ErrUnknownTag, tag)
	}
}

// ClientHelloWrite is the write-only hello payload.
type ClientHelloWrite struct {
	WriteAddr Address
	Auth      ClientAuthWrite
	TTLSecs   uint32
}

func (h ClientHelloWrite) Encode(w *Writer) {
	w.WriteAddress(h.WriteAddr)
	h.Auth.Encode(w)
	w.WriteU32(h.TTLSecs)
}

func DecodeClientHelloWrite(r *Reader) (ClientHelloWrite, error) {
	addr, err := r.ReadAddress()
	if err != nil {
		return ClientHelloWrite{}, err
	}
	auth, err := DecodeClientAuthWrite(r)
	if err != nil {
		return ClientHelloWrite{}, err
	}
	ttl, err := r.ReadU32()
	if err != nil {
		return ClientHelloWrite{}, err
	}
	return ClientHelloWrite{WriteAddr: addr, Auth: auth, TTLSecs: ttl}, nil
}

// ClientHelloKind discriminates the first frame a client sends.
type ClientHelloKind uint8

const (
	HelloReadOnly ClientHelloKind = iota
	HelloWriteOnly
)

// ClientHello is the first frame sent in either direction by the client.
type ClientHello struct {
	Kind  ClientHelloKind
	Read  ClientAuthRead   // valid when Kind == HelloReadOnly
	Write ClientHelloWrite // valid when Kind == HelloWriteOnly
}

func (h ClientHello) Encode(w *Writer) {
	w.WriteU8(uint8(h.Kind))
	switch h.Kind {
	case HelloReadOnly:
		h.Read.Encode(w)
	case HelloWriteOnly:
		h.Write.Encode(w)
	}
}

func DecodeClientHello(r *Reader) (ClientHello, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ClientHello{}, err
	}
	switch ClientHelloKind(tag) {
	case HelloReadOnly:
		a, err := DecodeClientAuthRead(r)
		if err != nil {
			return ClientHello{}, err
		}
		return ClientHello{Kind: HelloReadOnly, Read: a}, nil
	case HelloWriteOnly:
		w, err := DecodeClientHelloWrite(r)
		if err != nil {
			return ClientHello{}, err
		}
		return ClientHello{Kind: HelloWriteOnly, Write: w}, nil
	default:
		return ClientHello{}, fmt.Errorf("%w: ClientHello tag %d", ErrUnknownTag, tag)
	}
}

// ServerHelloReadKind discriminates the server's reply to a read hello.
type ServerHelloReadKind uint8

const (
	ServerReadAnonymous ServerHelloReadKind = iota
	ServerReadReused
	ServerReadAccepted
)

type ServerHelloRead struct {
	Kind  ServerHelloReadKind
	Token []byte // valid when Kind == ServerReadAccepted
	Ctx   CtxID  // valid when Kind == ServerReadAccepted
}

func (h ServerHelloRead) Encode(w *Writer) {
	w.WriteU8(uint8(h.Kind))
	if h.Kind == ServerReadAccepted {
		w.WriteBytes(h.Token)
		w.WriteU64(uint64(h.Ctx))
	}
}

func DecodeServerHelloRead(r *Reader) (ServerHelloRead, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ServerHelloRead{}, err
	}
	switch ServerHelloReadKind(tag) {
	case ServerReadAnonymous:
		return ServerHelloRead{Kind: ServerReadAnonymous}, nil
	case ServerReadReused:
		return ServerHelloRead{Kind: ServerReadReused}, nil
	case ServerReadAccepted:
		tok, err := r.ReadBytes()
		if err != nil {
			return ServerHelloRead{}, err
		}
		ctx, err := r.ReadU64()
		if err != nil {
			return ServerHelloRead{}, err
		}
		return ServerHelloRead{Kind: ServerReadAccepted, Token: tok, Ctx: CtxID(ctx)}, nil
	default:
		return ServerHelloRead{}, fmt.Errorf("%w: ServerHelloRead tag %d", ErrUnknownTag, tag)
	}
}

// ServerAuthWriteKind discriminates the auth portion of a write-hello reply.
type ServerAuthWriteKind uint8

const (
	ServerWriteAnonymous ServerAuthWriteKind = iota
	ServerWriteReused
	ServerWriteAccepted
)

type ServerAuthWrite struct {
	Kind  ServerAuthWriteKind
	Token []byte // valid when Kind == ServerWriteAccepted
}

func (a ServerAuthWrite) Encode(w *Writer) {
	w.WriteU8(uint8(a.Kind))
	if a.Kind == ServerWriteAccepted {
		w.WriteBytes(a.Token)
	}
}

func DecodeServerAuthWrite(r *Reader) (ServerAuthWrite, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ServerAuthWrite{}, err
	}
	switch ServerAuthWriteKind(tag) {
	case ServerWriteAnonymous:
		return ServerAuthWrite{Kind: ServerWriteAnonymous}, nil
	case ServerWriteReused:
		return ServerAuthWrite{Kind: ServerWriteReused}, nil
	case ServerWriteAccepted:
		tok, err := r.ReadBytes()
		if err != nil {
			return ServerAuthWrite{}, err
		}
		return ServerAuthWrite{Kind: ServerWriteAccepted, Token: tok}, nil
	default:
		return ServerAuthWrite{}, fmt.Errorf("%w: ServerAuthWrite tag %d", ErrUnknownTag, tag)
	}
}

// ServerHelloWrite is the server's reply to a write-only hello.
type ServerHelloWrite struct {
	TTLExpired bool
	ResolverID ResolverID
	Auth       ServerAuthWrite
}

func (h ServerHelloWrite) Encode(w *Writer) {
	w.WriteBool(h.TTLExpired)
	w.WriteU64(uint64(h.ResolverID))
	h.Auth.Encode(w)
}

func DecodeServerHelloWrite(r *Reader) (ServerHelloWrite, error) {
	expired, err := r.ReadBool()
	if err != nil {
		return ServerHelloWrite{}, err
	}
	rid, err := r.ReadU64()
	if err != nil {
		return ServerHelloWrite{}, err
	}
	auth, err := DecodeServerAuthWrite(r)
	if err != nil {
		return ServerHelloWrite{}, err
	}
	return ServerHelloWrite{TTLExpired: expired, ResolverID: ResolverID(rid), Auth: auth}, nil
}

// ---- Read-channel batch messages ----

type ToReadKind uint8

const (
	ToReadResolve ToReadKind = iota
	ToReadList
	ToReadTable
)

// ToRead is one logical request on the read channel.
type ToRead struct {
	Kind ToReadKind
	Path string
}

func (m ToRead) Encode(w *Writer) {
	w.WriteU8(uint8(m.Kind))
	w.WriteString(m.Path)
}

func DecodeToRead(r *Reader) (ToRead, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ToRead{}, err
	}
	if tag > uint8(ToReadTable) {
		return ToRead{}, fmt.Errorf("%w: ToRead tag %d", ErrUnknownTag, tag)
	}
	p, err := r.ReadString()
	if err != nil {
		return ToRead{}, err
	}
	return ToRead{Kind: ToReadKind(tag), Path: p}, nil
}

// ResolvedEntry pairs a live publisher address with the signed permission
// token the SecStore produced for it.
type ResolvedEntry struct {
	Addr  Address
	Token []byte
}

type FromReadKind uint8

const (
	FromReadResolved FromReadKind = iota
	FromReadListResult
	FromReadTableResult
	FromReadReferral
	FromReadDenied
	FromReadError
)

// FromRead is one logical reply on the read channel.
type FromRead struct {
	Kind FromReadKind

	// Resolved fields
	Resolver    ResolverID
	Timestamp   uint64
	Permissions Permission
	Entries     []ResolvedEntry

	// List fields
	Paths []string

	// Table fields
	Rows []string
	Cols []ColumnCount

	// Referral field
	Ref Referral

	// Error field
	ErrMsg string
}

// ColumnCount is one row of the `columns` aggregation.
type ColumnCount struct {
	Name  string
	Count uint32
}

func (m FromRead) Encode(w *Writer) {
	w.WriteU8(uint8(m.Kind))
	switch m.Kind {
	case FromReadResolved:
		w.WriteU64(uint64(m.Resolver))
		w.WriteU64(m.Timestamp)
		w.WriteU8(uint8(m.Permissions))
		w.WriteU32(uint32(len(m.Entries)))
		for _, e := range m.Entries {
			w.WriteAddress(e.Addr)
			w.WriteBytes(e.Token)
		}
	case FromReadListResult:
		w.WriteStringSlice(m.Paths)
	case FromReadTableResult:
		w.WriteStringSlice(m.Rows)
		w.WriteU32(uint32(len(m.Cols)))
		for _, c := range m.Cols {
			w.WriteString(c.Name)
			w.WriteU32(c.Count)
		}
	case FromReadReferral:
		w.WriteReferral(m.Ref)
	case FromReadDenied:
	case FromReadError:
		w.WriteString(m.ErrMsg)
	}
}

func DecodeFromRead(r *Reader) (FromRead, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return FromRead{}, err
	}
	switch FromReadKind(tag) {
	case FromReadResolved:
		resolver, err := r.ReadU64()
		if err != nil {
			return FromRead{}, err
		}
		ts, err := r.ReadU64()
		if err != nil {
			return FromRead{}, err
		}
		permByte, err := r.ReadU8()
		if err != nil {
			return FromRead{}, err
		}
		n, err := r.ReadU32()
		if err != nil {
			return FromRead{}, err
		}
		if int(n) > r.Remaining() {
			return FromRead{}, fmt.Errorf("%w: Resolved entry count %d implausible", ErrInvalidFormat, n)
		}
		entries := make([]ResolvedEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			addr, err := r.ReadAddress()
			if err != nil {
				return FromRead{}, err
			}
			tok, err := r.ReadBytes()
			if err != nil {
				return FromRead{}, err
			}
			entries = append(entries, ResolvedEntry{Addr: addr, Token: tok})
		}
		return FromRead{Kind: FromReadResolved, Resolver: ResolverID(resolver), Timestamp: ts,
			Permissions: Permission(permByte), Entries: entries}, nil
	case FromReadListResult:
		paths, err := r.ReadStringSlice()
		if err != nil {
			return FromRead{}, err
		}
		return FromRead{Kind: FromReadListResult, Paths: paths}, nil
	case FromReadTableResult:
		rows, err := r.ReadStringSlice()
		if err != nil {
			return FromRead{}, err
		}
		n, err := r.ReadU32()
		if err != nil {
			return FromRead{}, err
		}
		if int(n) > r.Remaining() {
			return FromRead{}, fmt.Errorf("%w: Table column count %d implausible", ErrInvalidFormat, n)
		}
		cols := make([]ColumnCount, 0, n)
		for i := uint32(0); i < n; i++ {
			name, err := r.ReadString()
			if err != nil {
				return FromRead{}, err
			}
			count, err := r.ReadU32()
			if err != nil {
				return FromRead{}, err
			}
			cols = append(cols, ColumnCount{Name: name, Count: count})
		}
		return FromRead{Kind: FromReadTableResult, Rows: rows, Cols: cols}, nil
	case FromReadReferral:
		ref, err := r.ReadReferral()
		if err != nil {
			return FromRead{}, err
		}
		return FromRead{Kind: FromReadReferral, Ref: ref}, nil
	case FromReadDenied:
		return FromRead{Kind: FromReadDenied}, nil
	case FromReadError:
		msg, err := r.ReadString()
		if err != nil {
			return FromRead{}, err
		}
		return FromRead{Kind: FromReadError, ErrMsg: msg}, nil
	default:
		return FromRead{}, fmt.Errorf("%w: FromRead tag %d", ErrUnknownTag, tag)
	}
}

// ---- Write-channel batch messages ----

type ToWriteKind uint8

const (
	ToWritePublish ToWriteKind = iota
	ToWritePublishDefault
	ToWriteUnpublish
	ToWriteClear
	ToWriteHeartbeat
)

// ToWrite is one logical request on the write channel.
type ToWrite struct {
	Kind ToWriteKind
	Path string // valid for Publish/PublishDefault/Unpublish
}

func (m ToWrite) Encode(w *Writer) {
	w.WriteU8(uint8(m.Kind))
	switch m.Kind {
	case ToWritePublish, ToWritePublishDefault, ToWriteUnpublish:
		w.WriteString(m.Path)
	}
}

func DecodeToWrite(r *Reader) (ToWrite, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return ToWrite{}, err
	}
	switch ToWriteKind(tag) {
	case ToWritePublish, ToWritePublishDefault, ToWriteUnpublish:
		p, err := r.ReadString()
		if err != nil {
			return ToWrite{}, err
		}
		return ToWrite{Kind: ToWriteKind(tag), Path: p}, nil
	case ToWriteClear, ToWriteHeartbeat:
		return ToWrite{Kind: ToWriteKind(tag)}, nil
	default:
		return ToWrite{}, fmt.Errorf("%w: ToWrite tag %d", ErrUnknownTag, tag)
	}
}

type FromWriteKind uint8

const (
	FromWritePublished FromWriteKind = iota
	FromWriteUnpublished
	FromWriteReferral
	FromWriteDenied
	FromWriteError
)

// FromWrite is one logical reply on the write channel.
type FromWrite struct {
	Kind   FromWriteKind
	Ref    Referral // valid when Kind == FromWriteReferral
	ErrMsg string   // valid when Kind == FromWriteError
}

func (m FromWrite) Encode(w *Writer) {
	w.WriteU8(uint8(m.Kind))
	switch m.Kind {
	case FromWriteReferral:
		w.WriteReferral(m.Ref)
	case FromWriteError:
		w.WriteString(m.ErrMsg)
	}
}

func DecodeFromWrite(r *Reader) (FromWrite, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return FromWrite{}, err
	}
	switch FromWriteKind(tag) {
	case FromWritePublished, FromWriteUnpublished, FromWriteDenied:
		return FromWrite{Kind: FromWriteKind(tag)}, nil
	case FromWriteReferral:
		ref, err := r.ReadReferral()
		if err != nil {
			return FromWrite{}, err
		}
		return FromWrite{Kind: FromWriteReferral, Ref: ref}, nil
	case FromWriteError:
		msg, err := r.ReadString()
		if err != nil {
			return FromWrite{}, err
		}
		return FromWrite{Kind: FromWriteError, ErrMsg: msg}, nil
	default:
		return FromWrite{}, fmt.Errorf("%w: FromWrite tag %d", ErrUnknownTag, tag)
	}
}

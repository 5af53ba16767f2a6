package msgrpc

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// ErrMessageTooLarge is returned when a message, complete or still arriving,
// is larger than the unpacker's size limit.
var ErrMessageTooLarge = errors.New("message too large")

// maxPackDepth bounds nesting and fallback conversion chains.
const maxPackDepth = 64

// WireFormer is implemented by values that know how to turn themselves into
// something MessagePack can encode (scalars, []any, map[string]any, ...).
type WireFormer interface {
	WireForm() any
}

// FallbackFunc converts a value the packer cannot encode into one it can.
type FallbackFunc func(v any) (any, error)

// Packer serializes messages. It holds no per-call state and is safe for
// concurrent use.
//
// Values are encoded with msgp.AppendIntf. Types implementing msgp.Marshaler
// encode themselves, types implementing WireFormer are converted first, and
// anything still unsupported goes through the fallback, if set.
type Packer struct {
	fallback FallbackFunc
}

// NewPacker returns a Packer using fallback for otherwise unsupported values.
// fallback may be nil.
func NewPacker(fallback FallbackFunc) *Packer {
	return &Packer{fallback: fallback}
}

// Pack returns the encoding of msg.
func (p *Packer) Pack(msg Message) ([]byte, error) {
	return p.Append(nil, msg)
}

// Append appends the encoding of msg to b. On error the returned slice
// must be discarded.
func (p *Packer) Append(b []byte, msg Message) ([]byte, error) {
	if msg == nil {
		return b, errors.New("pack: nil message")
	}
	return msg.appendTo(p, b)
}

func (r *Request) appendTo(p *Packer, b []byte) ([]byte, error) {
	if r == nil {
		return b, errors.New("pack: nil request")
	}
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendInt(b, int(TypeRequest))
	b = msgp.AppendUint32(b, r.MsgID)
	b = msgp.AppendString(b, r.Method)
	return p.appendParams(b, r.Params)
}

func (r *Response) appendTo(p *Packer, b []byte) ([]byte, error) {
	if r == nil {
		return b, errors.New("pack: nil response")
	}
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendInt(b, int(TypeResponse))
	b = msgp.AppendUint32(b, r.MsgID)
	b, err := p.appendValue(b, r.Error, 0)
	if err != nil {
		return b, errors.Wrap(err, "pack response error")
	}
	b, err = p.appendValue(b, r.Result, 0)
	if err != nil {
		return b, errors.Wrap(err, "pack response result")
	}
	return b, nil
}

func (n *Notify) appendTo(p *Packer, b []byte) ([]byte, error) {
	if n == nil {
		return b, errors.New("pack: nil notify")
	}
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendInt(b, int(TypeNotify))
	b = msgp.AppendString(b, n.Method)
	return p.appendParams(b, n.Params)
}

// appendParams always writes an array; nil params become [].
func (p *Packer) appendParams(b []byte, params []any) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, uint32(len(params)))
	for i, v := range params {
		var err error
		if b, err = p.appendValue(b, v, 1); err != nil {
			return b, errors.Wrapf(err, "pack param %d", i)
		}
	}
	return b, nil
}

func (p *Packer) appendValue(b []byte, v any, depth int) ([]byte, error) {
	if depth > maxPackDepth {
		return b, errors.New("value nested too deeply")
	}

	switch t := v.(type) {
	case nil:
		return msgp.AppendNil(b), nil
	case msgp.Marshaler:
		return t.MarshalMsg(b)
	case WireFormer:
		return p.appendValue(b, t.WireForm(), depth+1)
	case []any:
		b = msgp.AppendArrayHeader(b, uint32(len(t)))
		for _, e := range t {
			var err error
			if b, err = p.appendValue(b, e, depth+1); err != nil {
				return b, err
			}
		}
		return b, nil
	case map[string]any:
		b = msgp.AppendMapHeader(b, uint32(len(t)))
		for k, e := range t {
			b = msgp.AppendString(b, k)
			var err error
			if b, err = p.appendValue(b, e, depth+1); err != nil {
				return b, err
			}
		}
		return b, nil
	}

	o, err := msgp.AppendIntf(b, v)
	if err == nil {
		return o, nil
	}
	if p.fallback == nil {
		return b, errors.Wrapf(err, "pack %T", v)
	}
	w, ferr := p.fallback(v)
	if ferr != nil {
		return b, errors.Wrapf(ferr, "fallback for %T", v)
	}
	return p.appendValue(b, w, depth+1)
}

// Unpacker incrementally decodes a byte stream into messages.
//
// Feed appends bytes; Next yields each complete message in arrival order and
// leaves a trailing partial message buffered for the next Feed. An Unpacker
// is owned by a single reader and is not safe for concurrent use.
//
// A message is only decoded once all of its bytes have arrived. Until then
// its headers are walked without allocating, resuming where the previous
// walk stopped.
type Unpacker struct {
	buf      []byte
	off      int
	consumed int
	limit    int
	err      error
	scan     frameScanner
}

// NewUnpacker returns an Unpacker. A positive limit caps the size of a
// single message, complete or not; zero disables the cap.
func NewUnpacker(limit int) *Unpacker {
	return &Unpacker{limit: limit}
}

// Feed appends data to the internal buffer. It never blocks and never fails.
func (u *Unpacker) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	switch {
	case u.off == len(u.buf):
		u.buf = u.buf[:0]
		u.off = 0
	case u.off > len(u.buf)/2:
		n := copy(u.buf, u.buf[u.off:])
		u.buf = u.buf[:n]
		u.off = 0
	}
	u.buf = append(u.buf, data...)
}

// Buffered returns the number of bytes fed but not yet decoded.
func (u *Unpacker) Buffered() int {
	return len(u.buf) - u.off
}

// Next decodes the next complete message.
//
// Returns:
//   - msg, true, nil: a message was decoded
//   - nil, false, nil: no complete message is buffered yet
//   - nil, false, err: the stream is malformed (*DecodeError), violates the
//     RPC shape (ErrProtocol) or exceeds the size limit (ErrMessageTooLarge).
//     The error is sticky: every later call returns it.
func (u *Unpacker) Next() (Message, bool, error) {
	if u.err != nil {
		return nil, false, u.err
	}

	rest := u.buf[u.off:]
	if len(rest) == 0 {
		return nil, false, nil
	}

	n, complete, err := u.scan.walk(rest)
	if err != nil {
		u.err = &DecodeError{Offset: u.consumed + u.scan.pos, Err: err}
		return nil, false, u.err
	}
	size := len(rest)
	if complete {
		size = n
	}
	if u.limit > 0 && size > u.limit {
		u.err = errors.Wrapf(ErrMessageTooLarge, "%d bytes, limit %d", size, u.limit)
		return nil, false, u.err
	}
	if !complete {
		return nil, false, nil
	}

	frame := rest[:n]
	u.scan = frameScanner{open: u.scan.open[:0]}
	u.off += n
	u.consumed += n

	v, _, err := msgp.ReadIntfBytes(frame)
	if err != nil {
		u.err = &DecodeError{Offset: u.consumed - n, Err: err}
		return nil, false, u.err
	}

	msg, err := decodeMessage(v)
	if err != nil {
		u.err = err
		return nil, false, err
	}
	return msg, true, nil
}

// frameScanner finds where one MessagePack value ends. It reads container
// headers and skips scalars, so a header announcing a huge count costs
// nothing until the elements actually arrive. State survives a short
// buffer, so each byte is walked once.
type frameScanner struct {
	pos     int   // bytes of the current value walked so far
	open    []int // elements still expected by each open container
	started bool
}

// walk continues over b, which starts at the current value and may have
// grown since the last call. It returns the value's length once complete.
func (s *frameScanner) walk(b []byte) (n int, complete bool, err error) {
	for {
		for len(s.open) > 0 && s.open[len(s.open)-1] == 0 {
			s.open = s.open[:len(s.open)-1]
		}
		if s.started && len(s.open) == 0 {
			return s.pos, true, nil
		}
		if s.pos >= len(b) {
			return s.pos, false, nil
		}

		cur := b[s.pos:]
		var (
			rest  []byte
			count int
			isBox bool
		)
		switch msgp.NextType(cur) {
		case msgp.ArrayType:
			var sz uint32
			sz, rest, err = msgp.ReadArrayHeaderBytes(cur)
			count, isBox = int(sz), true
		case msgp.MapType:
			var sz uint32
			sz, rest, err = msgp.ReadMapHeaderBytes(cur)
			count, isBox = 2*int(sz), true
		default:
			rest, err = msgp.Skip(cur)
		}
		if err != nil {
			if isShort(err) {
				return s.pos, false, nil
			}
			return 0, false, err
		}
		if isBox && len(s.open) >= maxPackDepth {
			return 0, false, errors.Errorf("nesting deeper than %d", maxPackDepth)
		}

		s.started = true
		s.pos += len(cur) - len(rest)
		if len(s.open) > 0 {
			s.open[len(s.open)-1]--
		}
		if isBox {
			s.open = append(s.open, count)
		}
	}
}

func isShort(err error) bool {
	return msgp.Cause(err) == msgp.ErrShortBytes || errors.Is(err, msgp.ErrShortBytes)
}

// decodeMessage classifies a decoded MessagePack value as one of the three
// message variants.
func decodeMessage(v any) (Message, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, protocolErrorf("message is %T, want array", v)
	}
	if len(arr) != 3 && len(arr) != 4 {
		return nil, protocolErrorf("message has %d elements", len(arr))
	}

	tag, ok := toUint32(arr[0])
	switch {
	case ok && tag == uint32(TypeRequest) && len(arr) == 4:
		msgid, ok := toUint32(arr[1])
		if !ok {
			return nil, protocolErrorf("request msgid is %T", arr[1])
		}
		method, ok := toString(arr[2])
		if !ok {
			return nil, protocolErrorf("request method is %T", arr[2])
		}
		params, ok := toParams(arr[3])
		if !ok {
			return nil, protocolErrorf("request params is %T", arr[3])
		}
		return &Request{MsgID: msgid, Method: method, Params: params}, nil

	case ok && tag == uint32(TypeResponse) && len(arr) == 4:
		msgid, ok := toUint32(arr[1])
		if !ok {
			return nil, protocolErrorf("response msgid is %T", arr[1])
		}
		return &Response{MsgID: msgid, Error: arr[2], Result: arr[3]}, nil

	case ok && tag == uint32(TypeNotify) && len(arr) == 3:
		method, ok := toString(arr[1])
		if !ok {
			return nil, protocolErrorf("notify method is %T", arr[1])
		}
		params, ok := toParams(arr[2])
		if !ok {
			return nil, protocolErrorf("notify params is %T", arr[2])
		}
		return &Notify{Method: method, Params: params}, nil
	}

	return nil, protocolErrorf("unexpected message type %v with %d elements", arr[0], len(arr))
}

// toUint32 accepts any integer kind msgp may produce for a small unsigned value.
func toUint32(v any) (uint32, bool) {
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case uint64:
		if t > math.MaxUint32 {
			return 0, false
		}
		return uint32(t), true
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case uint8:
		return uint32(t), true
	case uint16:
		return uint32(t), true
	case uint32:
		return t, true
	default:
		return 0, false
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// toString accepts str, and bin for peers that encode strings as raw bytes.
func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

func toParams(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case nil:
		return []any{}, true
	}
	return nil, false
}

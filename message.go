package msgrpc

// MessageType is the first element of every msgpack-rpc message.
type MessageType uint8

// Wire-level message type tags.
const (
	TypeRequest  MessageType = 0
	TypeResponse MessageType = 1
	TypeNotify   MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Message is one of *Request, *Response or *Notify.
// The set is closed: no other type can satisfy the interface, so a type
// switch over the three variants is exhaustive.
type Message interface {
	// Type returns the wire type tag of the message.
	Type() MessageType

	appendTo(p *Packer, b []byte) ([]byte, error)
}

// Request is [0, msgid, method, params].
type Request struct {
	MsgID  uint32
	Method string
	Params []any
}

// Response is [1, msgid, error, result].
// Error is nil on success; any other value is application defined.
type Response struct {
	MsgID  uint32
	Error  any
	Result any
}

// Notify is [2, method, params]. It never gets a response.
type Notify struct {
	Method string
	Params []any
}

func (*Request) Type() MessageType  { return TypeRequest }
func (*Response) Type() MessageType { return TypeResponse }
func (*Notify) Type() MessageType   { return TypeNotify }

// Handler receives decoded messages from a connection's read loop.
//
// All three methods are called synchronously from the read loop, in the
// order the messages were decoded from the stream. OnResponse must not block.
// OnRequest and OnNotify should hand long-running work to another goroutine;
// a request handler answers by writing a *Response to conn.
type Handler interface {
	OnRequest(conn *Conn, req *Request)
	OnNotify(conn *Conn, n *Notify)
	OnResponse(conn *Conn, resp *Response)
}

// Session is the client-side collaborator: a Handler that is also told when
// the client gives up connecting.
type Session interface {
	Handler
	// OnConnectFailed is called once each time the reconnect limit is exhausted.
	// err is a *ConnectFailedError.
	OnConnectFailed(err error)
}

// HandlerFuncs adapts plain functions to Session. Nil fields are ignored,
// which makes it convenient for servers that never receive responses.
type HandlerFuncs struct {
	Request       func(conn *Conn, req *Request)
	Notify        func(conn *Conn, n *Notify)
	Response      func(conn *Conn, resp *Response)
	ConnectFailed func(err error)
}

var _ Session = HandlerFuncs{}

func (h HandlerFuncs) OnRequest(conn *Conn, req *Request) {
	if h.Request != nil {
		h.Request(conn, req)
	}
}

func (h HandlerFuncs) OnNotify(conn *Conn, n *Notify) {
	if h.Notify != nil {
		h.Notify(conn, n)
	}
}

func (h HandlerFuncs) OnResponse(conn *Conn, resp *Response) {
	if h.Response != nil {
		h.Response(conn, resp)
	}
}

func (h HandlerFuncs) OnConnectFailed(err error) {
	if h.ConnectFailed != nil {
		h.ConnectFailed(err)
	}
}

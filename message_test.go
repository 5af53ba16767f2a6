package msgrpc

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/pkg/errors"
)

func TestHandlerFuncs(t *testing.T) {
	var got []string
	h := HandlerFuncs{
		Request:       func(conn *Conn, req *Request) { got = append(got, "request "+req.Method) },
		Notify:        func(conn *Conn, n *Notify) { got = append(got, "notify "+n.Method) },
		Response:      func(conn *Conn, resp *Response) { got = append(got, fmt.Sprintf("response %d", resp.MsgID)) },
		ConnectFailed: func(err error) { got = append(got, "failed") },
	}

	h.OnRequest(nil, &Request{Method: "a"})
	h.OnNotify(nil, &Notify{Method: "b"})
	h.OnResponse(nil, &Response{MsgID: 3})
	h.OnConnectFailed(errors.New("x"))

	want := []string{"request a", "notify b", "response 3", "failed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHandlerFuncs_NilFields(t *testing.T) {
	var h HandlerFuncs

	// None of these should panic.
	h.OnRequest(nil, &Request{})
	h.OnNotify(nil, &Notify{})
	h.OnResponse(nil, &Response{})
	h.OnConnectFailed(nil)
}

func TestMessage_Type(t *testing.T) {
	cases := []struct {
		msg  Message
		want MessageType
	}{
		{&Request{}, TypeRequest},
		{&Response{}, TypeResponse},
		{&Notify{}, TypeNotify},
	}
	for _, tc := range cases {
		if got := tc.msg.Type(); got != tc.want {
			t.Errorf("%T.Type() = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestConnectFailedError(t *testing.T) {
	cause := errors.New("refused")
	var err error = &ConnectFailedError{Addr: "h:1", Attempts: 3, Err: cause}

	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Error("expected ErrRetryLimitExceeded")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the last cause")
	}
	if want := "connect h:1 failed after 3 attempts: refused"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDecodeError(t *testing.T) {
	cause := errors.New("bad byte")
	var err error = errors.Wrap(&DecodeError{Offset: 7, Err: cause}, "read")

	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Offset != 7 {
		t.Fatalf("expected *DecodeError at offset 7, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("DecodeError should unwrap to its cause")
	}
}

func TestIsStreamClosed(t *testing.T) {
	closed := []error{
		ErrConnectionClosed,
		errors.Wrap(ErrConnectionClosed, "read"),
		io.EOF,
		io.ErrUnexpectedEOF,
		net.ErrClosed,
		&net.OpError{Op: "read", Err: syscall.ECONNRESET},
		&net.OpError{Op: "write", Err: syscall.EPIPE},
	}
	for _, err := range closed {
		if !isStreamClosed(err) {
			t.Errorf("isStreamClosed(%v) = false", err)
		}
	}

	for _, err := range []error{ErrProtocol, errors.New("other"), &DecodeError{Err: io.ErrShortBuffer}} {
		if isStreamClosed(err) {
			t.Errorf("isStreamClosed(%v) = true", err)
		}
	}
}

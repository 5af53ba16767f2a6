package msgrpc

import (
	"context"
	"net"
	"reflect"
	"runtime"
	"testing"
	"time"
)

// startTestServer serves handler on a loopback port until the test ends.
func startTestServer(t *testing.T, handler Handler, opts ...ServerOption) (*Server, string) {
	t.Helper()

	server, err := New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return server, server.Addr().String()
}

func dialTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNew(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.logger == nil {
		t.Error("logger should have default value")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server1, err := New(addr)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer server1.Close()

	occupiedAddr := server1.listener.Addr().(*net.TCPAddr)
	_, err = New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestListen(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	if server.Addr().(*net.TCPAddr).Port == 0 {
		t.Error("expected a bound port")
	}

	if _, err := Listen("not an address"); err == nil {
		t.Error("expected error for unresolvable address")
	}
}

func TestServer_Close(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.AcceptTCP()
	if err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve_NilHandler(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	if err := server.Serve(context.Background(), nil); err != ErrInvalidHandler {
		t.Errorf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newRecordingHandler())
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_CloseReturnsNil(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerShutdownTimeoutOption(time.Hour))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), newRecordingHandler())
	}()
	time.Sleep(time.Millisecond * 50)

	server.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Close_NoLeakedGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	// The context outlives the server.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newRecordingHandler())
	}()
	time.Sleep(time.Millisecond * 50)

	server.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	waitFor(t, "serve goroutines to exit", func() bool { return runtime.NumGoroutine() <= before })
}

func TestServer_ShutdownTimeout(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerShutdownTimeoutOption(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newRecordingHandler())
	}()
	time.Sleep(time.Millisecond * 50)

	start := time.Now()
	cancel()

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("Serve returned after %v, before the shutdown timeout", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Echo(t *testing.T) {
	handler := echoHandler()
	_, addr := startTestServer(t, handler)

	peer := dialTest(t, addr)
	writeMessages(t, peer,
		&Request{MsgID: 1, Method: "echo", Params: []any{"hi"}},
		&Notify{Method: "log", Params: []any{"x"}},
	)

	got := readMessages(t, peer, 1)
	want := &Response{MsgID: 1, Result: "hi"}
	if !reflect.DeepEqual(got[0], want) {
		t.Errorf("received %#v, want %#v", got[0], want)
	}

	select {
	case n := <-handler.notifyCh:
		if n.Method != "log" {
			t.Errorf("notify method = %q", n.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notify")
	}
	expectSilence(t, peer, 100*time.Millisecond)
}

func TestServer_MultipleConnections(t *testing.T) {
	_, addr := startTestServer(t, echoHandler())

	const numClients = 5
	peers := make([]net.Conn, numClients)
	for i := range peers {
		peers[i] = dialTest(t, addr)
	}

	for i, peer := range peers {
		writeMessages(t, peer, &Request{MsgID: uint32(i), Method: "echo", Params: []any{int64(i)}})
	}
	for i, peer := range peers {
		got := readMessages(t, peer, 1)
		want := &Response{MsgID: uint32(i), Result: int64(i)}
		if !reflect.DeepEqual(got[0], want) {
			t.Errorf("client %d received %#v, want %#v", i, got[0], want)
		}
	}
}

func TestServer_ConnectionIsolation(t *testing.T) {
	release := make(chan struct{})
	handler := newRecordingHandler()
	handler.onRequest = func(conn *Conn, req *Request) {
		if req.Method == "slow" {
			go func() {
				<-release
				_ = conn.WriteBlocking(context.Background(), &Response{MsgID: req.MsgID, Result: "done"})
			}()
			return
		}
		_ = conn.WriteBlocking(context.Background(), &Response{MsgID: req.MsgID, Result: req.Params[0]})
	}
	server, addr := startTestServer(t, handler)

	a := dialTest(t, addr)
	b := dialTest(t, addr)

	writeMessages(t, a, &Request{MsgID: 1, Method: "slow", Params: []any{}})
	writeMessages(t, b, &Request{MsgID: 2, Method: "echo", Params: []any{"b"}})

	if got := readMessages(t, b, 1); !reflect.DeepEqual(got[0], &Response{MsgID: 2, Result: "b"}) {
		t.Errorf("b received %#v", got[0])
	}
	waitFor(t, "two active connections", func() bool { return server.ActiveConns() == 2 })

	// Kill b abruptly.
	if tcp, ok := b.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	b.Close()
	waitFor(t, "b to be dropped", func() bool { return server.ActiveConns() == 1 })

	close(release)
	if got := readMessages(t, a, 1); !reflect.DeepEqual(got[0], &Response{MsgID: 1, Result: "done"}) {
		t.Errorf("a received %#v", got[0])
	}

	// a still serves new requests.
	writeMessages(t, a, &Request{MsgID: 3, Method: "echo", Params: []any{"again"}})
	if got := readMessages(t, a, 1); !reflect.DeepEqual(got[0], &Response{MsgID: 3, Result: "again"}) {
		t.Errorf("a received %#v", got[0])
	}
}

func TestServer_CloseKeepsAcceptedConns(t *testing.T) {
	server, addr := startTestServer(t, echoHandler())

	peer := dialTest(t, addr)
	writeMessages(t, peer, &Request{MsgID: 1, Method: "echo", Params: []any{"before"}})
	readMessages(t, peer, 1)

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("expected dial to fail after Close")
	}

	writeMessages(t, peer, &Request{MsgID: 2, Method: "echo", Params: []any{"after"}})
	if got := readMessages(t, peer, 1); !reflect.DeepEqual(got[0], &Response{MsgID: 2, Result: "after"}) {
		t.Errorf("received %#v", got[0])
	}
	if server.ActiveConns() != 1 {
		t.Errorf("ActiveConns = %d, want 1", server.ActiveConns())
	}

	peer.Close()
	waitFor(t, "connection to end", func() bool { return server.ActiveConns() == 0 })
}

func TestServer_ConnOptions(t *testing.T) {
	logger := &mockLogger{}
	handler := newRecordingHandler()
	_, addr := startTestServer(t, handler,
		ServerLoggerOption(logger),
		ServerConnOption(MessageMaxSize(64)),
	)

	peer := dialTest(t, addr)
	big := make([]any, 100)
	for i := range big {
		big[i] = "xxxxxxxx"
	}
	writeMessages(t, peer, &Notify{Method: "big", Params: big})

	// The oversized message ends the connection.
	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Error("expected the server to drop the connection")
	}
	if _, notifies, _, _ := handler.counts(); notifies != 0 {
		t.Errorf("handler saw %d notifies", notifies)
	}
	if !logger.called("invalid data from peer") {
		t.Error("expected the server logger to be used by the connection")
	}
}

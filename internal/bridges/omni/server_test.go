package omni

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// recordingHandler captures dispatched frames in order.
type recordingHandler struct {
	mu     sync.Mutex
	frames []Frame
	ch     chan Frame
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan Frame, 32)}
}

func (h *recordingHandler) Dispatch(_ context.Context, _ *Session, f Frame) error {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
	h.ch <- f
	return nil
}

func (h *recordingHandler) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-h.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatched frame")
		return Frame{}
	}
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

type serverFixture struct {
	server   *Server
	registry *Registry
	handler  *recordingHandler
	notify   *recordingNotifications
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	reg := NewRegistry()
	handler := newRecordingHandler()
	notify := &recordingNotifications{}
	srv, err := NewServer(ServerOptions{
		Registry:      reg,
		Handler:       handler,
		Notifications: notify,
		IdleTimeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return &serverFixture{server: srv, registry: reg, handler: handler, notify: notify}
}

// connect runs a session over net.Pipe and returns the lock side.
func (f *serverFixture) connect() (net.Conn, <-chan struct{}) {
	lockSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.ServeConn(serverSide)
	}()
	return lockSide, done
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	if _, err := NewServer(ServerOptions{Handler: newRecordingHandler()}); err == nil {
		t.Error("NewServer() without registry error = nil")
	}
	if _, err := NewServer(ServerOptions{Registry: NewRegistry()}); err == nil {
		t.Error("NewServer() without handler error = nil")
	}
}

func TestServerDispatchesInOrderAndSurvivesGarbage(t *testing.T) {
	f := newServerFixture(t)
	lock, done := f.connect()

	stream := "garbage#\r\n" +
		"\xff\xff*CMDR,OM,dev-1,000000000000,Q0,412#\n" +
		"*CMDR,OM,dev-1,000000000000,H0,0,395,28#" +
		"*CMDR,OM,dev-1,000000000000,W0,1#"
	if _, err := lock.Write([]byte(stream)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	for _, want := range []Kind{KindCheckIn, KindHeartbeat, KindAlarm} {
		if got := f.handler.next(t); got.Code != want {
			t.Fatalf("dispatched %s, want %s", got.Code, want)
		}
	}

	s, ok := f.registry.Lookup("dev-1")
	if !ok {
		t.Fatal("device not bound")
	}
	if s.Info().FramesRx != 3 {
		t.Errorf("FramesRx = %d, want 3", s.Info().FramesRx)
	}
	if f.server.Stats().ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", f.server.Stats().ParseErrors)
	}

	lock.Close()
	waitClosed(t, done)

	if _, ok := f.registry.Lookup("dev-1"); ok {
		t.Error("device still bound after disconnect")
	}

	patches, events := f.notify.snapshot()
	if len(patches) != 2 || patches[0].patch[StateOnline] != true || patches[1].patch[StateOnline] != false {
		t.Errorf("presence patches = %+v, want online then offline", patches)
	}
	if len(events) != 2 || events[0].Type != EventConnected || events[1].Type != EventDisconnected {
		t.Errorf("presence events = %+v", events)
	}
}

func TestServerDropsForeignIdentity(t *testing.T) {
	f := newServerFixture(t)
	lock, done := f.connect()
	defer func() {
		lock.Close()
		waitClosed(t, done)
	}()

	stream := "*CMDR,OM,dev-1,000000000000,Q0,412#" +
		"*CMDR,OM,dev-2,000000000000,W0,1#" +
		"*CMDS,OM,dev-1,20240131120000,S1#" +
		"*CMDR,OM,dev-1,000000000000,S1#"
	if _, err := lock.Write([]byte(stream)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f.handler.next(t)
	if got := f.handler.next(t); got.Code != KindReboot || got.DeviceID != "dev-1" {
		t.Fatalf("second dispatched frame = %s", got)
	}
	if f.handler.count() != 2 {
		t.Errorf("dispatched = %d, want 2", f.handler.count())
	}

	stats := f.server.Stats()
	if stats.IdentityDrops != 1 || stats.ParseErrors != 1 {
		t.Errorf("Stats() = %+v, want 1 identity drop and 1 direction drop", stats)
	}
	if _, ok := f.registry.Lookup("dev-2"); ok {
		t.Error("foreign identity was bound")
	}
}

func TestServerReconnectSupersedes(t *testing.T) {
	f := newServerFixture(t)

	first, firstDone := f.connect()
	if _, err := first.Write([]byte("*CMDR,OM,dev-1,000000000000,Q0,412#")); err != nil {
		t.Fatalf("Write(first) error = %v", err)
	}
	f.handler.next(t)
	old, _ := f.registry.Lookup("dev-1")

	second, secondDone := f.connect()
	defer func() {
		second.Close()
		waitClosed(t, secondDone)
	}()
	if _, err := second.Write([]byte("*CMDR,OM,dev-1,000000000000,Q0,405#")); err != nil {
		t.Fatalf("Write(second) error = %v", err)
	}
	f.handler.next(t)

	// The older session is closed by the server.
	waitClosed(t, firstDone)
	if _, err := first.Read(make([]byte, 1)); err != io.EOF && err != io.ErrClosedPipe {
		t.Errorf("Read(first) error = %v, want closed", err)
	}

	current, ok := f.registry.Lookup("dev-1")
	if !ok || current == old {
		t.Fatal("registry does not point at the new session")
	}
	if !old.IsClosed() {
		t.Error("superseded session not closed")
	}
	if f.server.Stats().Superseded != 1 {
		t.Errorf("Superseded = %d, want 1", f.server.Stats().Superseded)
	}

	// The stale disconnect must not have published offline.
	patches, _ := f.notify.snapshot()
	for _, p := range patches {
		if p.patch[StateOnline] == false {
			t.Errorf("offline published by superseded session: %+v", p)
		}
	}
}

// brokenWriteConn reads normally but fails every write.
type brokenWriteConn struct {
	net.Conn
}

func (brokenWriteConn) Write([]byte) (int, error) { return 0, syscall.EPIPE }

func TestServerWriteFailurePublishesOffline(t *testing.T) {
	f := newServerFixture(t)
	gw := NewGateway(f.registry, NewCorrelator(CorrelatorOptions{Timeout: time.Second}))

	lock, serverSide := net.Pipe()
	defer lock.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.ServeConn(brokenWriteConn{serverSide})
	}()

	if _, err := lock.Write([]byte("*CMDR,OM,dev-1,000000000000,Q0,412#")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f.handler.next(t)

	if _, err := gw.Send(context.Background(), "dev-1", KindReboot); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Send() error = %v, want ErrWriteFailed", err)
	}
	waitClosed(t, done)

	patches, events := f.notify.snapshot()
	if len(patches) != 2 || patches[1].patch[StateOnline] != false {
		t.Errorf("patches = %+v, want online then offline", patches)
	}
	if len(events) != 2 || events[1].Type != EventDisconnected {
		t.Errorf("events = %+v, want connected then disconnected", events)
	}
}

func TestServerIdleTimeout(t *testing.T) {
	reg := NewRegistry()
	srv, err := NewServer(ServerOptions{Registry: reg, Handler: newRecordingHandler(), IdleTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Close()

	lock, serverSide := net.Pipe()
	defer lock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(serverSide)
	}()
	waitClosed(t, done)
}

func TestServerStartAcceptsTCP(t *testing.T) {
	reg := NewRegistry()
	handler := newRecordingHandler()
	srv, err := NewServer(ServerOptions{Registry: reg, Handler: handler})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener never started")
		}
		time.Sleep(time.Millisecond)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("*CMDR,OM,dev-9,000000000000,Q0,412#\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := handler.next(t); got.DeviceID != "dev-9" {
		t.Errorf("dispatched device = %q, want dev-9", got.DeviceID)
	}
	if !srv.IsListening() {
		t.Error("IsListening() = false")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if srv.IsListening() {
		t.Error("IsListening() = true after Close")
	}
}

func TestSplitFrames(t *testing.T) {
	input := "\r\n*A#  *B#\n" + strings.Repeat("x", MaxFrameSize+10) + "*C#tail"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, readBufferSize), 2*MaxFrameSize)
	scanner.Split(splitFrames)

	var tokens []string
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error = %v", err)
	}

	want := []string{"*A#", "*B#", strings.Repeat("x", MaxFrameSize), strings.Repeat("x", 10) + "*C#", "tail"}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %d, want %d", len(tokens), len(want))
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token[%d] = %.20q, want %.20q", i, tokens[i], want[i])
		}
	}
}

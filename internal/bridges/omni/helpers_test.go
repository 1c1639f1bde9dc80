package omni

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeAddr is a fixed net.Addr for fakeConn.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn is a net.Conn that records writes and never yields reads.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
	remote   string
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{remote: remote}
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr              { return fakeAddr("127.0.0.1:8002") }
func (c *fakeConn) RemoteAddr() net.Addr             { return fakeAddr(c.remote) }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frames returns every written frame parsed.
func (c *fakeConn) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Frame, 0, len(c.writes))
	for _, w := range c.writes {
		f, err := Parse(w)
		if err != nil {
			t.Fatalf("written bytes %q do not parse: %v", w, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// bindSession creates a session on a fakeConn and registers it for deviceID.
func bindSession(t *testing.T, reg *Registry, deviceID string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn("10.0.0.1:40000")
	s := NewSession(conn, time.Second)
	if !s.bind(deviceID) {
		t.Fatalf("bind(%q) = false, want true", deviceID)
	}
	reg.Register(deviceID, s)
	return s, conn
}

// mustParse parses a frame literal or fails the test.
func mustParse(t *testing.T, raw string) Frame {
	t.Helper()
	f, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", raw, err)
	}
	return f
}

// recordingNotifications captures state patches and events.
type recordingNotifications struct {
	mu      sync.Mutex
	patches []recordedPatch
	events  []Event
}

type recordedPatch struct {
	deviceID string
	patch    map[string]any
}

func (r *recordingNotifications) SyncState(deviceID string, patch map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, recordedPatch{deviceID: deviceID, patch: patch})
}

func (r *recordingNotifications) FanOut(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifications) snapshot() ([]recordedPatch, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedPatch(nil), r.patches...), append([]Event(nil), r.events...)
}

// staticCredentials authorizes a fixed set of cards.
type staticCredentials struct {
	cards map[string]bool
	err   error
}

func (s staticCredentials) Authorize(_ context.Context, _ string, card string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.cards[card], nil
}

// memoryFirmware serves a single in-memory image.
type memoryFirmware struct {
	deviceType string
	chunks     [][]byte
}

func (m memoryFirmware) Image(_ context.Context, deviceType string) (FirmwareImage, error) {
	if deviceType != m.deviceType {
		return FirmwareImage{}, ErrFirmwareNotFound
	}
	return FirmwareImage{DeviceType: m.deviceType, Version: "V1.2.0", Packets: len(m.chunks), CRC: 0xBEEF}, nil
}

func (m memoryFirmware) Chunk(_ context.Context, deviceType string, index int) (FirmwareChunk, error) {
	if deviceType != m.deviceType || index < 0 || index >= len(m.chunks) {
		return FirmwareChunk{}, ErrFirmwareNotFound
	}
	return FirmwareChunk{Index: index, CRC: 0x1234, Data: m.chunks[index]}, nil
}

// testHarness wires a registry, correlator, gateway and dispatcher.
type testHarness struct {
	registry   *Registry
	correlator *Correlator
	gateway    *Gateway
	dispatcher *Dispatcher
	notify     *recordingNotifications
}

func newTestHarness(t *testing.T, opts DispatcherOptions) *testHarness {
	t.Helper()
	reg := NewRegistry()
	corr := NewCorrelator(CorrelatorOptions{Timeout: time.Second})
	gw := NewGateway(reg, corr)
	notify := &recordingNotifications{}

	opts.Gateway = gw
	opts.Correlator = corr
	opts.Notifications = notify

	d, err := NewDispatcher(opts)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return &testHarness{registry: reg, correlator: corr, gateway: gw, dispatcher: d, notify: notify}
}

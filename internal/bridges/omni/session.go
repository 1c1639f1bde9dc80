package omni

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Session is one live lock connection.
//
// The device identity is unset until the first valid frame arrives and is
// never rebound afterwards. Writes are serialised per session.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex

	deviceMu sync.RWMutex
	deviceID string

	lastActivity atomic.Int64 // Unix nanoseconds
	framesRx     atomic.Uint64
	framesTx     atomic.Uint64

	// superseded is set when a newer session registers the same device.
	superseded atomic.Bool

	closed *closeOnce
}

// SessionInfo is a point-in-time view of a session for the API.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	FramesRx     uint64    `json:"frames_rx"`
	FramesTx     uint64    `json:"frames_tx"`
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, writeTimeout time.Duration) *Session {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
		closed:       newCloseOnce(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
	}
	s.touch()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// DeviceID returns the bound device identity, or "" before binding.
func (s *Session) DeviceID() string {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	return s.deviceID
}

// bind sets the device identity if it is not already set.
// Returns true when this call performed the binding.
func (s *Session) bind(deviceID string) bool {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if s.deviceID != "" {
		return false
	}
	s.deviceID = deviceID
	return true
}

// LastActivity returns the time the last frame was read or written.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Write sends one encoded frame with a write deadline.
//
// Returns:
//   - error: ErrSessionClosed if the session is closed, ErrWriteFailed
//     (wrapping the transport error) if the write fails
func (s *Session) Write(frame []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrWriteFailed, err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	s.framesTx.Add(1)
	s.touch()
	return nil
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closed.once.Do(func() {
		close(s.closed.ch)
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed.Done():
		return true
	default:
		return false
	}
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed.Done()
}

// Info returns a snapshot for reporting.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:    s.id,
		DeviceID:     s.DeviceID(),
		RemoteAddr:   s.remoteAddr,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.LastActivity(),
		FramesRx:     s.framesRx.Load(),
		FramesTx:     s.framesTx.Load(),
	}
}

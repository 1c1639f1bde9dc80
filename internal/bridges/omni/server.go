package omni

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// Server defaults.
const (
	// defaultIdleTimeout closes a session that sends nothing for this long.
	// Locks heartbeat every few minutes, so this is generous.
	defaultIdleTimeout = 10 * time.Minute

	// defaultMaxSessions caps concurrent lock connections.
	defaultMaxSessions = 10000

	// maxAcceptBackoff caps the delay after repeated accept errors.
	maxAcceptBackoff = time.Second

	// readBufferSize is the initial scanner buffer.
	readBufferSize = 256
)

// Presence patch keys and events written on connect and disconnect.
const (
	StateOnline         = "online"
	StateRemoteAddr     = "remote_addr"
	StateConnectedAt    = "connected_at"
	StateDisconnectedAt = "disconnected_at"

	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// FrameHandler consumes parsed, identity-checked inbound frames.
type FrameHandler interface {
	Dispatch(ctx context.Context, s *Session, f Frame) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Registry maps bound device identities to sessions. Required.
	Registry *Registry

	// Handler receives every valid inbound frame. Required.
	Handler FrameHandler

	// Notifications receives presence patches and events. Optional.
	Notifications Notifications

	// IdleTimeout closes silent sessions. Default: 10 minutes.
	IdleTimeout time.Duration

	// WriteTimeout bounds each frame write. Default: 5 seconds.
	WriteTimeout time.Duration

	// MaxSessions caps concurrent connections. Default: 10000.
	MaxSessions int

	// Logger is optional.
	Logger Logger
}

// ServerStats holds listener counters.
type ServerStats struct {
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	OpenSessions  int    `json:"open_sessions"`
	BoundDevices  int    `json:"bound_devices"`
	ParseErrors   uint64 `json:"parse_errors"`
	IdentityDrops uint64 `json:"identity_drops"`
	Superseded    uint64 `json:"superseded"`
}

// Server accepts lock connections and runs one read loop per session.
//
// Each session's frames are handled strictly in receipt order on the
// session's own goroutine. The device identity is bound from the first valid
// frame; a reconnect of the same device supersedes and closes the older
// session. A malformed frame is logged and dropped without closing the
// session.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	registry     *Registry
	handler      FrameHandler
	notify       Notifications
	idleTimeout  time.Duration
	writeTimeout time.Duration
	maxSessions  int

	listenerMu sync.Mutex
	listener   net.Listener

	openMu sync.Mutex
	open   map[*Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup

	accepted      atomic.Uint64
	rejected      atomic.Uint64
	parseErrors   atomic.Uint64
	identityDrops atomic.Uint64
	superseded    atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewServer creates a Server. Call Start or Serve to accept connections.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("frame handler is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	notify := opts.Notifications
	if notify == nil {
		notify = discardNotifications{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:     opts.Registry,
		handler:      opts.Handler,
		notify:       notify,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
		maxSessions:  opts.MaxSessions,
		open:         make(map[*Session]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         newCloseOnce(),
		logger:       opts.Logger,
	}, nil
}

// Start listens on addr and accepts connections in the background.
//
// Parameters:
//   - ctx: Used for the listen call only
//   - addr: TCP listen address (e.g. ":8002")
//
// Returns:
//   - error: If the listener cannot be created
func (s *Server) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logError("accept loop stopped", err)
		}
	}()

	s.logInfo("lock server listening", "addr", ln.Addr().String())
	return nil
}

// Serve accepts connections on ln until Close is called.
//
// Returns:
//   - error: ErrServerClosed after Close, otherwise the fatal accept error
func (s *Server) Serve(ln net.Listener) error {
	s.listenerMu.Lock()
	if s.isClosed() {
		s.listenerMu.Unlock()
		_ = ln.Close() //nolint:errcheck // server already closed
		return ErrServerClosed
	}
	s.listener = ln
	s.listenerMu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = nextBackoff(backoff)
				s.logWarn("accept error, retrying", "error", err, "backoff", backoff.String())
				select {
				case <-s.done.Done():
					return ErrServerClosed
				case <-time.After(backoff):
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.handleConn(conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn admits a connection and starts its session goroutine.
func (s *Server) handleConn(conn net.Conn) {
	sess := NewSession(conn, s.writeTimeout)

	s.openMu.Lock()
	if s.isClosed() {
		s.openMu.Unlock()
		_ = conn.Close() //nolint:errcheck // shutting down
		return
	}
	if len(s.open) >= s.maxSessions {
		s.openMu.Unlock()
		s.rejected.Add(1)
		s.logWarn("session limit reached, rejecting connection", "remote", sess.RemoteAddr(), "limit", s.maxSessions)
		_ = conn.Close() //nolint:errcheck // rejecting connection
		return
	}
	s.open[sess] = struct{}{}
	s.wg.Add(1)
	s.openMu.Unlock()

	s.accepted.Add(1)
	metrics.SessionsActive.Inc()
	s.logDebug("connection accepted", "remote", sess.RemoteAddr(), "session_id", sess.ID())

	go s.serveSession(sess)
}

// ServeConn runs a session on an already-established connection and blocks
// until it ends. Used by tests and by callers with their own listeners.
func (s *Server) ServeConn(conn net.Conn) {
	sess := NewSession(conn, s.writeTimeout)

	s.openMu.Lock()
	if s.isClosed() {
		s.openMu.Unlock()
		_ = conn.Close() //nolint:errcheck // shutting down
		return
	}
	s.open[sess] = struct{}{}
	s.wg.Add(1)
	s.openMu.Unlock()
	metrics.SessionsActive.Inc()

	s.serveSession(sess)
}

// serveSession is the per-connection read loop.
func (s *Server) serveSession(sess *Session) {
	defer s.wg.Done()
	defer s.endSession(sess)

	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 0, readBufferSize), 2*MaxFrameSize)
	scanner.Split(splitFrames)

	for {
		if s.isClosed() || sess.IsClosed() {
			return
		}
		if err := sess.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			s.logDebug("set read deadline failed", "session_id", sess.ID(), "error", err)
			return
		}
		if !scanner.Scan() {
			s.logScanEnd(sess, scanner.Err())
			return
		}
		s.handleToken(sess, scanner.Bytes())
	}
}

// handleToken parses one delimited token and forwards it.
func (s *Server) handleToken(sess *Session, token []byte) {
	f, err := Parse(token)
	if err != nil {
		s.parseErrors.Add(1)
		metrics.RecordFrameError("parse")
		s.logWarn("dropping malformed frame",
			"remote", sess.RemoteAddr(), "device_id", sess.DeviceID(), "error", err)
		return
	}
	if f.Direction != Inbound {
		s.parseErrors.Add(1)
		metrics.RecordFrameError("direction")
		s.logWarn("dropping server-direction frame from lock", "remote", sess.RemoteAddr())
		return
	}

	bound := sess.DeviceID()
	switch {
	case bound == "":
		s.bindSession(sess, f.DeviceID)
	case bound != f.DeviceID:
		s.identityDrops.Add(1)
		metrics.RecordFrameError("identity_mismatch")
		s.logWarn("dropping frame for a different device",
			"bound_device_id", bound, "frame_device_id", f.DeviceID, "remote", sess.RemoteAddr())
		return
	}

	sess.framesRx.Add(1)
	sess.touch()

	//nolint:errcheck // dispatcher logs its own rejections; the session continues
	s.handler.Dispatch(s.ctx, sess, f)
}

// bindSession binds sess to deviceID and supersedes any older session.
func (s *Server) bindSession(sess *Session, deviceID string) {
	if !sess.bind(deviceID) {
		return
	}

	if prev := s.registry.Register(deviceID, sess); prev != nil {
		s.superseded.Add(1)
		metrics.SessionsSuperseded.Inc()
		s.logInfo("device reconnected, closing previous session",
			"device_id", deviceID, "previous_remote", prev.RemoteAddr(), "remote", sess.RemoteAddr())
		_ = prev.Close() //nolint:errcheck // superseded connection
	}

	now := time.Now().UTC()
	s.notify.SyncState(deviceID, map[string]any{
		StateOnline:      true,
		StateRemoteAddr:  sess.RemoteAddr(),
		StateConnectedAt: now,
	})
	s.notify.FanOut(Event{
		DeviceID:  deviceID,
		Type:      EventConnected,
		Payload:   map[string]any{"remote_addr": sess.RemoteAddr()},
		Timestamp: now,
	})
	s.logInfo("device connected", "device_id", deviceID, "remote", sess.RemoteAddr())
}

// endSession releases and closes sess. Presence goes offline unless a newer
// session holds the device, including when a failed write already evicted
// sess from the registry.
func (s *Server) endSession(sess *Session) {
	_ = sess.Close() //nolint:errcheck // connection is finished

	s.openMu.Lock()
	delete(s.open, sess)
	s.openMu.Unlock()
	metrics.SessionsActive.Dec()

	deviceID := sess.DeviceID()
	if !s.registry.Release(sess) {
		s.logDebug("session ended", "session_id", sess.ID(), "device_id", deviceID)
		return
	}

	now := time.Now().UTC()
	s.notify.SyncState(deviceID, map[string]any{
		StateOnline:         false,
		StateDisconnectedAt: now,
	})
	s.notify.FanOut(Event{DeviceID: deviceID, Type: EventDisconnected, Timestamp: now})
	s.logInfo("device disconnected", "device_id", deviceID, "remote", sess.RemoteAddr())
}

func (s *Server) logScanEnd(sess *Session, err error) {
	if err == nil || s.isClosed() || sess.IsClosed() {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logInfo("session idle, closing", "device_id", sess.DeviceID(), "remote", sess.RemoteAddr())
		return
	}
	s.logDebug("session read ended", "device_id", sess.DeviceID(), "error", err)
}

// splitFrames is a bufio.SplitFunc yielding one '#'-terminated frame per
// token. Whitespace between frames is skipped. A run of MaxFrameSize bytes
// without a terminator is returned as a garbage token so the stream can
// resynchronise on the next terminator.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && isFrameSpace(data[start]) {
		start++
	}

	if i := bytes.IndexByte(data[start:], Terminator); i >= 0 && i < MaxFrameSize {
		end := start + i + 1
		return end, data[start:end], nil
	}
	if len(data)-start >= MaxFrameSize {
		end := start + MaxFrameSize
		return end, data[start:end], nil
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}

func isFrameSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// Sessions returns info for every open session, bound or not.
func (s *Server) Sessions() []SessionInfo {
	s.openMu.Lock()
	sessions := make([]*Session, 0, len(s.open))
	for sess := range s.open {
		sessions = append(sessions, sess)
	}
	s.openMu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Stats returns listener counters.
func (s *Server) Stats() ServerStats {
	s.openMu.Lock()
	open := len(s.open)
	s.openMu.Unlock()

	return ServerStats{
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		OpenSessions:  open,
		BoundDevices:  s.registry.Len(),
		ParseErrors:   s.parseErrors.Load(),
		IdentityDrops: s.identityDrops.Load(),
		Superseded:    s.superseded.Load(),
	}
}

// IsListening reports whether the accept loop is running.
func (s *Server) IsListening() bool {
	return s.Addr() != nil && !s.isClosed()
}

// Close stops accepting, closes every session and waits for their loops.
// Safe to call multiple times.
func (s *Server) Close() error {
	s.done.Close()
	s.cancel()

	s.listenerMu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.listenerMu.Unlock()

	s.openMu.Lock()
	for sess := range s.open {
		_ = sess.Close() //nolint:errcheck // shutdown
	}
	s.openMu.Unlock()

	s.wg.Wait()
	s.logInfo("lock server stopped")
	return err
}

func (s *Server) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Server) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Server) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Server) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Server) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Server) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

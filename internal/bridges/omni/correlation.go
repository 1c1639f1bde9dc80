package omni

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultCommandTimeout is how long an exclusive request waits for its reply.
const DefaultCommandTimeout = 10 * time.Second

// RequestState is the completion state of a PendingRequest.
type RequestState int32

const (
	StatePending RequestState = iota
	StateResolved
	StateTimedOut
	StateAbandoned
)

// String returns the state name.
func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is the device reply that completes a PendingRequest.
type Result struct {
	DeviceID   string    `json:"device_id"`
	Kind       Kind      `json:"kind"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type pendingKey struct {
	deviceID string
	kind     Kind
}

// PendingRequest is one outstanding caller request awaiting a device reply.
//
// It completes exactly once: resolved by the matching reply, timed out by
// its deadline, or abandoned when the command could not be written.
type PendingRequest struct {
	ID        string
	DeviceID  string
	Kind      Kind
	CreatedAt time.Time
	Deadline  time.Time

	state  atomic.Int32
	result Result
	err    error
	done   chan struct{}
	timer  *clock.Timer
}

// State returns the current completion state.
func (p *PendingRequest) State() RequestState {
	return RequestState(p.state.Load())
}

// Done is closed when the request completes.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request completes or ctx is cancelled.
// Cancelling ctx does not cancel the request; only its deadline does.
//
// Returns:
//   - Result: The correlated device reply
//   - error: ErrCorrelationTimeout, the abandon cause, or ctx.Err()
func (p *PendingRequest) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete performs the single pending → terminal transition.
func (p *PendingRequest) complete(state RequestState, result Result, err error) bool {
	if !p.state.CompareAndSwap(int32(StatePending), int32(state)) {
		return false
	}
	p.result = result
	p.err = err
	close(p.done)
	return true
}

// Correlator tracks outstanding exclusive requests keyed by
// (device identity, command kind).
//
// Thread Safety: All methods are safe for concurrent use.
type Correlator struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*PendingRequest

	resolved  atomic.Uint64
	timedOut  atomic.Uint64
	abandoned atomic.Uint64
	orphans   atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// CorrelatorOptions configures a Correlator.
type CorrelatorOptions struct {
	// Timeout is the deadline applied to each request.
	// Default: 10 seconds.
	Timeout time.Duration

	// Clock drives deadline timers. Default: wall clock.
	Clock clock.Clock

	// Logger is optional.
	Logger Logger
}

// CorrelatorStats holds correlation counters.
type CorrelatorStats struct {
	Pending   int    `json:"pending"`
	Resolved  uint64 `json:"resolved"`
	TimedOut  uint64 `json:"timed_out"`
	Abandoned uint64 `json:"abandoned"`
	Orphans   uint64 `json:"orphans"`
}

// NewCorrelator creates a Correlator.
func NewCorrelator(opts CorrelatorOptions) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Correlator{
		clock:   opts.Clock,
		timeout: opts.Timeout,
		pending: make(map[pendingKey]*PendingRequest),
		logger:  opts.Logger,
	}
}

// Timeout returns the configured request deadline.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// Register creates a pending request for (deviceID, kind) with the default deadline.
//
// Returns:
//   - *PendingRequest: The awaitable handle
//   - error: ErrRequestAlreadyPending if one is outstanding for this key
func (c *Correlator) Register(deviceID string, kind Kind) (*PendingRequest, error) {
	return c.RegisterWithTimeout(deviceID, kind, c.timeout)
}

// RegisterWithTimeout is Register with an explicit deadline.
func (c *Correlator) RegisterWithTimeout(deviceID string, kind Kind, timeout time.Duration) (*PendingRequest, error) {
	key := pendingKey{deviceID: deviceID, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s for %s", ErrRequestAlreadyPending, kind.Name(), deviceID)
	}

	now := c.clock.Now()
	p := &PendingRequest{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}
	c.pending[key] = p
	p.timer = c.clock.AfterFunc(timeout, func() { c.expire(key, p) })

	return p, nil
}

// Resolve completes the pending request for (deviceID, kind) with result.
// A reply with no matching request is a logged no-op.
//
// Returns:
//   - bool: true if a pending request was resolved
func (c *Correlator) Resolve(deviceID string, kind Kind, result Result) bool {
	key := pendingKey{deviceID: deviceID, kind: kind}

	c.mu.Lock()
	p := c.pending[key]
	ok := p != nil && p.complete(StateResolved, result, nil)
	if ok {
		delete(c.pending, key)
		p.timer.Stop()
		c.resolved.Add(1)
	} else {
		c.orphans.Add(1)
	}
	c.mu.Unlock()

	if !ok {
		c.logDebug("reply without pending request", "device_id", deviceID, "kind", string(kind))
	}
	return ok
}

// Abandon completes p with cause and removes it. Used when the command could
// not be delivered. Returns false if p had already completed.
func (c *Correlator) Abandon(p *PendingRequest, cause error) bool {
	key := pendingKey{deviceID: p.DeviceID, kind: p.Kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !p.complete(StateAbandoned, Result{}, cause) {
		return false
	}
	if c.pending[key] == p {
		delete(c.pending, key)
	}
	p.timer.Stop()
	c.abandoned.Add(1)
	return true
}

// expire runs when a request's deadline passes.
func (c *Correlator) expire(key pendingKey, p *PendingRequest) {
	c.mu.Lock()
	ok := p.complete(StateTimedOut, Result{}, fmt.Errorf("%w: %s for %s after %s",
		ErrCorrelationTimeout, p.Kind.Name(), p.DeviceID, p.Deadline.Sub(p.CreatedAt)))
	if ok {
		if c.pending[key] == p {
			delete(c.pending, key)
		}
		c.timedOut.Add(1)
	}
	c.mu.Unlock()

	if ok {
		c.logInfo("request timed out", "device_id", p.DeviceID, "kind", string(p.Kind), "request_id", p.ID)
	}
}

// IsPending reports whether a request is outstanding for (deviceID, kind).
func (c *Correlator) IsPending(deviceID string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[pendingKey{deviceID: deviceID, kind: kind}]
	return ok
}

// Stats returns correlation counters.
func (c *Correlator) Stats() CorrelatorStats {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()

	return CorrelatorStats{
		Pending:   n,
		Resolved:  c.resolved.Load(),
		TimedOut:  c.timedOut.Load(),
		Abandoned: c.abandoned.Load(),
		Orphans:   c.orphans.Load(),
	}
}

// SetLogger sets the logger for the correlator.
func (c *Correlator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Correlator) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Correlator) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

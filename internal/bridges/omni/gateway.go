package omni

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// defaultWriteTimeout bounds a single frame write.
const defaultWriteTimeout = 5 * time.Second

// Command outcomes used in metrics, audit records and API responses.
const (
	OutcomeOK             = "ok"
	OutcomeNotConnected   = "not_connected"
	OutcomeAlreadyPending = "already_pending"
	OutcomeTimeout        = "timeout"
	OutcomeSendFailed     = "send_failed"
	OutcomeCancelled      = "cancelled"
	OutcomeInvalidField   = "invalid_field"
	OutcomeError          = "error"
)

// Outcome classifies a command error for reporting.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidField):
		return OutcomeInvalidField
	case errors.Is(err, ErrDeviceNotConnected):
		return OutcomeNotConnected
	case errors.Is(err, ErrRequestAlreadyPending):
		return OutcomeAlreadyPending
	case errors.Is(err, ErrCorrelationTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrWriteFailed), errors.Is(err, ErrSessionClosed):
		return OutcomeSendFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Gateway delivers outbound frames to live sessions.
//
// For exclusive kinds the pending request is registered before the frame is
// written, so a busy command never produces a second write and a fast reply
// cannot arrive before its request exists. A failed write abandons the
// request and evicts the session.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	registry   *Registry
	correlator *Correlator

	logger   Logger
	loggerMu sync.RWMutex
}

// NewGateway creates a Gateway over registry and correlator.
func NewGateway(registry *Registry, correlator *Correlator) *Gateway {
	return &Gateway{registry: registry, correlator: correlator}
}

// Send writes a command to deviceID's live session.
//
// Parameters:
//   - ctx: Checked before writing; does not bound the reply wait
//   - deviceID: Target lock
//   - kind: Command code
//   - fields: Payload fields
//
// Returns:
//   - *PendingRequest: The awaitable reply for exclusive kinds, nil otherwise
//   - error: ErrInvalidField, ErrDeviceNotConnected, ErrRequestAlreadyPending
//     or ErrWriteFailed
func (g *Gateway) Send(ctx context.Context, deviceID string, kind Kind, fields ...string) (*PendingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Encoded before the pending request exists so a rejected field never
	// occupies the exclusive slot.
	frame, err := Build(deviceID, kind, fields...)
	if err != nil {
		return nil, err
	}

	s, ok := g.registry.Lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	var pending *PendingRequest
	if IsExclusive(kind) {
		p, err := g.correlator.Register(deviceID, kind)
		if err != nil {
			return nil, err
		}
		pending = p
		metrics.PendingRequests.Inc()
		go func() {
			<-p.Done()
			metrics.PendingRequests.Dec()
		}()
	}

	if err := g.write(s, kind, frame); err != nil {
		if pending != nil {
			g.correlator.Abandon(pending, err)
		}
		return nil, err
	}

	g.logDebug("command sent", "device_id", deviceID, "command", kind.Name())
	return pending, nil
}

// Execute sends a command and, for exclusive kinds, waits for the reply.
// Non-exclusive kinds return a zero Result once written.
func (g *Gateway) Execute(ctx context.Context, deviceID string, kind Kind, fields ...string) (Result, error) {
	start := time.Now()

	pending, err := g.Send(ctx, deviceID, kind, fields...)
	if err != nil {
		metrics.RecordCommand(kind.Name(), Outcome(err), 0)
		return Result{}, err
	}
	if pending == nil {
		metrics.RecordCommand(kind.Name(), OutcomeOK, 0)
		return Result{DeviceID: deviceID, Kind: kind, ReceivedAt: time.Now()}, nil
	}

	res, err := pending.Wait(ctx)
	metrics.RecordCommand(kind.Name(), Outcome(err), time.Since(start))
	return res, err
}

// Reply writes a frame on s directly. Used for acknowledgements and replies
// to lock-initiated requests, where the session is already known.
func (g *Gateway) Reply(s *Session, kind Kind, frame []byte) error {
	return g.write(s, kind, frame)
}

// write sends frame and evicts the session on failure.
func (g *Gateway) write(s *Session, kind Kind, frame []byte) error {
	if err := s.Write(frame); err != nil {
		g.logWarn("write failed, evicting session",
			"device_id", s.DeviceID(), "remote", s.RemoteAddr(), "error", err)
		g.Evict(s)
		if !errors.Is(err, ErrWriteFailed) {
			err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		return err
	}
	metrics.FramesSent.WithLabelValues(kind.Name()).Inc()
	return nil
}

// Evict removes s from the registry (identity-guarded) and closes it.
func (g *Gateway) Evict(s *Session) {
	g.registry.Unregister(s)
	_ = s.Close() //nolint:errcheck // best-effort close of a dead connection
}

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (g *Gateway) logWarn(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

package omni

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// CredentialStore decides whether an RFID card may unlock a device.
type CredentialStore interface {
	Authorize(ctx context.Context, deviceID, card string) (bool, error)
}

// FirmwareImage describes an upgrade image available for a device type.
type FirmwareImage struct {
	DeviceType string `json:"device_type"`
	Version    string `json:"version"`
	Size       int    `json:"size"`
	Packets    int    `json:"packets"`
	CRC        uint16 `json:"crc"`
}

// Kind reports U0, the command that announces an image.
func (FirmwareImage) Kind() Kind { return KindUpgradeOffer }

// FirmwareChunk is one upgrade packet.
type FirmwareChunk struct {
	Index int
	CRC   uint16
	Data  []byte
}

// FirmwareStore serves upgrade images in fixed-size packets.
type FirmwareStore interface {
	Image(ctx context.Context, deviceType string) (FirmwareImage, error)
	Chunk(ctx context.Context, deviceType string, index int) (FirmwareChunk, error)
}

// Notifications receives state patches and events from handlers.
// Implementations must not block.
type Notifications interface {
	SyncState(deviceID string, patch map[string]any)
	FanOut(ev Event)
}

// DispatcherOptions holds the collaborators of a Dispatcher.
type DispatcherOptions struct {
	// Gateway writes acknowledgements and follow-up commands. Required.
	Gateway *Gateway

	// Correlator resolves replies to exclusive commands. Required.
	Correlator *Correlator

	// Notifications receives state-sync and fan-out work. Optional.
	Notifications Notifications

	// Credentials authorizes RFID unlock requests. Optional; without it every
	// card is denied.
	Credentials CredentialStore

	// Firmware serves upgrade packets. Optional; without it chunk requests
	// are logged and ignored.
	Firmware FirmwareStore

	// Logger is optional.
	Logger Logger
}

// DispatcherStats holds dispatch counters.
type DispatcherStats struct {
	Dispatched uint64 `json:"dispatched"`
	Unknown    uint64 `json:"unknown"`
	Rejected   uint64 `json:"rejected"`
	Acks       uint64 `json:"acks"`
}

// Dispatcher routes parsed inbound frames to per-command handlers.
//
// Each frame is decoded once into its typed payload. The handler's effects
// are applied in a fixed order: acknowledgement, correlation resolution,
// state patch, event. Unknown codes and malformed payloads are logged and
// dropped without touching state or writing anything.
//
// Thread Safety: Dispatch may be called concurrently for different sessions.
type Dispatcher struct {
	gateway     *Gateway
	correlator  *Correlator
	notify      Notifications
	credentials CredentialStore
	firmware    FirmwareStore
	now         func() time.Time

	dispatched atomic.Uint64
	unknown    atomic.Uint64
	rejected   atomic.Uint64
	acks       atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// effects is what a handler asks the dispatcher to do.
type effects struct {
	patch map[string]any
	event *Event
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Correlator == nil {
		return nil, fmt.Errorf("correlator is required")
	}
	notify := opts.Notifications
	if notify == nil {
		notify = discardNotifications{}
	}
	return &Dispatcher{
		gateway:     opts.Gateway,
		correlator:  opts.Correlator,
		notify:      notify,
		credentials: opts.Credentials,
		firmware:    opts.Firmware,
		now:         time.Now,
		logger:      opts.Logger,
	}, nil
}

// Dispatch handles one inbound frame from s.
//
// Returns:
//   - error: ErrUnknownCommand or ErrFrameParse when the frame was dropped;
//     the session stays usable in both cases
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f Frame) error {
	payload, err := Decode(f)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			d.unknown.Add(1)
			metrics.RecordFrameError("unknown_command")
			d.logWarn("unknown command", "device_id", f.DeviceID, "code", string(f.Code))
		} else {
			d.rejected.Add(1)
			metrics.RecordFrameError("payload")
			d.logWarn("rejected frame", "device_id", f.DeviceID, "code", string(f.Code), "error", err)
		}
		return err
	}

	desc, _ := Describe(f.Code)
	d.dispatched.Add(1)
	metrics.FramesReceived.WithLabelValues(desc.Name).Inc()

	if desc.RequiresAck {
		if err := d.gateway.Reply(s, KindAck, BuildAck(f.DeviceID, f.Code)); err != nil {
			d.logWarn("ack write failed", "device_id", f.DeviceID, "code", string(f.Code), "error", err)
		} else {
			d.acks.Add(1)
		}
	}

	if desc.Exclusive {
		d.correlator.Resolve(f.DeviceID, f.Code, Result{
			DeviceID:   f.DeviceID,
			Kind:       f.Code,
			Payload:    payload,
			ReceivedAt: d.now(),
		})
	}

	eff := d.handle(ctx, s, f, payload)
	if len(eff.patch) > 0 {
		d.notify.SyncState(f.DeviceID, eff.patch)
	}
	if eff.event != nil {
		eff.event.DeviceID = f.DeviceID
		if eff.event.Timestamp.IsZero() {
			eff.event.Timestamp = d.now().UTC()
		}
		d.notify.FanOut(*eff.event)
	}
	return nil
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Unknown:    d.unknown.Load(),
		Rejected:   d.rejected.Load(),
		Acks:       d.acks.Load(),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

type discardNotifications struct{}

func (discardNotifications) SyncState(string, map[string]any) {}
func (discardNotifications) FanOut(Event)                     {}

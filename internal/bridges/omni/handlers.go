package omni

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// Event types published by handlers.
const (
	EventCheckIn           = "check_in"
	EventUnlocked          = "unlocked"
	EventUnlockFailed      = "unlock_failed"
	EventLocked            = "locked"
	EventPosition          = "position"
	EventAlarm             = "alarm"
	EventUpgradeStarted    = "upgrade_started"
	EventUpgradeResult     = "upgrade_result"
	EventPower             = "power"
	EventExternalControl   = "external_control"
	EventBeacon            = "beacon"
	EventCredentialGranted = "credential_granted"
	EventCredentialDenied  = "credential_denied"
	EventCardManagement    = "card_management"
	EventWiFiPosition      = "wifi_position"
)

// State patch keys written by handlers.
const (
	StateLocked           = "locked"
	StateVoltage          = "voltage"
	StateBattery          = "battery"
	StateSignal           = "signal"
	StateSatellites       = "satellites"
	StateLatitude         = "latitude"
	StateLongitude        = "longitude"
	StatePositionAt       = "position_at"
	StateLastCheckIn      = "last_check_in"
	StateLastHeartbeat    = "last_heartbeat"
	StateLastUser         = "last_user"
	StateRideMinutes      = "ride_minutes"
	StateTrackingInterval = "tracking_interval"
	StateFirmwareType     = "firmware_type"
	StateFirmwareVersion  = "firmware_version"
	StateFirmwareCompiled = "firmware_compiled"
	StateCableFirmware    = "cable_lock_firmware"
	StateLastAlarm        = "last_alarm"
	StateLastAlarmCode    = "last_alarm_code"
	StateLastAlarmAt      = "last_alarm_at"
	StateUpgradeStatus    = "upgrade_status"
	StateUpgradePacket    = "upgrade_packet"
	StateBLEKey           = "ble_key"
	StateICCID            = "iccid"
	StateMAC              = "mac"
)

// Card request types carried in C0.
const (
	cardRequestUnlock = "0"
)

//nolint:gocyclo // one case per command kind
func (d *Dispatcher) handle(ctx context.Context, s *Session, f Frame, payload Payload) effects {
	now := d.now().UTC()

	switch p := payload.(type) {
	case CheckIn:
		return effects{
			patch: map[string]any{
				StateVoltage:     p.Voltage,
				StateBattery:     p.Battery,
				StateLastCheckIn: now,
			},
			event: &Event{Type: EventCheckIn, Payload: p},
		}

	case Heartbeat:
		return effects{patch: map[string]any{
			StateLocked:        p.Locked,
			StateVoltage:       p.Voltage,
			StateBattery:       p.Battery,
			StateSignal:        p.Signal,
			StateLastHeartbeat: now,
		}}

	case UnlockResult:
		if !p.Success {
			return effects{event: &Event{Type: EventUnlockFailed, Payload: p}}
		}
		return effects{
			patch: map[string]any{StateLocked: false, StateLastUser: p.UserID},
			event: &Event{Type: EventUnlocked, Payload: p},
		}

	case LockReport:
		return effects{
			patch: map[string]any{
				StateLocked:      true,
				StateLastUser:    p.UserID,
				StateRideMinutes: p.RideMinutes,
			},
			event: &Event{Type: EventLocked, Payload: p},
		}

	case Position:
		if !p.Valid {
			d.logDebug("position without fix", "device_id", f.DeviceID)
			return effects{}
		}
		return effects{
			patch: map[string]any{
				StateLatitude:   p.Latitude,
				StateLongitude:  p.Longitude,
				StateSatellites: p.Satellites,
				StatePositionAt: now,
			},
			event: &Event{Type: EventPosition, Payload: p},
		}

	case TrackingInterval:
		return effects{patch: map[string]any{StateTrackingInterval: p.Seconds}}

	case LockInfo:
		return effects{patch: map[string]any{
			StateLocked:     p.Locked,
			StateVoltage:    p.Voltage,
			StateBattery:    p.Battery,
			StateSignal:     p.Signal,
			StateSatellites: p.Satellites,
		}}

	case SearchResult:
		return effects{}

	case FirmwareInfo:
		patch := map[string]any{StateFirmwareVersion: p.Version}
		if p.DeviceType != "" {
			patch[StateFirmwareType] = p.DeviceType
		}
		if p.CompileDate != "" {
			patch[StateFirmwareCompiled] = p.CompileDate
		}
		return effects{patch: patch}

	case Alarm:
		return d.handleAlarm(f, p, now)

	case UpgradeOffer:
		return effects{
			patch: map[string]any{StateUpgradeStatus: "started"},
			event: &Event{Type: EventUpgradeStarted, Payload: p},
		}

	case ChunkRequest:
		return d.handleChunkRequest(ctx, s, f, p)

	case UpgradeResult:
		status := "failed"
		if p.Success {
			status = "succeeded"
		}
		return effects{
			patch: map[string]any{StateUpgradeStatus: status},
			event: &Event{Type: EventUpgradeResult, Payload: p},
		}

	case BLEKey:
		return effects{patch: map[string]any{StateBLEKey: p.Key}}

	case SIMIdentity:
		return effects{patch: map[string]any{StateICCID: p.ICCID}}

	case RadioIdentity:
		return effects{patch: map[string]any{StateMAC: p.MAC}}

	case PowerControl:
		return effects{event: &Event{Type: EventPower, Payload: map[string]any{"command": p.Code.Name()}}}

	case ExternalControl:
		return effects{event: &Event{Type: EventExternalControl, Payload: p}}

	case CableLockFirmware:
		return effects{patch: map[string]any{StateCableFirmware: p.Version}}

	case BeaconReport:
		return effects{event: &Event{Type: EventBeacon, Payload: p}}

	case CardRequest:
		return d.handleCardRequest(ctx, f, p)

	case CardManagement:
		return effects{event: &Event{Type: EventCardManagement, Payload: p}}

	case WiFiPosition:
		return effects{event: &Event{Type: EventWiFiPosition, Payload: p}}
	}

	return effects{}
}

// handleAlarm always persists and fans out, recognised code or not.
func (d *Dispatcher) handleAlarm(f Frame, p Alarm, now time.Time) effects {
	metrics.AlarmsTotal.WithLabelValues(p.Code).Inc()
	if !p.Recognised {
		d.logWarn("unknown alarm code", "device_id", f.DeviceID, "code", p.Code)
	} else {
		d.logInfo("alarm", "device_id", f.DeviceID, "alarm", p.Description)
	}

	return effects{
		patch: map[string]any{
			StateLastAlarm:     p.Description,
			StateLastAlarmCode: p.Code,
			StateLastAlarmAt:   now,
		},
		event: &Event{Type: EventAlarm, Payload: p},
	}
}

// handleChunkRequest answers U1 with "U1,<index>,<crc16>,<hex data>".
func (d *Dispatcher) handleChunkRequest(ctx context.Context, s *Session, f Frame, p ChunkRequest) effects {
	if d.firmware == nil {
		d.logWarn("firmware chunk requested but no firmware store configured", "device_id", f.DeviceID)
		return effects{}
	}

	chunk, err := d.firmware.Chunk(ctx, p.DeviceType, p.Index)
	if err != nil {
		d.logWarn("firmware chunk unavailable",
			"device_id", f.DeviceID, "device_type", p.DeviceType, "index", p.Index, "error", err)
		return effects{}
	}

	frame, err := Build(f.DeviceID, KindUpgradeChunk,
		strconv.Itoa(chunk.Index),
		fmt.Sprintf("%04X", chunk.CRC),
		hex.EncodeToString(chunk.Data),
	)
	if err != nil {
		d.logWarn("firmware chunk not encodable", "device_id", f.DeviceID, "index", p.Index, "error", err)
		return effects{}
	}
	if err := d.gateway.Reply(s, KindUpgradeChunk, frame); err != nil {
		d.logWarn("firmware chunk write failed", "device_id", f.DeviceID, "index", p.Index, "error", err)
		return effects{}
	}
	metrics.FirmwareChunksServed.Inc()

	return effects{patch: map[string]any{StateUpgradePacket: chunk.Index}}
}

// handleCardRequest authorizes an RFID card and, on a match, issues an unlock.
func (d *Dispatcher) handleCardRequest(ctx context.Context, f Frame, p CardRequest) effects {
	if p.RequestType != cardRequestUnlock {
		d.logDebug("ignoring card request", "device_id", f.DeviceID, "type", p.RequestType)
		return effects{}
	}

	granted := false
	if d.credentials != nil {
		ok, err := d.credentials.Authorize(ctx, f.DeviceID, p.Card)
		if err != nil {
			metrics.CredentialDecisions.WithLabelValues("error").Inc()
			d.logWarn("credential lookup failed", "device_id", f.DeviceID, "error", err)
		}
		granted = ok && err == nil
	}

	info := map[string]any{"card": MaskCard(p.Card)}
	if !granted {
		metrics.CredentialDecisions.WithLabelValues("denied").Inc()
		d.logInfo("card denied", "device_id", f.DeviceID)
		return effects{event: &Event{Type: EventCredentialDenied, Payload: info}}
	}

	metrics.CredentialDecisions.WithLabelValues("granted").Inc()
	_, err := d.gateway.Send(ctx, f.DeviceID, KindUnlock, UnlockFields(p.Card, d.now())...)
	switch {
	case err == nil:
		d.logInfo("card granted, unlock sent", "device_id", f.DeviceID)
	case errors.Is(err, ErrRequestAlreadyPending):
		d.logInfo("card granted, unlock already in progress", "device_id", f.DeviceID)
	default:
		info["error"] = err.Error()
		d.logWarn("card granted but unlock failed", "device_id", f.DeviceID, "error", err)
	}
	return effects{event: &Event{Type: EventCredentialGranted, Payload: info}}
}

// MaskCard keeps the last four characters of a card number. Card events carry
// only the masked form.
func MaskCard(card string) string {
	const visible = 4
	if len(card) <= visible {
		return card
	}
	return strings.Repeat("*", len(card)-visible) + card[len(card)-visible:]
}

// UnlockFields builds the L0 payload: reset flag, user id, unix timestamp.
func UnlockFields(userID string, at time.Time) []string {
	return []string{"0", userID, strconv.FormatInt(at.Unix(), 10)}
}

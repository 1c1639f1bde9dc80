package omni

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Lock-status polarity differs between command families. Each decoder uses
// its own constant; do not share one convention across kinds.
const (
	// heartbeatLockedValue is the H0 status value that means locked.
	heartbeatLockedValue = "0"

	// infoLockedValue is the S5 status value that means locked.
	infoLockedValue = "1"
)

// firmwareDelimiter separates device type from version in G0 payloads.
const firmwareDelimiter = "_"

// coordinatePrecision rounds decimal degrees to six places (~0.1 m).
const coordinatePrecision = 1e6

// batteryStep maps a minimum cell voltage to a charge percentage.
type batteryStep struct {
	volts   float64
	percent int
}

// batteryTable is ordered from the highest breakpoint down.
var batteryTable = []batteryStep{
	{4.200, 100},
	{4.116, 95},
	{3.9561, 90},
	{3.8687, 80},
	{3.7946, 70},
	{3.7344, 60},
	{3.6982, 50},
	{3.6548, 40},
	{3.632, 30},
	{3.5966, 20},
	{3.5473, 10},
}

// Alarm codes reported by W0.
const (
	AlarmIllegalMovement = "1"
	AlarmFall            = "2"
	AlarmFallCleared     = "6"
)

var alarmDescriptions = map[string]string{
	AlarmIllegalMovement: "Illegal movement alarm",
	AlarmFall:            "Fall alarm",
	AlarmFallCleared:     "Fall alarm cleared",
}

// UnknownAlarm is the description used for unrecognised alarm codes.
const UnknownAlarm = "Unknown alarm type"

// Payload is a typed, decoded inbound command.
type Payload interface {
	Kind() Kind
}

// CheckIn is the Q0 payload sent when a lock connects.
type CheckIn struct {
	Voltage float64 `json:"voltage"`
	Battery int     `json:"battery"`
}

// Heartbeat is the periodic H0 payload.
type Heartbeat struct {
	Locked  bool    `json:"locked"`
	Voltage float64 `json:"voltage"`
	Battery int     `json:"battery"`
	Signal  int     `json:"signal"`
}

// UnlockResult is the L0 reply to an unlock command.
type UnlockResult struct {
	Success   bool   `json:"success"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// LockReport is sent by L1 when a lock is closed manually.
type LockReport struct {
	UserID      string `json:"user_id"`
	Timestamp   string `json:"timestamp"`
	RideMinutes int    `json:"ride_minutes"`
}

// Position is the D0 positioning reply.
type Position struct {
	Valid      bool    `json:"valid"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
	UTC        string  `json:"utc,omitempty"`
	Satellites int     `json:"satellites,omitempty"`
	HDOP       float64 `json:"hdop,omitempty"`
	Altitude   float64 `json:"altitude,omitempty"`
	Mode       string  `json:"mode,omitempty"`
}

// TrackingInterval is the D1 reply confirming the upload interval.
type TrackingInterval struct {
	Seconds int `json:"seconds"`
}

// LockInfo is the S5 status reply.
type LockInfo struct {
	Voltage    float64 `json:"voltage"`
	Battery    int     `json:"battery"`
	Signal     int     `json:"signal"`
	Satellites int     `json:"satellites"`
	Locked     bool    `json:"locked"`
}

// SearchResult is the S8 reply to a ring/search command.
type SearchResult struct {
	Rings int `json:"rings"`
}

// FirmwareInfo is the G0 firmware report.
type FirmwareInfo struct {
	DeviceType  string `json:"device_type"`
	Version     string `json:"version"`
	CompileDate string `json:"compile_date,omitempty"`
}

// Alarm is a W0 alarm trigger.
type Alarm struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Recognised  bool   `json:"recognised"`
}

// UpgradeOffer is the U0 reply to an upgrade offer.
type UpgradeOffer struct {
	DeviceType string   `json:"device_type"`
	Extra      []string `json:"extra,omitempty"`
}

// ChunkRequest is a U1 request for one firmware packet.
type ChunkRequest struct {
	Index      int    `json:"index"`
	DeviceType string `json:"device_type"`
}

// UpgradeResult is the U2 upgrade outcome.
type UpgradeResult struct {
	DeviceType string `json:"device_type"`
	Success    bool   `json:"success"`
}

// BLEKey is the K0 reply carrying the current Bluetooth key.
type BLEKey struct {
	Key string `json:"key"`
}

// SIMIdentity is the I0 reply carrying the SIM ICCID.
type SIMIdentity struct {
	ICCID string `json:"iccid"`
}

// RadioIdentity is the M0 reply carrying the Bluetooth MAC.
type RadioIdentity struct {
	MAC string `json:"mac"`
}

// PowerControl is the S0/S1 reply; it carries no fields.
type PowerControl struct {
	Code Kind `json:"code"`
}

// ExternalControl is the L5 reply.
type ExternalControl struct {
	Operation string `json:"operation"`
	Result    string `json:"result,omitempty"`
}

// CableLockFirmware is the G1 reply.
type CableLockFirmware struct {
	Version string `json:"version"`
}

// BeaconReport is the B0 beacon validation report.
type BeaconReport struct {
	BeaconID string   `json:"beacon_id"`
	Extra    []string `json:"extra,omitempty"`
}

// CardRequest is the C0 RFID unlock request.
type CardRequest struct {
	RequestType string `json:"request_type"`
	Card        string `json:"card"`
}

// CardManagement is the C1 reply to an RFID list change.
type CardManagement struct {
	Operation string   `json:"operation"`
	Cards     []string `json:"cards,omitempty"`
}

// Hotspot is one WiFi access point seen by D2.
type Hotspot struct {
	MAC  string `json:"mac"`
	RSSI int    `json:"rssi"`
}

// WiFiPosition is the D2 hotspot scan.
type WiFiPosition struct {
	Count    int       `json:"count"`
	Hotspots []Hotspot `json:"hotspots,omitempty"`
}

func (CheckIn) Kind() Kind           { return KindCheckIn }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (UnlockResult) Kind() Kind      { return KindUnlock }
func (LockReport) Kind() Kind        { return KindLock }
func (Position) Kind() Kind          { return KindPosition }
func (TrackingInterval) Kind() Kind  { return KindTrackingInterval }
func (LockInfo) Kind() Kind          { return KindLockInfo }
func (SearchResult) Kind() Kind      { return KindSearch }
func (FirmwareInfo) Kind() Kind      { return KindFirmwareInfo }
func (Alarm) Kind() Kind             { return KindAlarm }
func (UpgradeOffer) Kind() Kind      { return KindUpgradeOffer }
func (ChunkRequest) Kind() Kind      { return KindUpgradeChunk }
func (UpgradeResult) Kind() Kind     { return KindUpgradeResult }
func (BLEKey) Kind() Kind            { return KindBLEKey }
func (SIMIdentity) Kind() Kind       { return KindSIMIdentity }
func (RadioIdentity) Kind() Kind     { return KindRadioIdentity }
func (p PowerControl) Kind() Kind    { return p.Code }
func (ExternalControl) Kind() Kind   { return KindExternalControl }
func (CableLockFirmware) Kind() Kind { return KindCableLockFirmware }
func (BeaconReport) Kind() Kind      { return KindBeacon }
func (CardRequest) Kind() Kind       { return KindCardUnlock }
func (CardManagement) Kind() Kind    { return KindCardManagement }
func (WiFiPosition) Kind() Kind      { return KindWiFiPosition }

// Decode converts a parsed frame into its typed payload.
//
// Returns:
//   - Payload: The typed record
//   - error: ErrUnknownCommand for codes outside the vocabulary, or
//     ErrFrameParse when fields are missing or malformed
func Decode(f Frame) (Payload, error) {
	desc, ok := Describe(f.Code)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(string(f.Code), 8))
	}
	if len(f.Fields) < desc.MinFields {
		return nil, fmt.Errorf("%w: %s needs %d fields, got %d",
			ErrFrameParse, f.Code, desc.MinFields, len(f.Fields))
	}

	p, err := decodePayload(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFrameParse, f.Code, err)
	}
	return p, nil
}

//nolint:gocyclo // one case per command kind
func decodePayload(f Frame) (Payload, error) {
	fields := f.Fields

	switch f.Code {
	case KindCheckIn:
		v, err := ParseVoltage(fields[0])
		if err != nil {
			return nil, err
		}
		return CheckIn{Voltage: v, Battery: BatteryPercent(v)}, nil

	case KindHeartbeat:
		v, err := ParseVoltage(fields[1])
		if err != nil {
			return nil, err
		}
		signal, err := parseInt("signal", fields[2])
		if err != nil {
			return nil, err
		}
		return Heartbeat{
			Locked:  fields[0] == heartbeatLockedValue,
			Voltage: v,
			Battery: BatteryPercent(v),
			Signal:  signal,
		}, nil

	case KindUnlock:
		return UnlockResult{Success: fields[0] == "0", UserID: fields[1], Timestamp: fields[2]}, nil

	case KindLock:
		minutes, err := parseInt("ride minutes", fields[2])
		if err != nil {
			return nil, err
		}
		return LockReport{UserID: fields[0], Timestamp: fields[1], RideMinutes: minutes}, nil

	case KindPosition:
		return decodePosition(fields)

	case KindTrackingInterval:
		secs, err := parseInt("interval", fields[0])
		if err != nil {
			return nil, err
		}
		return TrackingInterval{Seconds: secs}, nil

	case KindLockInfo:
		v, err := ParseVoltage(fields[0])
		if err != nil {
			return nil, err
		}
		signal, err := parseInt("signal", fields[1])
		if err != nil {
			return nil, err
		}
		sats, err := parseInt("satellites", fields[2])
		if err != nil {
			return nil, err
		}
		return LockInfo{
			Voltage:    v,
			Battery:    BatteryPercent(v),
			Signal:     signal,
			Satellites: sats,
			Locked:     fields[3] == infoLockedValue,
		}, nil

	case KindSearch:
		rings, err := parseInt("rings", fields[0])
		if err != nil {
			return nil, err
		}
		return SearchResult{Rings: rings}, nil

	case KindFirmwareInfo:
		fw := DecodeFirmware(fields[0])
		if len(fields) > 1 {
			fw.CompileDate = fields[1]
		}
		return fw, nil

	case KindAlarm:
		desc, known := AlarmDescription(fields[0])
		return Alarm{Code: fields[0], Description: desc, Recognised: known}, nil

	case KindUpgradeOffer:
		return UpgradeOffer{DeviceType: fields[0], Extra: tail(fields, 1)}, nil

	case KindUpgradeChunk:
		idx, err := parseInt("packet index", fields[0])
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			return nil, fmt.Errorf("negative packet index %d", idx)
		}
		return ChunkRequest{Index: idx, DeviceType: fields[1]}, nil

	case KindUpgradeResult:
		return UpgradeResult{DeviceType: fields[0], Success: fields[1] == "0"}, nil

	case KindBLEKey:
		return BLEKey{Key: fields[0]}, nil

	case KindSIMIdentity:
		return SIMIdentity{ICCID: fields[0]}, nil

	case KindRadioIdentity:
		return RadioIdentity{MAC: fields[0]}, nil

	case KindShutdown, KindReboot:
		return PowerControl{Code: f.Code}, nil

	case KindExternalControl:
		ec := ExternalControl{Operation: fields[0]}
		if len(fields) > 1 {
			ec.Result = fields[1]
		}
		return ec, nil

	case KindCableLockFirmware:
		return CableLockFirmware{Version: fields[0]}, nil

	case KindBeacon:
		return BeaconReport{BeaconID: fields[0], Extra: tail(fields, 1)}, nil

	case KindCardUnlock:
		return CardRequest{RequestType: fields[0], Card: fields[1]}, nil

	case KindCardManagement:
		return CardManagement{Operation: fields[0], Cards: tail(fields, 1)}, nil

	case KindWiFiPosition:
		return decodeWiFi(fields)
	}

	return nil, fmt.Errorf("no decoder for %s", f.Code)
}

// decodePosition decodes D0. An invalid fix ("V") yields Valid=false and no
// coordinates; it is not an error.
func decodePosition(fields []string) (Payload, error) {
	p := Position{Mode: fields[0], UTC: fields[1]}
	if fields[2] != "A" {
		return p, nil
	}

	lat, err := ParseCoordinate(fields[3], fields[4])
	if err != nil {
		return nil, err
	}
	lon, err := ParseCoordinate(fields[5], fields[6])
	if err != nil {
		return nil, err
	}
	p.Valid = true
	p.Latitude = lat
	p.Longitude = lon

	// Optional trailing fields are informational; malformed values are ignored.
	if len(fields) > 7 {
		p.Satellites, _ = strconv.Atoi(fields[7])
	}
	if len(fields) > 8 {
		p.HDOP, _ = parseFinite(fields[8])
	}
	if len(fields) > 10 {
		p.Altitude, _ = parseFinite(fields[10])
	}
	return p, nil
}

func decodeWiFi(fields []string) (Payload, error) {
	count, err := parseInt("hotspot count", fields[0])
	if err != nil {
		return nil, err
	}
	w := WiFiPosition{Count: count}
	for i := 1; i+1 < len(fields); i += 2 {
		rssi, err := parseInt("rssi", fields[i+1])
		if err != nil {
			return nil, err
		}
		w.Hotspots = append(w.Hotspots, Hotspot{MAC: fields[i], RSSI: rssi})
	}
	return w, nil
}

// ParseVoltage converts a hundredths-of-a-volt field to volts.
func ParseVoltage(s string) (float64, error) {
	raw, err := parseFinite(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid voltage %q", ErrFrameParse, s)
	}
	return raw / 100, nil
}

// BatteryPercent returns the charge percentage for a cell voltage using the
// first breakpoint met or exceeded, scanning from the highest.
func BatteryPercent(volts float64) int {
	for _, step := range batteryTable {
		if volts >= step.volts {
			return step.percent
		}
	}
	return 0
}

// ParseCoordinate converts a DDMM.mmmm (or DDDMM.mmmm) value and hemisphere
// letter to signed decimal degrees rounded to six places.
func ParseCoordinate(value, hemisphere string) (float64, error) {
	v, err := parseFinite(value)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid coordinate %q", ErrFrameParse, value)
	}

	degrees := math.Floor(v / 100)
	minutes := v - degrees*100
	decimal := degrees + minutes/60
	decimal = math.Round(decimal*coordinatePrecision) / coordinatePrecision

	switch strings.ToUpper(hemisphere) {
	case "N", "E":
		return decimal, nil
	case "S", "W":
		return -decimal, nil
	default:
		return 0, fmt.Errorf("%w: invalid hemisphere %q", ErrFrameParse, hemisphere)
	}
}

// DecodeFirmware splits "<type>_<NNN>" into device type and "V<N>.<N>.<N>".
// A payload without the delimiter is treated as a bare version.
func DecodeFirmware(raw string) FirmwareInfo {
	devType, ver, found := strings.Cut(raw, firmwareDelimiter)
	if !found {
		devType, ver = "", raw
	}
	return FirmwareInfo{DeviceType: devType, Version: FormatVersion(ver)}
}

// FormatVersion renders a 3-digit version ("110") as "V1.1.0". Values that
// are not exactly three digits are returned unchanged.
func FormatVersion(digits string) string {
	if len(digits) != 3 {
		return digits
	}
	for i := 0; i < 3; i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return digits
		}
	}
	return fmt.Sprintf("V%c.%c.%c", digits[0], digits[1], digits[2])
}

// AlarmDescription maps an alarm code to its description. The boolean is
// false for unrecognised codes, which map to UnknownAlarm.
func AlarmDescription(code string) (string, bool) {
	if d, ok := alarmDescriptions[code]; ok {
		return d, true
	}
	return UnknownAlarm, false
}

// parseFinite parses a decimal field, rejecting NaN and infinities, which
// cannot be encoded in state patches.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func parseInt(name, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func tail(fields []string, from int) []string {
	if len(fields) <= from {
		return nil
	}
	out := make([]string, len(fields)-from)
	copy(out, fields[from:])
	return out
}

package omni

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Wire constants for the Omni ASCII protocol.
const (
	// Manufacturer is the manufacturer code stamped on outbound frames.
	Manufacturer = "OM"

	// headerInbound tags frames sent by a lock.
	headerInbound = "*CMDR"

	// headerOutbound tags frames sent by the server.
	headerOutbound = "*CMDS"

	// Terminator ends every frame.
	Terminator = '#'

	// timestampLayout renders the 14-digit outbound timestamp.
	timestampLayout = "20060102150405"

	// MaxFrameSize is the longest frame accepted from a lock, terminator included.
	MaxFrameSize = 1024

	// headerFieldCount is header, manufacturer, device id, timestamp and command code.
	headerFieldCount = 5
)

// preamble prefixes every outbound frame.
var preamble = []byte{0xFF, 0xFF}

// asciiPreamble is the textual start marker some firmware builds emit instead
// of the two raw bytes.
const asciiPreamble = "0xFFFF"

// Direction indicates which side of the link produced a frame.
type Direction int

const (
	// Inbound frames travel from a lock to the server.
	Inbound Direction = iota

	// Outbound frames travel from the server to a lock.
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Frame is one parsed protocol message. Frames are values and are never
// mutated after parsing.
type Frame struct {
	// Manufacturer is the manufacturer code (normally "OM").
	Manufacturer string

	// DeviceID is the lock identity (IMEI on current hardware).
	DeviceID string

	// Timestamp is the raw digit string from the header.
	Timestamp string

	// Code is the two-character command code (e.g. "L0").
	Code Kind

	// Fields holds the payload fields in wire order. Punctuation other than
	// commas is preserved verbatim.
	Fields []string

	// Direction is derived from the header tag.
	Direction Direction
}

// Field returns the payload field at index i, or "" when absent.
func (f Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// String renders the frame in wire form without preamble or line break.
// Used for logging.
func (f Frame) String() string {
	header := headerInbound
	if f.Direction == Outbound {
		header = headerOutbound
	}
	parts := append([]string{header, f.Manufacturer, f.DeviceID, f.Timestamp, string(f.Code)}, f.Fields...)
	return strings.Join(parts, ",") + string(Terminator)
}

// Parse decodes one frame.
//
// Leading whitespace, line breaks and an optional 0xFF 0xFF preamble are
// skipped. The frame must end with the terminator; anything after it is
// ignored. Parse never panics on truncated or garbage input.
//
// Parameters:
//   - data: Raw bytes of a single frame
//
// Returns:
//   - Frame: The decoded frame
//   - error: ErrFrameParse (wrapped with a reason) if the input is malformed
func Parse(data []byte) (Frame, error) {
	body := bytes.TrimLeft(data, " \t\r\n")
	body = bytes.TrimPrefix(body, preamble)
	body = bytes.TrimPrefix(body, []byte(asciiPreamble))

	end := bytes.IndexByte(body, Terminator)
	if end < 0 {
		return Frame{}, fmt.Errorf("%w: missing terminator", ErrFrameParse)
	}
	body = body[:end]

	parts := strings.Split(string(body), ",")
	if len(parts) < headerFieldCount {
		return Frame{}, fmt.Errorf("%w: expected at least %d header fields, got %d",
			ErrFrameParse, headerFieldCount, len(parts))
	}

	var dir Direction
	switch parts[0] {
	case headerInbound:
		dir = Inbound
	case headerOutbound:
		dir = Outbound
	default:
		return Frame{}, fmt.Errorf("%w: unrecognised header %q", ErrFrameParse, truncate(parts[0], 16))
	}

	f := Frame{
		Manufacturer: parts[1],
		DeviceID:     parts[2],
		Timestamp:    parts[3],
		Code:         Kind(parts[4]),
		Direction:    dir,
	}

	if f.Manufacturer == "" {
		return Frame{}, fmt.Errorf("%w: empty manufacturer code", ErrFrameParse)
	}
	if f.DeviceID == "" {
		return Frame{}, fmt.Errorf("%w: empty device id", ErrFrameParse)
	}
	if !validTimestamp(f.Timestamp) {
		return Frame{}, fmt.Errorf("%w: malformed timestamp %q", ErrFrameParse, truncate(f.Timestamp, 20))
	}
	if len(f.Code) != 2 {
		return Frame{}, fmt.Errorf("%w: malformed command code %q", ErrFrameParse, truncate(string(f.Code), 8))
	}

	if len(parts) > headerFieldCount {
		f.Fields = parts[headerFieldCount:]
	}

	return f, nil
}

// Build encodes an outbound frame stamped with the current time.
//
// The payload segment is omitted entirely when fields is empty.
//
// Parameters:
//   - deviceID: Target lock identity
//   - code: Command code
//   - fields: Payload fields, joined with commas
//
// Returns:
//   - []byte: Wire bytes including preamble, terminator and line break
//   - error: ErrInvalidField if the identity or a field would break framing
func Build(deviceID string, code Kind, fields ...string) ([]byte, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidField)
	}
	if err := ValidateField(deviceID); err != nil {
		return nil, err
	}
	for _, field := range fields {
		if err := ValidateField(field); err != nil {
			return nil, err
		}
	}
	return buildAt(time.Now(), deviceID, code, fields), nil
}

// BuildAck encodes the acknowledgement for an inbound command.
func BuildAck(deviceID string, acked Kind) []byte {
	return buildAt(time.Now(), deviceID, KindAck, []string{string(acked)})
}

// ValidateField rejects a payload field that cannot travel inside one frame.
// Fields are printable ASCII without the field separator or the terminator.
func ValidateField(field string) error {
	for i := 0; i < len(field); i++ {
		c := field[i]
		if c < 0x20 || c > 0x7E || c == ',' || c == Terminator {
			return fmt.Errorf("%w: byte 0x%02X at offset %d in %q", ErrInvalidField, c, i, truncate(field, 32))
		}
	}
	return nil
}

// buildAt encodes a frame with an explicit timestamp.
func buildAt(now time.Time, deviceID string, code Kind, fields []string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(preamble) + 48 + len(fields)*8)

	buf.Write(preamble)
	buf.WriteString(headerOutbound)
	buf.WriteByte(',')
	buf.WriteString(Manufacturer)
	buf.WriteByte(',')
	buf.WriteString(deviceID)
	buf.WriteByte(',')
	buf.WriteString(now.Format(timestampLayout))
	buf.WriteByte(',')
	buf.WriteString(string(code))
	for _, field := range fields {
		buf.WriteByte(',')
		buf.WriteString(field)
	}
	buf.WriteByte(Terminator)
	buf.WriteByte('\n')

	return buf.Bytes()
}

// validTimestamp accepts the 14-digit server form and the 12-digit
// yyMMddHHmmss form that lock firmware sends.
func validTimestamp(ts string) bool {
	if len(ts) != 14 && len(ts) != 12 {
		return false
	}
	for i := 0; i < len(ts); i++ {
		if ts[i] < '0' || ts[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

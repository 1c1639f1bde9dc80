package omni

import (
	"bytes"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Frame
		wantErr bool
	}{
		{
			name: "check-in with voltage",
			data: "*CMDR,OM,863725031194523,000000000000,Q0,412#",
			want: Frame{Manufacturer: "OM", DeviceID: "863725031194523", Timestamp: "000000000000",
				Code: KindCheckIn, Fields: []string{"412"}, Direction: Inbound},
		},
		{
			name: "heartbeat with 14-digit timestamp",
			data: "*CMDR,OM,863725031194523,20240131120000,H0,0,395,28#",
			want: Frame{Manufacturer: "OM", DeviceID: "863725031194523", Timestamp: "20240131120000",
				Code: KindHeartbeat, Fields: []string{"0", "395", "28"}, Direction: Inbound},
		},
		{
			name: "leading line break and raw preamble skipped",
			data: "\r\n\xff\xff*CMDR,OM,1,000000000000,S0#",
			want: Frame{Manufacturer: "OM", DeviceID: "1", Timestamp: "000000000000",
				Code: KindShutdown, Direction: Inbound},
		},
		{
			name: "ascii preamble skipped",
			data: "0xFFFF*CMDS,OM,1,20240131120000,Re,L0#\n",
			want: Frame{Manufacturer: "OM", DeviceID: "1", Timestamp: "20240131120000",
				Code: KindAck, Fields: []string{"L0"}, Direction: Outbound},
		},
		{
			name: "payload punctuation preserved",
			data: "*CMDR,OM,1,000000000000,D0,0,124458.00,A,2237.7514,N,11408.6214,E,6,0.21,151216,10,M,A#",
			want: Frame{Manufacturer: "OM", DeviceID: "1", Timestamp: "000000000000", Code: KindPosition,
				Fields: []string{"0", "124458.00", "A", "2237.7514", "N", "11408.6214", "E",
					"6", "0.21", "151216", "10", "M", "A"}, Direction: Inbound},
		},
		{
			name: "empty trailing field kept",
			data: "*CMDR,OM,1,000000000000,L5,1,#",
			want: Frame{Manufacturer: "OM", DeviceID: "1", Timestamp: "000000000000",
				Code: KindExternalControl, Fields: []string{"1", ""}, Direction: Inbound},
		},
		{name: "empty input", data: "", wantErr: true},
		{name: "missing terminator", data: "*CMDR,OM,1,000000000000,Q0,412", wantErr: true},
		{name: "unknown header", data: "*XXXX,OM,1,000000000000,Q0,412#", wantErr: true},
		{name: "too few header fields", data: "*CMDR,OM,1#", wantErr: true},
		{name: "empty device id", data: "*CMDR,OM,,000000000000,Q0,412#", wantErr: true},
		{name: "empty manufacturer", data: "*CMDR,,1,000000000000,Q0,412#", wantErr: true},
		{name: "short timestamp", data: "*CMDR,OM,1,0000,Q0,412#", wantErr: true},
		{name: "non-digit timestamp", data: "*CMDR,OM,1,00000000000A,Q0,412#", wantErr: true},
		{name: "three-character code", data: "*CMDR,OM,1,000000000000,Q00,412#", wantErr: true},
		{name: "binary garbage", data: "\x00\x01\x02#", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", got)
				}
				if !errors.Is(err, ErrFrameParse) {
					t.Errorf("Parse() error = %v, want ErrFrameParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTruncatedNeverPanics(t *testing.T) {
	full := []byte("\xff\xff*CMDR,OM,863725031194523,000000000000,D0,0,124458.00,A,2237.7514,N,11408.6214,E#\n")
	for i := 0; i <= len(full); i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Parse(%q) panicked: %v", full[:i], r)
				}
			}()
			_, _ = Parse(full[:i])
		}()
	}
}

func TestBuildRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		code     Kind
		fields   []string
	}{
		{"unlock", "863725031194523", KindUnlock, []string{"0", "user-7", "1706702400"}},
		{"no payload", "863725031194523", KindLockInfo, nil},
		{"ack", "1", KindAck, []string{"W0"}},
		{"punctuation", "1", KindExternalControl, []string{"a.b:c", "x/y"}},
	}

	stamp := regexp.MustCompile(`^\d{14}$`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Build(tt.deviceID, tt.code, tt.fields...)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			got, err := Parse(wire)
			if err != nil {
				t.Fatalf("Parse(Build()) error = %v", err)
			}
			if got.DeviceID != tt.deviceID {
				t.Errorf("DeviceID = %q, want %q", got.DeviceID, tt.deviceID)
			}
			if got.Code != tt.code {
				t.Errorf("Code = %q, want %q", got.Code, tt.code)
			}
			if !reflect.DeepEqual(got.Fields, tt.fields) {
				t.Errorf("Fields = %q, want %q", got.Fields, tt.fields)
			}
			if got.Direction != Outbound {
				t.Errorf("Direction = %v, want outbound", got.Direction)
			}
			if !stamp.MatchString(got.Timestamp) {
				t.Errorf("Timestamp = %q, want 14 digits", got.Timestamp)
			}
		})
	}
}

func TestBuildRejectsFramingBytes(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		fields   []string
	}{
		{"comma splits the field", "1", []string{"a,b"}},
		{"terminator", "1", []string{"1#"}},
		{"line break", "1", []string{"1\n"}},
		{"carriage return", "1", []string{"1\r"}},
		{"preamble byte", "1", []string{"\xff"}},
		{"control byte", "1", []string{"a\x00b"}},
		{"embedded frame", "1", []string{"1#\n\xff\xff*CMDS,OM,1,20260101000000,L0,0,mallory,1"}},
		{"bad device id", "1,2", nil},
		{"empty device id", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Build(tt.deviceID, KindSearch, tt.fields...)
			if !errors.Is(err, ErrInvalidField) {
				t.Errorf("Build() error = %v, want ErrInvalidField", err)
			}
			if wire != nil {
				t.Errorf("Build() wrote %q for a rejected field", wire)
			}
		})
	}

	if err := ValidateField("a.b:c/x y-z_0"); err != nil {
		t.Errorf("ValidateField() on printable punctuation error = %v", err)
	}
	if err := ValidateField(""); err != nil {
		t.Errorf("ValidateField(\"\") error = %v", err)
	}
}

func TestBuildAt(t *testing.T) {
	now := time.Date(2024, 1, 31, 12, 30, 45, 0, time.UTC)

	got := buildAt(now, "863725031194523", KindUnlock, []string{"0", "42", "1706704245"})
	want := "\xff\xff*CMDS,OM,863725031194523,20240131123045,L0,0,42,1706704245#\n"
	if string(got) != want {
		t.Errorf("buildAt() = %q, want %q", got, want)
	}

	empty := buildAt(now, "1", KindLockInfo, nil)
	if !bytes.HasSuffix(empty, []byte(",S5#\n")) {
		t.Errorf("buildAt() with no fields = %q, want payload segment omitted", empty)
	}
}

func TestBuildAck(t *testing.T) {
	f := mustParse(t, string(BuildAck("42", KindAlarm)))
	if f.Code != KindAck || len(f.Fields) != 1 || f.Fields[0] != "W0" {
		t.Errorf("BuildAck() = %s, want Re,W0", f)
	}
}

func TestFrameString(t *testing.T) {
	f := mustParse(t, "*CMDR,OM,1,000000000000,W0,2#")
	if got := f.String(); got != "*CMDR,OM,1,000000000000,W0,2#" {
		t.Errorf("String() = %q", got)
	}
	if got := f.Field(5); got != "" {
		t.Errorf("Field(5) = %q, want empty", got)
	}
	if !strings.Contains(Outbound.String(), "out") {
		t.Errorf("Outbound.String() = %q", Outbound.String())
	}
}

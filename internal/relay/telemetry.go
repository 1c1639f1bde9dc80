package relay

import (
	"context"
	"time"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

// TelemetryWriter is the write side of the InfluxDB client.
// Satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteLockMetrics(deviceID string, fields map[string]any, at time.Time)
	WriteLockPosition(deviceID string, latitude, longitude float64, satellites int, at time.Time)
}

// metricKeys are the patch keys recorded as lock telemetry.
var metricKeys = []string{
	omni.StateLocked,
	omni.StateVoltage,
	omni.StateBattery,
	omni.StateSignal,
	omni.StateRideMinutes,
	omni.StateTrackingInterval,
	omni.StateOnline,
}

// TelemetrySink records numeric state patches as time series.
// It implements omni.StateSink. Writes are batched by the client, so
// UpsertState never blocks and never fails.
type TelemetrySink struct {
	writer TelemetryWriter
	now    func() time.Time
}

// NewTelemetrySink creates a TelemetrySink.
func NewTelemetrySink(writer TelemetryWriter) *TelemetrySink {
	return &TelemetrySink{writer: writer, now: time.Now}
}

// UpsertState extracts telemetry fields and a position fix, if any, from patch.
func (s *TelemetrySink) UpsertState(_ context.Context, deviceID string, patch map[string]any) error {
	at := s.now()

	fields := make(map[string]any)
	for _, k := range metricKeys {
		if v, ok := patch[k]; ok {
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		s.writer.WriteLockMetrics(deviceID, fields, at)
	}

	lat, latOK := patch[omni.StateLatitude].(float64)
	lon, lonOK := patch[omni.StateLongitude].(float64)
	if latOK && lonOK {
		if fixAt, ok := patch[omni.StatePositionAt].(time.Time); ok {
			at = fixAt
		}
		sats, _ := patch[omni.StateSatellites].(int)
		s.writer.WriteLockPosition(deviceID, lat, lon, sats, at)
	}
	return nil
}

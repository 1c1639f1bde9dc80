package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	// MeasurementLock holds battery, voltage, signal and lock state samples.
	MeasurementLock = "lock_telemetry"

	// MeasurementPosition holds GPS fixes.
	MeasurementPosition = "lock_position"
)

// WriteLockMetrics records numeric and boolean telemetry for one lock.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Fields with unsupported value types are dropped; an empty field set
// writes nothing.
//
// Parameters:
//   - deviceID: The lock's device identity
//   - fields: Telemetry values (e.g. "battery": 80, "voltage": 3.95)
//   - at: Sample time
//
// Example:
//
//	client.WriteLockMetrics("860000000000001", map[string]any{"battery": 80, "signal": 28}, time.Now())
func (c *Client) WriteLockMetrics(deviceID string, fields map[string]any, at time.Time) {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case int, int64, float64, bool:
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		return
	}
	c.writePoint(MeasurementLock, map[string]string{"device_id": deviceID}, clean, at)
}

// WriteLockPosition records a GPS fix.
//
// Parameters:
//   - deviceID: The lock's device identity
//   - latitude, longitude: Signed decimal degrees
//   - satellites: Satellites used for the fix
//   - at: Fix time
func (c *Client) WriteLockPosition(deviceID string, latitude, longitude float64, satellites int, at time.Time) {
	c.writePoint(MeasurementPosition,
		map[string]string{"device_id": deviceID},
		map[string]any{
			"latitude":   latitude,
			"longitude":  longitude,
			"satellites": satellites,
		},
		at,
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.open.Load() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
	c.queued.Add(1)
}

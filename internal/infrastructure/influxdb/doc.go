// Package influxdb provides InfluxDB connectivity for Lockgate.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, telemetry writes and health monitoring.
//
// # Purpose
//
// Locks report battery voltage, signal strength and GPS fixes on every
// heartbeat, check-in and position reply. This package stores those samples
// as time series:
//   - lock_telemetry: battery, voltage, signal, locked (tag device_id)
//   - lock_position: latitude, longitude, satellites (tag device_id)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteLockMetrics(deviceID, map[string]any{"battery": 80}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; failures are
// reported through SetOnError.
package influxdb

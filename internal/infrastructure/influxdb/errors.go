package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when telemetry export is switched off.
	ErrDisabled = errors.New("influxdb: telemetry export disabled")

	// ErrConnectionFailed wraps the ping failure seen while connecting.
	ErrConnectionFailed = errors.New("influxdb: server unreachable")

	// ErrNotConnected is returned by HealthCheck once the client is closed.
	ErrNotConnected = errors.New("influxdb: client closed")
)

package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/lockgate/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client exports lock telemetry to an InfluxDB v2 bucket.
//
// Writes are queued on the library's non-blocking write API and sent in
// batches; failures surface asynchronously through SetOnError. A closed
// client silently drops writes so telemetry never blocks frame handling.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	open atomic.Bool

	queued atomic.Uint64
	failed atomic.Uint64

	mu      sync.Mutex
	onError func(err error)
}

// Stats counts telemetry points since Connect.
type Stats struct {
	Queued uint64 `json:"queued"`
	Failed uint64 `json:"failed"`
}

// Connect pings the server and opens a batched write API on cfg.Bucket.
// Zero or negative batch settings fall back to 100 points / 10s.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize(cfg.BatchSize)).
		SetFlushInterval(flushMillis(cfg.FlushInterval))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	switch {
	case err != nil:
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	case !ok:
		client.Close()
		return nil, fmt.Errorf("%w: %s reports unhealthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	c.open.Store(true)
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

func batchSize(n int) uint {
	if n <= 0 {
		return defaultBatchSize
	}
	return uint(n) // #nosec G115 -- positive
}

func flushMillis(seconds int) uint {
	d := defaultFlushInterval
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	return uint(d.Milliseconds()) // #nosec G115 -- positive
}

func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		c.mu.Lock()
		cb := c.onError
		c.mu.Unlock()
		if cb != nil {
			cb(fmt.Errorf("influxdb: write to %s: %w", c.bucket, err))
		}
	}
}

// Close flushes queued points and releases the client. Safe to call twice.
func (c *Client) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.open.Load() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb health check: server unhealthy")
	}
	return nil
}

// IsConnected reports whether the client is open. It does not ping.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// SetOnError installs the callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Flush blocks until queued points are sent. No-op after Close.
func (c *Client) Flush() {
	if c.open.Load() {
		c.writeAPI.Flush()
	}
}

// Stats returns the running point counters.
func (c *Client) Stats() Stats {
	return Stats{Queued: c.queued.Load(), Failed: c.failed.Load()}
}

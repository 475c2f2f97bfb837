package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client writes MQTT telemetry to InfluxDB v2 through the batching,
// non-blocking write API. It implements mqtt.Observer.
//
// All methods are safe for concurrent use. Points written after Close
// are discarded.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	closed    atomic.Bool
	closeOnce sync.Once

	writeErrors atomic.Int64

	mu      sync.RWMutex
	onError func(err error)
}

// Connect pings the server and returns a client writing to cfg.Org and
// cfg.Bucket. Every point carries a client_id tag when clientID is set.
func Connect(cfg config.InfluxDBConfig, clientID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg, clientID))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// writeOptions maps the batch settings onto client options. Zero or
// negative values fall back to the library's usual batch of 100 points
// flushed every 10s.
func writeOptions(cfg config.InfluxDBConfig, clientID string) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	// #nosec G115 -- flush is positive and far below MaxUint
	opts := influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
	if clientID != "" {
		opts.AddDefaultTag("client_id", clientID)
	}
	return opts
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("ping: server not healthy")
	}
	return nil
}

// drainErrors counts asynchronous write failures and forwards them to
// the OnError callback. It returns when the write API is closed.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)

		c.mu.RLock()
		fn := c.onError
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError sets the callback for batch writes rejected by the server.
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// WriteErrors returns the number of failed batch writes so far.
func (c *Client) WriteErrors() int64 {
	return c.writeErrors.Load()
}

// IsConnected reports whether the client is still open. It does not
// ping; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes buffered points and releases the client. Later calls are
// no-ops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeAPI.Flush()
		c.client.Close()
	})
	return nil
}

package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/influxdb"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	server *httptest.Server
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			f.mu.Lock()
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					f.lines = append(f.lines, line)
				}
			}
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

// waitLine polls until a written line contains every part.
func (f *fakeInflux) waitLine(t *testing.T, parts ...string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, line := range f.lines {
			if containsAll(line, parts) {
				f.mu.Unlock()
				return line
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Fatalf("no line containing %v in %v", parts, f.lines)
	return ""
}

func containsAll(s string, parts []string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "mqttc-dev-token",
		Org:           "elex",
		Bucket:        "mqtt",
		BatchSize:     1,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, f *fakeInflux) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig(f.server.URL), "mqttc-test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connect(t, newFakeInflux(t))

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg, "")
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(testConfig(url), "")
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	client := connect(t, newFakeInflux(t))

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	// Writes and Flush after Close are no-ops.
	client.MessageSent("hello/mosquitto", 1, 3)
	client.Flush()
}

// =============================================================================
// Observer Tests
// =============================================================================

var _ mqtt.Observer = (*influxdb.Client)(nil)

func TestObserverPoints(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	client.MessageSent("hello/mosquitto", 1, 11)
	client.MessageReceived("hello/mosquitto", 0, 4)
	client.StateChanged("connected", "reconnecting")
	client.ReconnectAttempt(3, 1500*time.Millisecond)
	client.WriteDeliveryStats(delivery.Stats{Pending: 2, Acknowledged: 7, Failed: 1})
	client.Flush()

	f.waitLine(t, "mqtt_messages,", "direction=tx", "topic=hello/mosquitto", "qos=1", "bytes=11i", "client_id=mqttc-test")
	f.waitLine(t, "mqtt_messages,", "direction=rx", "qos=0", "bytes=4i")
	f.waitLine(t, "mqtt_connection,", "from=connected", "to=reconnecting", "count=1i")
	f.waitLine(t, "mqtt_reconnect,", "attempt=3i", "delay_ms=1500i")
	f.waitLine(t, "mqtt_deliveries,", "pending=2i", "acknowledged=7i", "failed=1i")
}

type statsFunc func(ctx context.Context) (delivery.Stats, error)

func (f statsFunc) Stats(ctx context.Context) (delivery.Stats, error) { return f(ctx) }

func TestReportDeliveries(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.ReportDeliveries(ctx, statsFunc(func(context.Context) (delivery.Stats, error) {
			return delivery.Stats{Pending: 5}, nil
		}), 10*time.Millisecond)
	}()

	f.waitLine(t, "mqtt_deliveries,", "pending=5i")
	cancel()
	if err := <-done; err != nil {
		t.Errorf("ReportDeliveries() error = %v", err)
	}
}

func TestWriteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, `{"code":"invalid","message":"bad line"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(testConfig(srv.URL), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup

	got := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case got <- err:
		default:
		}
	})

	client.MessageSent("hello/mosquitto", 1, 3)
	client.Flush()

	select {
	case err := <-got:
		if err == nil {
			t.Error("OnError called with nil")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError was not called")
	}
	if n := client.WriteErrors(); n < 1 {
		t.Errorf("WriteErrors() = %d, want >= 1", n)
	}
}

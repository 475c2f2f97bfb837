package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

// =============================================================================
// Fake paho client
// =============================================================================

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func hangingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type sentMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho implements pahomqtt.Client without a broker.
type fakePaho struct {
	opts *pahomqtt.ClientOptions

	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connectCalls int
	hangConnect  bool
	publishErr   error
	hangPublish  bool
	subscribeErr error
	unsubErr     error
	sent         []sentMessage
	subscribed   []string
	unsubscribed []string
	disconnects  int

	// afterConnect runs once, outside the lock, after a successful
	// Connect and before its token is returned.
	afterConnect func()
}

var errRefused = errors.New("connection refused")

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool {
	return f.IsConnected()
}

func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	f.connectCalls++
	if f.hangConnect {
		f.mu.Unlock()
		return hangingToken()
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return doneToken(err)
		}
	}
	f.connected = true
	hook := f.afterConnect
	f.afterConnect = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return doneToken(nil)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hangPublish {
		return hangingToken()
	}
	if f.publishErr != nil {
		return doneToken(f.publishErr)
	}

	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	f.sent = append(f.sent, sentMessage{topic: topic, qos: qos, retained: retained, payload: b})
	return doneToken(nil)
}

func (f *fakePaho) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return doneToken(f.subscribeErr)
	}
	f.subscribed = append(f.subscribed, topic)
	return doneToken(nil)
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return doneToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubErr != nil {
		return doneToken(f.unsubErr)
	}
	f.unsubscribed = append(f.unsubscribed, topics...)
	return doneToken(nil)
}

func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// dropConnection simulates the broker going away.
func (f *fakePaho) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
}

// deliver simulates an incoming PUBLISH.
func (f *fakePaho) deliver(topic string, payload []byte, qos byte) {
	f.opts.DefaultPublishHandler(f, &fakeMessage{topic: topic, payload: payload, qos: qos})
}

func (f *fakePaho) set(fn func(f *fakePaho)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// sentTo returns the messages published to topic.
func (f *fakePaho) sentTo(topic string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePaho) subscribeCount(filter string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subscribed {
		if s == filter {
			n++
		}
	}
	return n
}

func (f *fakePaho) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// =============================================================================
// Helpers
// =============================================================================

// testConfig returns an MQTT configuration for tests against the fake client.
func testConfig() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker.ClientID = "mqttc-test"
	cfg.TopicPrefix = "mqttc"
	cfg.Reconnect.MaxAttempts = 0
	return cfg
}

func newTestClient(t *testing.T, cfg config.MQTTConfig, fake *fakePaho, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		withPahoFactory(func(o *pahomqtt.ClientOptions) pahomqtt.Client {
			fake.opts = o
			return fake
		}),
		WithConnectTimeout(200 * time.Millisecond),
		WithPublishTimeout(200 * time.Millisecond),
		WithBackoff(Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}),
		WithRetryInterval(0),
	}

	c, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

func newConnectedClient(t *testing.T, opts ...Option) (*Client, *fakePaho) {
	t.Helper()

	fake := &fakePaho{}
	c := newTestClient(t, testConfig(), fake, opts...)
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, fake
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *stateRecorder) record(from, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
	r.mu.Unlock()
}

func (r *stateRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

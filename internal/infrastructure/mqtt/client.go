package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang with a session state machine, a
// subscription registry, its own reconnect loop and optional
// at-least-once delivery tracking.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are restored on every reconnect.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig
	topics  Topics

	newPaho        func(*pahomqtt.ClientOptions) pahomqtt.Client
	connectTimeout time.Duration
	publishTimeout time.Duration
	now            func() time.Time

	backoff     Backoff
	reconnect   bool
	maxAttempts int

	tracker       *delivery.Tracker
	retryInterval time.Duration
	retention     time.Duration

	credentials *CredentialsProvider

	registry *registry
	state    stateMachine
	stats    counters

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	observers  []Observer
	listeners  []func(Message)
	observerMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	// dialMu serialises connection attempts.
	dialMu sync.Mutex

	// pendingLoss is a connection loss reported while a dial was still
	// in progress. lossMu orders it against the move to connected.
	pendingLoss error
	lossMu      sync.Mutex

	// Lifecycle of background goroutines (reconnect loop, retry loop, redelivery).
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lifeMu    sync.Mutex
	closed    bool
	retrying  bool
	closeOnce sync.Once
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// New creates a client from config without connecting.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - opts: Optional settings (tracker, logger, observers, timeouts)
//
// Returns:
//   - *Client: Client in the disconnected state
//   - error: If TLS material or credentials cannot be loaded
func New(cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:            cfg,
		topics:         Topics{Prefix: cfg.TopicPrefix},
		newPaho:        pahomqtt.NewClient,
		connectTimeout: defaultConnectTimeout,
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
		backoff:        BackoffFromConfig(cfg.Reconnect),
		reconnect:      cfg.Reconnect.Enabled,
		maxAttempts:    cfg.Reconnect.MaxAttempts,
		retryInterval:  time.Duration(cfg.Delivery.RetryInterval) * time.Second,
		retention:      time.Duration(cfg.Delivery.Retention) * time.Hour,
		registry:       newRegistry(),
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}

	pahoOpts, err := c.buildClientOptions()
	if err != nil {
		return nil, err
	}
	c.options = pahoOpts
	c.client = c.newPaho(pahoOpts)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.state.listen(c.notifyStateObservers)

	return c, nil
}

// Connect creates a client and establishes the first connection.
//
// Parameters:
//   - ctx: Bounds the initial connection attempt
//   - cfg: MQTT configuration from config.yaml
//   - opts: Optional settings
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the broker cannot be reached in time
func Connect(ctx context.Context, cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		c.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return c, nil
}

// Connect establishes the connection to the broker.
//
// The attempt is bounded by the connect timeout and by ctx. On success
// subscriptions are restored, pending deliveries are resent in the
// background, the retained online status is published and the OnConnect
// callback runs. On failure the client is back in the disconnected state.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.state.transition(StateConnecting); err != nil {
		return err
	}

	if err := c.dial(ctx); err != nil {
		c.state.transition(StateDisconnected) //nolint:errcheck // connecting -> disconnected is always valid
		c.stats.setError(err)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connected, err := c.settleConnected()
	if err != nil {
		// Closed while connecting.
		c.client.Disconnect(0)
		return ErrClosed
	}
	if connected {
		c.handleConnected()
	}
	c.startRetryLoop()
	return nil
}

// settleConnected moves a freshly dialled session to connected. It
// reports false when paho already announced the link lost; that loss is
// applied before returning, so the reconnect loop takes over.
func (c *Client) settleConnected() (bool, error) {
	c.lossMu.Lock()
	_, err := c.state.transition(StateConnected)
	lost := c.pendingLoss
	c.pendingLoss = nil
	c.lossMu.Unlock()

	if err != nil {
		return false, err
	}
	if lost != nil {
		c.getLogger().Warn("MQTT connection lost while connecting", "error", lost)
		c.connectionLost(lost)
		return false, nil
	}
	return true, nil
}

// dial makes one connection attempt.
func (c *Client) dial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.getLogger().Debug("connecting to MQTT broker", "broker", c.cfg.BrokerURL())

	c.lossMu.Lock()
	c.pendingLoss = nil
	c.lossMu.Unlock()

	token := c.client.Connect()
	if err := waitToken(ctx, token, c.connectTimeout); err != nil {
		// Abandon a CONNECT still in progress.
		c.client.Disconnect(0)
		if c.credentials != nil {
			if cerr := c.credentials.LastError(); cerr != nil {
				c.getLogger().Warn("connect failed after JWT signing error", "error", cerr)
				err = errors.Join(err, cerr)
			}
		}
		return err
	}
	return nil
}

// waitToken waits for a paho token, the timeout or ctx, whichever comes first.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnected runs after every successful (re)connect.
func (c *Client) handleConnected() {
	c.stats.connected(c.now())
	c.getLogger().Info("connected to MQTT broker", "broker", c.cfg.BrokerURL())

	c.restoreSubscriptions()
	c.startRedelivery()
	c.publishStatus(statusOnline, "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleConnectionLost is called by paho when the connection drops.
func (c *Client) handleConnectionLost(err error) {
	c.stats.connectionsLost.Add(1)
	c.stats.setError(err)
	c.getLogger().Warn("MQTT connection lost", "error", err)
	c.connectionLost(err)
}

// connectionLost moves the session out of connected and starts the
// reconnect loop when enabled. A loss seen while connecting or
// reconnecting belongs to the dial in progress and is parked for
// settleConnected.
func (c *Client) connectionLost(err error) {
	if c.isClosed() {
		return
	}

	to := StateReconnecting
	if !c.reconnect {
		to = StateDisconnected
	}

	c.lossMu.Lock()
	if s := c.state.get(); s == StateConnecting || s == StateReconnecting {
		c.pendingLoss = err
		c.lossMu.Unlock()
		return
	}
	_, terr := c.state.transition(to)
	c.lossMu.Unlock()
	if terr != nil {
		return
	}

	c.notifyDisconnect(err)
	if to == StateReconnecting {
		c.goBackground(c.reconnectLoop)
	}
}

// reconnectLoop retries the connection with backoff until it succeeds,
// runs out of attempts or the client is closed.
func (c *Client) reconnectLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if c.maxAttempts > 0 && attempt > c.maxAttempts {
			if _, err := c.state.transition(StateDisconnected); err == nil {
				c.getLogger().Error("giving up reconnecting", "attempts", c.maxAttempts)
				c.stats.setError(ErrReconnectExhausted)
				c.notifyDisconnect(ErrReconnectExhausted)
			}
			return
		}

		delay := c.backoff.Delay(attempt)
		c.stats.reconnectAttempts.Add(1)
		c.notifyReconnectAttempt(attempt, delay)
		c.getLogger().Info("reconnecting to MQTT broker", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.dial(ctx); err != nil {
			c.stats.setError(err)
			c.getLogger().Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		connected, err := c.settleConnected()
		if err != nil {
			// Closed while dialling.
			c.client.Disconnect(0)
			return
		}
		if connected {
			c.handleConnected()
		}
		return
	}
}

// restoreSubscriptions re-subscribes to all registered filters after a connect.
func (c *Client) restoreSubscriptions() {
	for _, sub := range c.registry.all() {
		token := c.client.Subscribe(sub.Filter, sub.QoS, nil)
		if err := waitToken(c.ctx, token, c.publishTimeout); err != nil {
			c.getLogger().Warn("failed to restore subscription", "filter", sub.Filter, "error", err)
		}
	}
}

// publishStatus publishes the retained online/offline status document.
func (c *Client) publishStatus(status, reason string) {
	clientID := c.cfg.Broker.ClientID
	payload := buildStatusPayload(status, clientID, reason, c.now())
	if err := c.publishRaw(context.Background(), c.topics.Status(clientID), payload, willQoS, true); err != nil {
		c.getLogger().Warn("failed to publish status", "status", status, "error", err)
	}
}

// Close gracefully disconnects from the MQTT broker.
//
// It stops the reconnect and retry loops, publishes the graceful offline
// status if connected and disconnects with a quiesce period. Close is
// idempotent and safe on a client that never connected.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		c.closed = true
		c.lifeMu.Unlock()

		c.cancel()
		c.wg.Wait()

		if c.State() == StateConnected && c.client.IsConnectionOpen() {
			c.publishStatus(statusOffline, reasonGraceful)
		}

		c.client.Disconnect(defaultDisconnectQuiesce)
		c.state.transition(StateDisconnected) //nolint:errcheck // already disconnected is fine

		c.getLogger().Info("MQTT client closed")
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.closed
}

// goBackground runs fn on a tracked goroutine unless the client is closed.
func (c *Client) goBackground(fn func(ctx context.Context)) bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, c.State())
	}
	return nil
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the session is connected and the network
// connection is open.
func (c *Client) IsConnected() bool {
	return c.state.get() == StateConnected && c.client.IsConnectionOpen()
}

// ClientID returns the configured MQTT client identifier.
func (c *Client) ClientID() string {
	return c.cfg.Broker.ClientID
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
// The error describes why; ErrReconnectExhausted means the client gave up.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// OnStateChange registers a listener for session state transitions.
// Listeners must not call Connect or Close.
func (c *Client) OnStateChange(fn StateListener) {
	c.state.listen(fn)
}

// OnMessage registers a listener for every sent and received message.
// Listeners run synchronously and must not block.
func (c *Client) OnMessage(fn func(Message)) {
	c.observerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.observerMu.Unlock()
}

// AddObserver registers a telemetry observer.
func (c *Client) AddObserver(o Observer) {
	c.observerMu.Lock()
	c.observers = append(c.observers, o)
	c.observerMu.Unlock()
}

// SetLogger sets a logger for connection events and handler errors.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) notifyDisconnect(err error) {
	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) notifyStateObservers(from, to State) {
	c.getLogger().Debug("MQTT session state changed", "from", from.String(), "to", to.String())

	c.observerMu.RLock()
	defer c.observerMu.RUnlock()
	for _, o := range c.observers {
		o.StateChanged(from.String(), to.String())
	}
}

func (c *Client) notifyReconnectAttempt(attempt int, delay time.Duration) {
	c.observerMu.RLock()
	defer c.observerMu.RUnlock()
	for _, o := range c.observers {
		o.ReconnectAttempt(attempt, delay)
	}
}

func (c *Client) notifyMessage(msg Message) {
	c.observerMu.RLock()
	defer c.observerMu.RUnlock()

	size := len(msg.Payload)
	for _, o := range c.observers {
		if msg.Direction == DirectionTx {
			o.MessageSent(msg.Topic, msg.QoS, size)
		} else {
			o.MessageReceived(msg.Topic, msg.QoS, size)
		}
	}
	for _, fn := range c.listeners {
		fn(msg)
	}
}

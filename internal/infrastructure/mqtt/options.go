package mqtt

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for a PUBACK/SUBACK.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is used when the config leaves keep_alive unset.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// willQoS is the QoS of the Last Will and status messages.
	willQoS = 1
)

// Status payload values.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

// statusPayload is the retained JSON document on the status topic.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(status, clientID, reason string, at time.Time) []byte {
	b, _ := json.Marshal(statusPayload{ //nolint:errcheck // plain strings always marshal
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	return b
}

// buildClientOptions creates paho options from the MQTT config.
//
// Paho's own reconnect is off: the Client runs its reconnect loop so it
// can drive the session state machine and apply its backoff policy.
// Every incoming message arrives through the default publish handler and
// is dispatched from the subscription registry.
func (c *Client) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	cfg := c.cfg
	opts := pahomqtt.NewClientOptions()

	brokerURL := cfg.BrokerURL()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.Broker.ClientID)

	switch cfg.Auth.Mode {
	case "", "password":
		if cfg.Auth.Username != "" {
			opts.SetUsername(cfg.Auth.Username)
			opts.SetPassword(cfg.Auth.Password)
		}
	case "jwt":
		provider, err := NewCredentialsProvider(cfg.Auth, cfg.Broker.ClientID)
		if err != nil {
			return nil, err
		}
		c.credentials = provider
		opts.SetCredentialsProvider(provider.Credentials)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrCredentials, errNoCredentials, cfg.Auth.Mode)
	}

	opts.SetCleanSession(cfg.CleanSession)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.connectTimeout)

	keepAlive := time.Duration(cfg.KeepAlive) * time.Second
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.UsesTLS() {
		u, err := url.Parse(brokerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing broker url: %w", ErrInvalidTLSConfig, err)
		}
		tlsCfg, err := NewTLSConfig(cfg.TLS, u.Hostname())
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	// Last Will: published by the broker if we vanish without DISCONNECT.
	opts.SetWill(
		c.topics.Status(cfg.Broker.ClientID),
		string(buildStatusPayload(statusOffline, cfg.Broker.ClientID, reasonUnexpected, time.Now())),
		willQoS,
		true,
	)

	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleMessage(msg)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})

	return opts, nil
}

// Option customises a Client created by New or Connect.
type Option func(*Client)

// WithTracker enables at-least-once tracking of QoS 1 and 2 publishes.
func WithTracker(t *delivery.Tracker) Option {
	return func(c *Client) {
		c.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers a telemetry observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observers = append(c.observers, o)
	}
}

// WithBackoff overrides the reconnect backoff from the config.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithPublishTimeout bounds the wait for PUBACK, SUBACK and UNSUBACK.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

// WithRetryInterval sets how often pending deliveries are resent while connected.
// Zero disables the periodic retry; redelivery still happens on reconnect.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// withPahoFactory replaces the paho constructor. Used by tests.
func withPahoFactory(f func(*pahomqtt.ClientOptions) pahomqtt.Client) Option {
	return func(c *Client) {
		c.newPaho = f
	}
}

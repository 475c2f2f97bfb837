package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for mqttc.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ClientConfig identifies this client instance.
type ClientConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig    `yaml:"broker"`
	Auth         MQTTAuthConfig      `yaml:"auth"`
	TLS          MQTTTLSConfig       `yaml:"tls"`
	QoS          int                 `yaml:"qos"`
	KeepAlive    int                 `yaml:"keep_alive"`
	CleanSession bool                `yaml:"clean_session"`
	TopicPrefix  string              `yaml:"topic_prefix"`
	Reconnect    MQTTReconnectConfig `yaml:"reconnect"`
	Delivery     MQTTDeliveryConfig  `yaml:"delivery"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
//
// URL takes precedence over Host/Port/TLS when set. Supported schemes are
// tcp, ssl, ws and wss.
type MQTTBrokerConfig struct {
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	// Port 0 means 1883, or 8883 when TLS is set.
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	// Mode is "password" (default) or "jwt".
	Mode     string        `yaml:"mode"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	JWT      MQTTJWTConfig `yaml:"jwt"`
}

// MQTTJWTConfig configures JWTs minted as the broker password.
type MQTTJWTConfig struct {
	// Secret signs HS256 tokens. Ignored when KeyFile is set.
	Secret string `yaml:"secret"`
	// KeyFile is a PEM RSA or EC private key for RS256/ES256 tokens.
	KeyFile  string `yaml:"key_file"`
	Audience string `yaml:"audience"`
	// TTL is the token lifetime in seconds.
	TTL int `yaml:"ttl"`
}

// MQTTTLSConfig contains TLS material for ssl:// and wss:// brokers.
type MQTTTLSConfig struct {
	// CAFile is a PEM bundle or a PKCS#12 trust store (.p12/.pfx).
	CAFile     string `yaml:"ca_file"`
	CAPassword string `yaml:"ca_password"`

	// CertFile/KeyFile are a PEM client certificate and key.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// KeyStore is a PKCS#12 file holding the client key and certificate.
	KeyStore         string `yaml:"key_store"`
	KeyStorePassword string `yaml:"key_store_password"`

	// MinVersion is "1.2" or "1.3".
	MinVersion string `yaml:"min_version"`

	// VerifyHostname checks the broker certificate against the dialled host.
	// When false the chain is still verified against the CA.
	VerifyHostname bool `yaml:"verify_hostname"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	Enabled      bool    `yaml:"enabled"`
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	MaxAttempts  int     `yaml:"max_attempts"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       float64 `yaml:"jitter"`
}

// MQTTDeliveryConfig contains at-least-once delivery tracking settings.
type MQTTDeliveryConfig struct {
	// Store is "memory" or "sqlite".
	Store         string `yaml:"store"`
	MaxAttempts   int    `yaml:"max_attempts"`
	RetryInterval int    `yaml:"retry_interval"`
	// Retention is how long acknowledged records are kept, in hours.
	Retention int `yaml:"retention"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// JournalConfig controls the sent/received message journal.
type JournalConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains API token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTC_SECTION_KEY
// For example: MQTTC_MQTT_URL, MQTTC_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOptional is Load for one-shot commands: a missing file is not an
// error, the defaults plus environment overrides are used instead.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	cfg = Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
//
// The defaults connect to a local Mosquitto on tcp://127.0.0.1:1883 with a
// clean session and automatic reconnect.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ID:   "mqttc",
			Name: "mqttc",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				ClientID: "mqttc",
			},
			Auth: MQTTAuthConfig{
				Mode: "password",
				JWT: MQTTJWTConfig{
					TTL: 3600,
				},
			},
			TLS: MQTTTLSConfig{
				MinVersion:     "1.2",
				VerifyHostname: true,
			},
			QoS:          1,
			KeepAlive:    60,
			CleanSession: true,
			TopicPrefix:  "mqttc",
			Reconnect: MQTTReconnectConfig{
				Enabled:      true,
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
				Multiplier:   2,
				Jitter:       0.2,
			},
			Delivery: MQTTDeliveryConfig{
				Store:         "memory",
				MaxAttempts:   10,
				RetryInterval: 30,
				Retention:     24,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/mqttc.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Journal: JournalConfig{
			MaxEntries: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// envStrings maps MQTTC_* variables onto string fields. Secrets are
// listed here so they can stay out of config.yaml.
var envStrings = []struct {
	name  string
	field func(*Config) *string
}{
	{"MQTTC_MQTT_URL", func(c *Config) *string { return &c.MQTT.Broker.URL }},
	{"MQTTC_MQTT_HOST", func(c *Config) *string { return &c.MQTT.Broker.Host }},
	{"MQTTC_MQTT_CLIENT_ID", func(c *Config) *string { return &c.MQTT.Broker.ClientID }},
	{"MQTTC_MQTT_USERNAME", func(c *Config) *string { return &c.MQTT.Auth.Username }},
	{"MQTTC_MQTT_PASSWORD", func(c *Config) *string { return &c.MQTT.Auth.Password }},
	{"MQTTC_MQTT_JWT_SECRET", func(c *Config) *string { return &c.MQTT.Auth.JWT.Secret }},
	{"MQTTC_MQTT_KEY_STORE_PASSWORD", func(c *Config) *string { return &c.MQTT.TLS.KeyStorePassword }},
	{"MQTTC_DATABASE_PATH", func(c *Config) *string { return &c.Database.Path }},
	{"MQTTC_INFLUXDB_TOKEN", func(c *Config) *string { return &c.InfluxDB.Token }},
	{"MQTTC_JWT_SECRET", func(c *Config) *string { return &c.Security.JWT.Secret }},
}

// applyEnvOverrides copies non-empty MQTTC_* variables over the file
// values. An unparsable MQTTC_MQTT_PORT is ignored.
func applyEnvOverrides(cfg *Config) {
	for _, e := range envStrings {
		if v := os.Getenv(e.name); v != "" {
			*e.field(cfg) = v
		}
	}
	if v := os.Getenv("MQTTC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.Broker.URL != "" {
		u, err := url.Parse(c.MQTT.Broker.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("mqtt.broker.url is invalid: %v", err))
		case !isBrokerScheme(u.Scheme):
			errs = append(errs, "mqtt.broker.url scheme must be tcp, ssl, ws or wss")
		}
	} else {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host or mqtt.broker.url is required")
		}
		if c.MQTT.Broker.Port < 0 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 0 and 65535")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	switch c.MQTT.Auth.Mode {
	case "", "password":
	case "jwt":
		if c.MQTT.Auth.JWT.Secret == "" && c.MQTT.Auth.JWT.KeyFile == "" {
			errs = append(errs, "mqtt.auth.jwt.secret or mqtt.auth.jwt.key_file is required in jwt mode")
		}
	default:
		errs = append(errs, "mqtt.auth.mode must be password or jwt")
	}
	switch c.MQTT.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, "mqtt.tls.min_version must be 1.2 or 1.3")
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		errs = append(errs, "mqtt.tls.cert_file and mqtt.tls.key_file must be set together")
	}
	if c.MQTT.Reconnect.InitialDelay < 0 || c.MQTT.Reconnect.MaxDelay < 0 {
		errs = append(errs, "mqtt.reconnect delays must not be negative")
	}
	if c.MQTT.Reconnect.MaxDelay > 0 && c.MQTT.Reconnect.InitialDelay > c.MQTT.Reconnect.MaxDelay {
		errs = append(errs, "mqtt.reconnect.initial_delay must not exceed max_delay")
	}
	if c.MQTT.Reconnect.Jitter < 0 || c.MQTT.Reconnect.Jitter > 1 {
		errs = append(errs, "mqtt.reconnect.jitter must be between 0 and 1")
	}
	switch c.MQTT.Delivery.Store {
	case "", "memory":
	case "sqlite":
		if !c.Database.Enabled {
			errs = append(errs, "mqtt.delivery.store sqlite requires database.enabled")
		}
	default:
		errs = append(errs, "mqtt.delivery.store must be memory or sqlite")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Journal.Enabled && !c.Database.Enabled {
		errs = append(errs, "journal.enabled requires database.enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
		}
		if c.WebSocket.MaxMessageSize < 0 {
			errs = append(errs, "websocket.max_message_size must not be negative")
		}

		// The API can publish on behalf of this client, so it is never unauthenticated.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set MQTTC_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isBrokerScheme reports whether scheme is one paho can dial.
func isBrokerScheme(scheme string) bool {
	switch scheme {
	case "tcp", "ssl", "ws", "wss", "mqtt", "mqtts", "tls":
		return true
	default:
		return false
	}
}

// Default broker ports by transport.
const (
	defaultBrokerPort    = 1883
	defaultBrokerTLSPort = 8883
)

// BrokerURL returns the broker URL to dial.
//
// An explicit URL wins. Otherwise it is built from host and port, with the
// ssl scheme when TLS is enabled. An unset port follows the scheme.
func (m MQTTConfig) BrokerURL() string {
	if m.Broker.URL != "" {
		return m.Broker.URL
	}
	scheme, port := "tcp", defaultBrokerPort
	if m.Broker.TLS {
		scheme, port = "ssl", defaultBrokerTLSPort
	}
	if m.Broker.Port != 0 {
		port = m.Broker.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker.Host, port)
}

// UsesTLS reports whether the broker connection is encrypted.
func (m MQTTConfig) UsesTLS() bool {
	u, err := url.Parse(m.BrokerURL())
	if err != nil {
		return m.Broker.TLS
	}
	switch u.Scheme {
	case "ssl", "wss", "mqtts", "tls":
		return true
	default:
		return false
	}
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

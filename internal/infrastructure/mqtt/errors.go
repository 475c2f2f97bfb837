package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for a topic that cannot be published to.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidFilter is returned for a malformed subscription filter.
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrInvalidTransition is returned when the session state machine
	// rejects a state change.
	ErrInvalidTransition = errors.New("mqtt: invalid state transition")

	// ErrReconnectExhausted is passed to the disconnect callback when the
	// reconnect loop gives up after the configured number of attempts.
	ErrReconnectExhausted = errors.New("mqtt: reconnect attempts exhausted")

	// ErrInvalidTLSConfig is returned when TLS material cannot be loaded.
	ErrInvalidTLSConfig = errors.New("mqtt: invalid TLS configuration")

	// ErrCredentials is returned when broker credentials cannot be minted.
	ErrCredentials = errors.New("mqtt: cannot create credentials")

	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("mqtt: client closed")
)

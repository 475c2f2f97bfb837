package mqtt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives client telemetry. Implementations must not block.
type Observer interface {
	// StateChanged is called for every session state transition.
	StateChanged(from, to string)

	// MessageSent is called after the broker accepts a publish.
	MessageSent(topic string, qos byte, size int)

	// MessageReceived is called for every incoming message.
	MessageReceived(topic string, qos byte, size int)

	// ReconnectAttempt is called before each reconnect attempt is made.
	ReconnectAttempt(attempt int, delay time.Duration)
}

// Direction tells whether a message was sent or received.
type Direction string

// Message directions.
const (
	DirectionTx Direction = "tx"
	DirectionRx Direction = "rx"
)

// Message is a sent or received message passed to OnMessage listeners.
type Message struct {
	Direction Direction `json:"direction"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retained  bool      `json:"retained"`
	Time      time.Time `json:"time"`
}

// Stats is a snapshot of client counters.
type Stats struct {
	State             State     `json:"state"`
	Subscriptions     int       `json:"subscriptions"`
	Connects          int64     `json:"connects"`
	ConnectionsLost   int64     `json:"connections_lost"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
	MessagesSent      int64     `json:"messages_sent"`
	MessagesReceived  int64     `json:"messages_received"`
	BytesSent         int64     `json:"bytes_sent"`
	BytesReceived     int64     `json:"bytes_received"`
	PublishErrors     int64     `json:"publish_errors"`
	HandlerErrors     int64     `json:"handler_errors"`
	Redelivered       int64     `json:"redelivered"`
	InFlight          int       `json:"in_flight"`
	LastConnected     time.Time `json:"last_connected,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

type counters struct {
	connects          atomic.Int64
	connectionsLost   atomic.Int64
	reconnectAttempts atomic.Int64
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64
	publishErrors     atomic.Int64
	handlerErrors     atomic.Int64
	redelivered       atomic.Int64

	mu            sync.Mutex
	lastConnected time.Time
	lastError     string
}

func (s *counters) connected(at time.Time) {
	s.connects.Add(1)
	s.mu.Lock()
	s.lastConnected = at
	s.mu.Unlock()
}

func (s *counters) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	st := Stats{
		State:             c.State(),
		Subscriptions:     c.registry.len(),
		Connects:          c.stats.connects.Load(),
		ConnectionsLost:   c.stats.connectionsLost.Load(),
		ReconnectAttempts: c.stats.reconnectAttempts.Load(),
		MessagesSent:      c.stats.messagesSent.Load(),
		MessagesReceived:  c.stats.messagesReceived.Load(),
		BytesSent:         c.stats.bytesSent.Load(),
		BytesReceived:     c.stats.bytesReceived.Load(),
		PublishErrors:     c.stats.publishErrors.Load(),
		HandlerErrors:     c.stats.handlerErrors.Load(),
		Redelivered:       c.stats.redelivered.Load(),
	}
	if c.tracker != nil {
		st.InFlight = c.tracker.InFlight()
	}

	c.stats.mu.Lock()
	st.LastConnected = c.stats.lastConnected
	st.LastError = c.stats.lastError
	c.stats.mu.Unlock()

	return st
}

package delivery

import "time"

// Status is the lifecycle state of a tracked publish.
type Status string

// Record statuses.
const (
	// StatusPending means the broker has not acknowledged the message yet.
	StatusPending Status = "pending"

	// StatusAcknowledged means the broker acknowledged the message.
	StatusAcknowledged Status = "acknowledged"

	// StatusFailed means the message ran out of delivery attempts.
	StatusFailed Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusFailed:
		return true
	default:
		return false
	}
}

// Message is an outbound publish to be tracked.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Record is the tracked state of one outbound publish.
type Record struct {
	ID        string     `json:"id"`
	Topic     string     `json:"topic"`
	Payload   []byte     `json:"payload"`
	QoS       byte       `json:"qos"`
	Retained  bool       `json:"retained"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// Message returns the publish this record tracks.
func (r Record) Message() Message {
	return Message{
		Topic:    r.Topic,
		Payload:  r.Payload,
		QoS:      r.QoS,
		Retained: r.Retained,
	}
}

// Stats counts records by status.
type Stats struct {
	Pending      int `json:"pending"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
}

// Total returns the number of records across all statuses.
func (s Stats) Total() int {
	return s.Pending + s.Acknowledged + s.Failed
}

package delivery

import "errors"

// Domain errors for the delivery package.
var (
	// ErrNotFound is returned when a record ID does not exist.
	ErrNotFound = errors.New("delivery: record not found")

	// ErrAlreadyAcknowledged is returned when acknowledging or failing a record
	// that has already been acknowledged.
	ErrAlreadyAcknowledged = errors.New("delivery: record already acknowledged")

	// ErrUntracked is returned when tracking a QoS 0 message, which has no acknowledgment.
	ErrUntracked = errors.New("delivery: QoS 0 messages are not tracked")

	// ErrInvalidMessage is returned when a message has no topic.
	ErrInvalidMessage = errors.New("delivery: invalid message")
)

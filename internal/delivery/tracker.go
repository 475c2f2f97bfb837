package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxQoS is the highest MQTT quality of service level.
const maxQoS = 2

// Options configures a Tracker.
type Options struct {
	// MaxAttempts is how many sends a record gets before it is marked failed.
	// Zero keeps retrying forever.
	MaxAttempts int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Tracker owns the lifecycle of tracked publishes.
//
// A record is in flight from the moment it is handed out (by Track or Due)
// until it is acknowledged, failed or released. In-flight records are never
// handed out again, so a redelivery pass cannot race an outstanding send.
type Tracker struct {
	store       Store
	maxAttempts int
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store, opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Tracker{
		store:       store,
		maxAttempts: maxAttempts,
		now:         now,
		inFlight:    make(map[string]struct{}),
	}
}

// Track records a new pending publish and claims it for the caller's first send.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - msg: Outbound message; QoS must be 1 or 2
//
// Returns:
//   - Record: The stored record, Attempts = 1
//   - error: ErrUntracked for QoS 0, ErrInvalidMessage for a bad message,
//     otherwise the store error
func (t *Tracker) Track(ctx context.Context, msg Message) (Record, error) {
	if msg.QoS == 0 {
		return Record{}, ErrUntracked
	}
	if msg.Topic == "" {
		return Record{}, fmt.Errorf("%w: topic is required", ErrInvalidMessage)
	}
	if msg.QoS > maxQoS {
		return Record{}, fmt.Errorf("%w: qos %d out of range", ErrInvalidMessage, msg.QoS)
	}

	now := t.now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Topic:     msg.Topic,
		Payload:   append([]byte(nil), msg.Payload...),
		QoS:       msg.QoS,
		Retained:  msg.Retained,
		Status:    StatusPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	t.inFlight[rec.ID] = struct{}{}
	return rec, nil
}

// Ack marks a record acknowledged by the broker.
//
// A record is acknowledged at most once. A failed record may still be
// acknowledged if a late PUBACK arrives.
//
// Returns:
//   - error: ErrNotFound for an unknown id, ErrAlreadyAcknowledged on a repeat
func (t *Tracker) Ack(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusAcknowledged {
		return ErrAlreadyAcknowledged
	}

	now := t.now().UTC()
	rec.Status = StatusAcknowledged
	rec.LastError = ""
	rec.UpdatedAt = now
	rec.AckedAt = &now

	if err := t.store.Update(ctx, rec); err != nil {
		return err
	}
	delete(t.inFlight, id)
	return nil
}

// Fail records an unsuccessful send and releases the claim.
//
// The record stays pending for redelivery unless it has used up
// MaxAttempts sends, in which case it is marked failed.
//
// Returns:
//   - Record: The updated record
//   - error: ErrNotFound for an unknown id, ErrAlreadyAcknowledged if the
//     broker already acknowledged it
func (t *Tracker) Fail(ctx context.Context, id string, cause error) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusAcknowledged {
		delete(t.inFlight, id)
		return rec, ErrAlreadyAcknowledged
	}

	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = t.now().UTC()
	if t.maxAttempts > 0 && rec.Attempts >= t.maxAttempts {
		rec.Status = StatusFailed
	}

	if err := t.store.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	delete(t.inFlight, id)
	return rec, nil
}

// Due claims every pending record that is not already in flight.
//
// Each returned record has its Attempts incremented for the send the
// caller is about to make. The caller must Ack, Fail or Release each one
// it sends, and Requeue each one it does not.
func (t *Tracker) Due(ctx context.Context) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, err := t.store.List(ctx, StatusPending, 0)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	due := make([]Record, 0, len(pending))
	for _, rec := range pending {
		if _, busy := t.inFlight[rec.ID]; busy {
			continue
		}
		rec.Attempts++
		rec.UpdatedAt = now
		if err := t.store.Update(ctx, rec); err != nil {
			return due, err
		}
		t.inFlight[rec.ID] = struct{}{}
		due = append(due, rec)
	}
	return due, nil
}

// Release drops the claim on a record without changing it.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()
}

// Requeue hands back a claimed record that was never sent. The claim is
// dropped and the attempt counted by Track or Due is taken back, so
// Attempts keeps counting real sends. Unclaimed ids are ignored.
func (t *Tracker) Requeue(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[id]; !ok {
		return nil
	}
	delete(t.inFlight, id)

	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending || rec.Attempts == 0 {
		return nil
	}
	rec.Attempts--
	rec.UpdatedAt = t.now().UTC()
	return t.store.Update(ctx, rec)
}

// InFlight returns the number of claimed records.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// Get returns a single record.
func (t *Tracker) Get(ctx context.Context, id string) (Record, error) {
	return t.store.Get(ctx, id)
}

// List returns records with the given status, oldest first.
func (t *Tracker) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	return t.store.List(ctx, status, limit)
}

// Stats counts records by status.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	return t.store.Stats(ctx)
}

// Prune removes acknowledged records acked more than olderThan ago.
func (t *Tracker) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return t.store.DeleteAcknowledgedBefore(ctx, t.now().UTC().Add(-olderThan))
}

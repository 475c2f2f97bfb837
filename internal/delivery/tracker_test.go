package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, maxAttempts int) (*Tracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewTracker(NewMemoryStore(), Options{MaxAttempts: maxAttempts, Now: clock.Now}), clock
}

var helloMsg = Message{Topic: "hello/mosquitto", Payload: []byte("Hahaha, ..."), QoS: 1}

// ─── Track ─────────────────────────────────────────────────────────

func TestTrack(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()

	rec, err := tr.Track(ctx, helloMsg)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("Track() returned empty ID")
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}
	if tr.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", tr.InFlight())
	}

	got, err := tr.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Topic != helloMsg.Topic || string(got.Payload) != string(helloMsg.Payload) {
		t.Errorf("stored record = %+v", got)
	}
}

func TestTrackRejects(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{name: "qos 0", msg: Message{Topic: "a", QoS: 0}, wantErr: ErrUntracked},
		{name: "empty topic", msg: Message{QoS: 1}, wantErr: ErrInvalidMessage},
		{name: "qos 3", msg: Message{Topic: "a", QoS: 3}, wantErr: ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, 0)
			_, err := tr.Track(context.Background(), tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Track() error = %v, want %v", err, tt.wantErr)
			}
			if tr.InFlight() != 0 {
				t.Errorf("InFlight() = %d after rejected Track", tr.InFlight())
			}
		})
	}
}

func TestTrackCopiesPayload(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	payload := []byte("abc")

	rec, err := tr.Track(context.Background(), Message{Topic: "a", Payload: payload, QoS: 1})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	payload[0] = 'X'

	got, _ := tr.Get(context.Background(), rec.ID)
	if string(got.Payload) != "abc" {
		t.Errorf("stored payload = %q, want abc", got.Payload)
	}
}

// ─── Ack ───────────────────────────────────────────────────────────

func TestAck(t *testing.T) {
	tr, clock := newTestTracker(t, 0)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	clock.Advance(time.Second)

	if err := tr.Ack(ctx, rec.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	got, _ := tr.Get(ctx, rec.ID)
	if got.Status != StatusAcknowledged {
		t.Errorf("Status = %q, want acknowledged", got.Status)
	}
	if got.AckedAt == nil || !got.AckedAt.Equal(clock.Now()) {
		t.Errorf("AckedAt = %v, want %v", got.AckedAt, clock.Now())
	}
	if tr.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", tr.InFlight())
	}
}

func TestAckAtMostOnce(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	if err := tr.Ack(ctx, rec.ID); err != nil {
		t.Fatalf("first Ack() error = %v", err)
	}
	if err := tr.Ack(ctx, rec.ID); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("second Ack() error = %v, want ErrAlreadyAcknowledged", err)
	}

	st, _ := tr.Stats(ctx)
	if st.Acknowledged != 1 || st.Total() != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestAckUnknown(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	if err := tr.Ack(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ack() error = %v, want ErrNotFound", err)
	}
}

func TestAckConcurrent(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()
	rec, _ := tr.Track(ctx, helloMsg)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.Ack(ctx, rec.ID)
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyAcknowledged):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != workers-1 {
		t.Errorf("ok=%d dup=%d, want 1/%d", ok, dup, workers-1)
	}
}

// ─── Fail / Due ────────────────────────────────────────────────────

func TestFailKeepsPending(t *testing.T) {
	tr, _ := newTestTracker(t, 3)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	got, err := tr.Fail(ctx, rec.ID, errors.New("timeout"))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", got.LastError)
	}
	if tr.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", tr.InFlight())
	}
}

func TestFailExhaustsAttempts(t *testing.T) {
	tr, _ := newTestTracker(t, 3)
	ctx := context.Background()
	cause := errors.New("connection lost")

	rec, _ := tr.Track(ctx, helloMsg)
	for i := 0; i < 2; i++ {
		if _, err := tr.Fail(ctx, rec.ID, cause); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		due, err := tr.Due(ctx)
		if err != nil {
			t.Fatalf("Due() error = %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("Due() returned %d records, want 1", len(due))
		}
	}

	got, err := tr.Fail(ctx, rec.ID, cause)
	if err != nil {
		t.Fatalf("final Fail() error = %v", err)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}

	due, _ := tr.Due(ctx)
	if len(due) != 0 {
		t.Errorf("Due() returned %d records after failure, want 0", len(due))
	}
}

func TestFailUnlimited(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	for i := 0; i < 20; i++ {
		if _, err := tr.Fail(ctx, rec.ID, errors.New("x")); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		if _, err := tr.Due(ctx); err != nil {
			t.Fatalf("Due() error = %v", err)
		}
	}

	got, _ := tr.Get(ctx, rec.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestFailAfterAck(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	_ = tr.Ack(ctx, rec.ID)

	if _, err := tr.Fail(ctx, rec.ID, errors.New("late")); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("Fail() error = %v, want ErrAlreadyAcknowledged", err)
	}
	if _, err := tr.Fail(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fail() unknown error = %v, want ErrNotFound", err)
	}
}

func TestLateAckOfFailedRecord(t *testing.T) {
	tr, _ := newTestTracker(t, 1)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	got, _ := tr.Fail(ctx, rec.ID, errors.New("timeout"))
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}

	if err := tr.Ack(ctx, rec.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	got, _ = tr.Get(ctx, rec.ID)
	if got.Status != StatusAcknowledged || got.LastError != "" {
		t.Errorf("record = %+v, want acknowledged with no error", got)
	}
}

func TestDueSkipsInFlight(t *testing.T) {
	tr, clock := newTestTracker(t, 0)
	ctx := context.Background()

	first, _ := tr.Track(ctx, helloMsg)
	clock.Advance(time.Millisecond)
	second, _ := tr.Track(ctx, Message{Topic: "hello/again", QoS: 2})

	// Both are claimed by Track.
	due, _ := tr.Due(ctx)
	if len(due) != 0 {
		t.Fatalf("Due() = %d records while both in flight", len(due))
	}

	tr.Release(first.ID)
	tr.Release(second.ID)

	due, err := tr.Due(ctx)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() = %d records, want 2", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Error("Due() not oldest first")
	}
	if due[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", due[0].Attempts)
	}

	// Claimed again: a second pass hands out nothing.
	again, _ := tr.Due(ctx)
	if len(again) != 0 {
		t.Errorf("second Due() = %d records, want 0", len(again))
	}
	if tr.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", tr.InFlight())
	}
}

func TestRequeueTakesBackAttempt(t *testing.T) {
	tr, _ := newTestTracker(t, 2)
	ctx := context.Background()

	rec, _ := tr.Track(ctx, helloMsg)
	if _, err := tr.Fail(ctx, rec.ID, errors.New("timeout")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	// Claimed three times without sending: none of them counts.
	for i := 0; i < 3; i++ {
		due, err := tr.Due(ctx)
		if err != nil || len(due) != 1 {
			t.Fatalf("Due() = %d records, %v", len(due), err)
		}
		if due[0].Attempts != 2 {
			t.Fatalf("claimed Attempts = %d, want 2", due[0].Attempts)
		}
		if err := tr.Requeue(ctx, rec.ID); err != nil {
			t.Fatalf("Requeue() error = %v", err)
		}
	}

	got, _ := tr.Get(ctx, rec.ID)
	if got.Attempts != 1 || got.Status != StatusPending {
		t.Errorf("record = %+v, want pending with 1 attempt", got)
	}
	if tr.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", tr.InFlight())
	}

	// The real second send still gets its turn before the record fails.
	due, _ := tr.Due(ctx)
	if len(due) != 1 {
		t.Fatalf("Due() = %d records, want 1", len(due))
	}
	failed, err := tr.Fail(ctx, rec.ID, errors.New("timeout"))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != StatusFailed || failed.Attempts != 2 {
		t.Errorf("record = %+v, want failed after 2 attempts", failed)
	}

	// Unclaimed ids are ignored.
	if err := tr.Requeue(ctx, rec.ID); err != nil {
		t.Errorf("Requeue(unclaimed) error = %v", err)
	}
	if err := tr.Requeue(ctx, "missing"); err != nil {
		t.Errorf("Requeue(missing) error = %v", err)
	}
}

func TestDueConcurrentNeverDuplicates(t *testing.T) {
	tr, _ := newTestTracker(t, 0)
	ctx := context.Background()

	const records = 20
	for i := 0; i < records; i++ {
		rec, _ := tr.Track(ctx, helloMsg)
		tr.Release(rec.ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			due, err := tr.Due(ctx)
			if err != nil {
				t.Errorf("Due() error = %v", err)
				return
			}
			mu.Lock()
			for _, rec := range due {
				seen[rec.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != records {
		t.Errorf("handed out %d distinct records, want %d", len(seen), records)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s handed out %d times", id, n)
		}
	}
}

// ─── Stats / Prune ─────────────────────────────────────────────────

func TestStatsAndPrune(t *testing.T) {
	tr, clock := newTestTracker(t, 1)
	ctx := context.Background()

	acked, _ := tr.Track(ctx, helloMsg)
	_ = tr.Ack(ctx, acked.ID)

	failed, _ := tr.Track(ctx, helloMsg)
	_, _ = tr.Fail(ctx, failed.ID, errors.New("x"))

	_, _ = tr.Track(ctx, helloMsg)

	st, err := tr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st != (Stats{Pending: 1, Acknowledged: 1, Failed: 1}) {
		t.Errorf("Stats() = %+v", st)
	}

	// Too recent to prune
	n, _ := tr.Prune(ctx, time.Hour)
	if n != 0 {
		t.Errorf("Prune() removed %d, want 0", n)
	}

	clock.Advance(2 * time.Hour)
	n, err = tr.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}

	st, _ = tr.Stats(ctx)
	if st.Acknowledged != 0 || st.Pending != 1 || st.Failed != 1 {
		t.Errorf("Stats() after prune = %+v", st)
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusAcknowledged, StatusFailed} {
		if !s.IsValid() {
			t.Errorf("%q.IsValid() = false", s)
		}
	}
	if Status("lost").IsValid() {
		t.Error(`"lost".IsValid() = true`)
	}
}

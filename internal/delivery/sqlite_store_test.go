package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/database"
	_ "github.com/elex-project/mosquitto-examples/migrations" // registers schema
)

func openTestStore(t *testing.T) (*SQLiteStore, *database.DB) {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "mqttc.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB), db
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 10, 18, 12, 0, 0, 123456789, time.UTC)
	rec := Record{
		ID:        "rec-1",
		Topic:     "hello/mosquitto",
		Payload:   []byte{0x00, 0x01, 0xff},
		QoS:       2,
		Retained:  true,
		Status:    StatusPending,
		Attempts:  1,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Topic != rec.Topic || got.QoS != 2 || !got.Retained || got.Attempts != 1 {
		t.Errorf("Get() = %+v", got)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, rec.Payload)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.AckedAt != nil {
		t.Errorf("AckedAt = %v, want nil", got.AckedAt)
	}

	acked := created.Add(time.Second)
	got.Status = StatusAcknowledged
	got.AckedAt = &acked
	got.UpdatedAt = acked
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ = store.Get(ctx, "rec-1")
	if got.Status != StatusAcknowledged || got.AckedAt == nil || !got.AckedAt.Equal(acked) {
		t.Errorf("after Update: %+v", got)
	}
}

func TestSQLiteStoreNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, Record{ID: "missing", Status: StatusPending}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreListAndStats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	for i, status := range []Status{StatusPending, StatusFailed, StatusPending, StatusAcknowledged} {
		at := base.Add(time.Duration(i) * time.Second)
		rec := Record{
			ID:        string(rune('a' + i)),
			Topic:     "t",
			QoS:       1,
			Status:    status,
			CreatedAt: at,
			UpdatedAt: at,
		}
		if status == StatusAcknowledged {
			rec.AckedAt = &at
		}
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	pending, err := store.List(ctx, StatusPending, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Errorf("List(pending) = %+v", pending)
	}

	limited, _ := store.List(ctx, StatusPending, 1)
	if len(limited) != 1 {
		t.Errorf("List(limit 1) = %d records", len(limited))
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st != (Stats{Pending: 2, Acknowledged: 1, Failed: 1}) {
		t.Errorf("Stats() = %+v", st)
	}

	n, err := store.DeleteAcknowledgedBefore(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteAcknowledgedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

// TestSQLiteStoreSurvivesRestart checks that pending records are redelivered
// by a fresh tracker opened over the same file.
func TestSQLiteStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqttc.db")
	ctx := context.Background()

	open := func() *database.DB {
		db, err := database.Open(database.Config{Path: path, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("database.Open() error = %v", err)
		}
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		return db
	}

	db := open()
	first := NewTracker(NewSQLiteStore(db.DB), Options{MaxAttempts: 5})
	rec, err := first.Track(ctx, helloMsg)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	db.Close() //nolint:errcheck // simulated crash before ack

	db = open()
	defer db.Close() //nolint:errcheck // Test cleanup

	second := NewTracker(NewSQLiteStore(db.DB), Options{MaxAttempts: 5})
	due, err := second.Due(ctx)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != rec.ID {
		t.Fatalf("Due() = %+v, want the record from the previous run", due)
	}
	if due[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", due[0].Attempts)
	}
	if err := second.Ack(ctx, rec.ID); err != nil {
		t.Errorf("Ack() error = %v", err)
	}
}

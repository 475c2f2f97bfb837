package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on the deliveries table.
//
// Records survive restarts, so pending messages from a previous run are
// redelivered after the next successful connect.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store backed by an open SQLite connection.
//
// Parameters:
//   - db: Open SQLite connection with migrations applied
//
// Returns:
//   - *SQLiteStore: Store ready for use
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries
		 (id, topic, payload, qos, retained, status, attempts, last_error, created_at, updated_at, acked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Topic,
		rec.Payload,
		int(rec.QoS),
		boolToInt(rec.Retained),
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		formatOptionalTime(rec.AckedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, qos, retained, status, attempts, last_error, created_at, updated_at, acked_at
		 FROM deliveries WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying delivery: %w", err)
	}
	return rec, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
		 SET status = ?, attempts = ?, last_error = ?, updated_at = ?, acked_at = ?
		 WHERE id = ?`,
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		formatTime(rec.UpdatedAt),
		formatOptionalTime(rec.AckedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating delivery: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	query := `SELECT id, topic, payload, qos, retained, status, attempts, last_error, created_at, updated_at, acked_at
		 FROM deliveries WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return out, nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM deliveries GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("counting deliveries: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning delivery count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusAcknowledged:
			st.Acknowledged = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating delivery counts: %w", err)
	}
	return st, nil
}

// DeleteAcknowledgedBefore implements Store.
func (s *SQLiteStore) DeleteAcknowledgedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM deliveries WHERE status = ? AND acked_at IS NOT NULL AND acked_at < ?",
		string(StatusAcknowledged),
		formatTime(t),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		qos       int
		retained  int
		status    string
		createdAt string
		updatedAt string
		ackedAt   sql.NullString
	)

	if err := row.Scan(
		&rec.ID, &rec.Topic, &rec.Payload, &qos, &retained, &status,
		&rec.Attempts, &rec.LastError, &createdAt, &updatedAt, &ackedAt,
	); err != nil {
		return Record{}, err
	}

	rec.QoS = byte(qos) //nolint:gosec // stored values are 0..2
	rec.Retained = retained != 0
	rec.Status = Status(status)

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if ackedAt.Valid && ackedAt.String != "" {
		t, err := time.Parse(timeLayout, ackedAt.String)
		if err != nil {
			return Record{}, fmt.Errorf("parsing acked_at: %w", err)
		}
		rec.AckedAt = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package journal keeps a SQLite record of the messages the client sends
// and receives, for the API's message history.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// timeLayout matches the deliveries table so both sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultBuffer    = 256
	defaultListLimit = 100
	maxListLimit     = 1000

	// trimEvery is how many recorded entries pass between trims in Run.
	trimEvery = 500

	writeTimeout = 5 * time.Second
)

// ErrInvalidQuery is returned by List for a malformed filter or direction.
var ErrInvalidQuery = errors.New("journal: invalid query")

// Entry is one journaled message.
type Entry struct {
	ID        int64          `json:"id"`
	Direction mqtt.Direction `json:"direction"`
	Topic     string         `json:"topic"`
	Payload   []byte         `json:"payload"`
	QoS       byte           `json:"qos"`
	Retained  bool           `json:"retained"`
	Time      time.Time      `json:"time"`
}

// Query selects entries for List. Zero fields do not filter.
type Query struct {
	// Filter is an MQTT topic filter; wildcards are matched.
	Filter    string
	Direction mqtt.Direction
	Since     time.Time
	// Limit caps the result, newest first. Zero means 100.
	Limit int
}

// Journal stores messages in the messages table.
//
// Record writes synchronously. Listener and Run add a buffered path for
// the MQTT receive goroutine, which must not wait on the disk.
type Journal struct {
	db         *sql.DB
	maxEntries int
	logger     Logger

	queue   chan Entry
	dropped atomic.Int64
}

// Logger is the subset of logging.Logger the journal uses.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// New creates a journal on an open SQLite connection with migrations
// applied. maxEntries bounds the table when Run trims it; zero keeps
// everything. A nil logger discards.
func New(db *sql.DB, maxEntries int, logger Logger) *Journal {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Journal{
		db:         db,
		maxEntries: maxEntries,
		logger:     logger,
		queue:      make(chan Entry, defaultBuffer),
	}
}

// Record stores one entry and returns its id.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Direction != mqtt.DirectionTx && e.Direction != mqtt.DirectionRx {
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidQuery, e.Direction)
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO messages (direction, topic, payload, qos, retained, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Direction),
		e.Topic,
		e.Payload,
		int(e.QoS),
		e.Retained,
		e.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	return res.LastInsertId()
}

// List returns entries matching q, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Filter != "" {
		if err := mqtt.ValidateFilter(q.Filter); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	}
	switch q.Direction {
	case "", mqtt.DirectionTx, mqtt.DirectionRx:
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidQuery, q.Direction)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := `SELECT id, direction, topic, payload, qos, retained, created_at FROM messages WHERE 1 = 1`
	var args []any
	if q.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(q.Direction))
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	query += " ORDER BY id DESC"
	if q.Filter == "" {
		// Wildcard filters are matched below, so only plain queries can limit in SQL.
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() && len(out) < limit {
		var (
			e         Entry
			direction string
			qos       int
			created   string
		)
		if err := rows.Scan(&e.ID, &direction, &e.Topic, &e.Payload, &qos, &e.Retained, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if q.Filter != "" && !mqtt.MatchTopic(q.Filter, e.Topic) {
			continue
		}
		e.Direction = mqtt.Direction(direction)
		e.QoS = byte(qos) //nolint:gosec // constrained by insert
		e.Time, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", created, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// Trim deletes all but the newest keep entries and returns how many were
// removed. keep <= 0 removes nothing.
func (j *Journal) Trim(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("trimming messages: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// Listener returns a message listener for mqtt.Client.OnMessage. It
// never blocks: entries are queued for Run and dropped when the queue is
// full.
func (j *Journal) Listener() func(mqtt.Message) {
	return func(m mqtt.Message) {
		e := Entry{
			Direction: m.Direction,
			Topic:     m.Topic,
			Payload:   append([]byte(nil), m.Payload...),
			QoS:       m.QoS,
			Retained:  m.Retained,
			Time:      m.Time,
		}
		select {
		case j.queue <- e:
		default:
			j.dropped.Add(1)
		}
	}
}

// Dropped returns how many entries Listener discarded.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Run writes queued entries until ctx is done, trimming the table to
// maxEntries as it goes. Entries still queued at shutdown are written
// before Run returns. Write errors are logged and the entry is lost.
func (j *Journal) Run(ctx context.Context) error {
	written := 0
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e, &written)
		case <-ctx.Done():
			for {
				select {
				case e := <-j.queue:
					j.write(ctx, e, &written)
				default:
					j.trim(ctx)
					return nil
				}
			}
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry, written *int) {
	// Detached so the shutdown drain still reaches the disk.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if _, err := j.Record(wctx, e); err != nil {
		j.logger.Warn("journal write failed", "topic", e.Topic, "error", err)
		return
	}
	*written++
	if *written%trimEvery == 0 {
		j.trim(wctx)
	}
}

func (j *Journal) trim(ctx context.Context) {
	if j.maxEntries <= 0 {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	n, err := j.Trim(tctx, j.maxEntries)
	if err != nil {
		j.logger.Warn("journal trim failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Debug("journal trimmed", "removed", n)
	}
}

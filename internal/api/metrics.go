package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// SystemMetrics is the body of GET /metrics. Optional sections are
// omitted when mqttc runs without the backing component.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          mqtt.Stats       `json:"mqtt"`
	Deliveries    *delivery.Stats  `json:"deliveries,omitempty"`
	Journal       *JournalMetrics  `json:"journal,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics counts live feed clients and events skipped because a
// client's buffer was full.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	Dropped          int64 `json:"dropped"`
}

// JournalMetrics counts stored entries and entries lost to a full
// journal queue.
type JournalMetrics struct {
	Entries int64 `json:"entries"`
	Dropped int64 `json:"dropped"`
}

type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

const bytesPerMB = 1 << 20

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       runtimeMetrics(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount(), Dropped: s.hub.Dropped()},
		MQTT:          s.mqtt.Stats(),
		Deliveries:    s.deliveryMetrics(ctx),
		Journal:       s.journalMetrics(ctx),
		Database:      s.databaseMetrics(),
	})
}

func runtimeMetrics() RuntimeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(m.Alloc) / bytesPerMB,
		MemoryTotalMB: float64(m.TotalAlloc) / bytesPerMB,
		NumGC:         m.NumGC,
	}
}

// Failures of the optional sources are logged and the section left out
// so one broken store does not hide the rest.

func (s *Server) deliveryMetrics(ctx context.Context) *delivery.Stats {
	if s.tracker == nil {
		return nil
	}
	stats, err := s.tracker.Stats(ctx)
	if err != nil {
		s.logger.Warn("metrics: delivery stats unavailable", "error", err)
		return nil
	}
	return &stats
}

func (s *Server) journalMetrics(ctx context.Context) *JournalMetrics {
	if s.journal == nil {
		return nil
	}
	n, err := s.journal.Count(ctx)
	if err != nil {
		s.logger.Warn("metrics: journal count unavailable", "error", err)
		return nil
	}
	return &JournalMetrics{Entries: n, Dropped: s.journal.Dropped()}
}

func (s *Server) databaseMetrics() *DatabaseMetrics {
	if s.db == nil {
		return nil
	}
	st := s.db.Stats()
	return &DatabaseMetrics{
		OpenConnections: st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
		WaitCount:       st.WaitCount,
	}
}

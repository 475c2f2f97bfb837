package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
	"github.com/elex-project/mosquitto-examples/internal/journal"
)

// maxPayloadSize mirrors the MQTT client's payload limit.
const maxPayloadSize = 1 << 20

// maxDeliveryListLimit caps GET /deliveries.
const maxDeliveryListLimit = 1000

// PublishRequest is the body of POST /publish.
//
// Payload is sent as-is. PayloadBase64, when set, takes precedence and
// carries binary payloads.
type PublishRequest struct {
	Topic         string `json:"topic"`
	Payload       string `json:"payload"`
	PayloadBase64 string `json:"payload_base64,omitempty"`
	QoS           *int   `json:"qos,omitempty"`
	Retained      bool   `json:"retained"`
}

// SubscribeRequest is the body of POST /subscriptions.
type SubscribeRequest struct {
	Filter string `json:"filter"`
	QoS    int    `json:"qos"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State         string              `json:"state"`
	Connected     bool                `json:"connected"`
	Subscriptions []mqtt.Subscription `json:"subscriptions"`
	Stats         mqtt.Stats          `json:"stats"`
	Deliveries    *delivery.Stats     `json:"deliveries,omitempty"`
}

// handleHealth reports the process. It stays 200 while the MQTT session
// reconnects; mqtt_state shows where the session is.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"mqtt_state": s.mqtt.State().String(),
	})
}

// handleStatus returns the MQTT session state and counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:         s.mqtt.State().String(),
		Connected:     s.mqtt.IsConnected(),
		Subscriptions: s.mqtt.Subscriptions(),
		Stats:         s.mqtt.Stats(),
	}
	if s.tracker != nil {
		stats, err := s.tracker.Stats(r.Context())
		if err != nil {
			s.logger.Error("reading delivery stats", "error", err)
			writeInternalError(w, "failed to read delivery stats")
			return
		}
		resp.Deliveries = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePublish publishes one message.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	payload := []byte(req.Payload)
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			writeBadRequest(w, "payload_base64 is not valid base64")
			return
		}
		payload = decoded
	}
	if len(payload) > maxPayloadSize {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "payload exceeds 1 MiB")
		return
	}

	qos := 1
	if req.QoS != nil {
		qos = *req.QoS
	}
	if qos < 0 || qos > 2 {
		writeBadRequest(w, mqtt.ErrInvalidQoS.Error())
		return
	}

	if err := s.mqtt.Publish(r.Context(), req.Topic, payload, byte(qos), req.Retained); err != nil {
		s.writeMQTTError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"topic":    req.Topic,
		"bytes":    len(payload),
		"qos":      qos,
		"retained": req.Retained,
	})
}

// handleListSubscriptions returns the registered filters.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.mqtt.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// handleSubscribe adds a subscription. Matching messages reach WebSocket
// clients and the journal through the client's message tap, so the
// handler itself does nothing.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.QoS < 0 || req.QoS > 2 {
		writeBadRequest(w, mqtt.ErrInvalidQoS.Error())
		return
	}

	err := s.mqtt.Subscribe(req.Filter, byte(req.QoS), func(string, []byte) error { return nil })
	if err != nil {
		s.writeMQTTError(w, err)
		return
	}

	s.logger.Info("subscription added via API", "filter", req.Filter, "qos", req.QoS)
	writeJSON(w, http.StatusCreated, mqtt.Subscription{Filter: req.Filter, QoS: byte(req.QoS)})
}

// handleUnsubscribe removes the subscription named by ?filter=.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		writeBadRequest(w, "filter query parameter is required")
		return
	}
	if !s.mqtt.HasSubscription(filter) {
		writeNotFound(w, "no subscription for "+filter)
		return
	}

	if err := s.mqtt.Unsubscribe(filter); err != nil {
		s.writeMQTTError(w, err)
		return
	}

	s.logger.Info("subscription removed via API", "filter", filter)
	w.WriteHeader(http.StatusNoContent)
}

// handleListDeliveries lists tracked publishes with ?status= (default
// pending) and ?limit=.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeUnavailable(w, "delivery tracking is disabled")
		return
	}

	status := delivery.StatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		status = delivery.Status(v)
		if !status.IsValid() {
			writeBadRequest(w, "status must be pending, acknowledged or failed")
			return
		}
	}

	limit, ok := parseLimit(w, r, maxDeliveryListLimit)
	if !ok {
		return
	}

	records, err := s.tracker.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("listing deliveries", "error", err)
		writeInternalError(w, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": records,
		"count":      len(records),
	})
}

// handleGetDelivery returns one tracked publish.
func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeUnavailable(w, "delivery tracking is disabled")
		return
	}

	rec, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, delivery.ErrNotFound) {
		writeNotFound(w, "delivery not found")
		return
	}
	if err != nil {
		s.logger.Error("reading delivery", "error", err)
		writeInternalError(w, "failed to read delivery")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListMessages queries the journal with ?filter=, ?direction=,
// ?since= (RFC 3339) and ?limit=.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "message journal is disabled")
		return
	}

	q := journal.Query{
		Filter:    r.URL.Query().Get("filter"),
		Direction: mqtt.Direction(r.URL.Query().Get("direction")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	q.Limit = limit

	entries, err := s.journal.List(r.Context(), q)
	if errors.Is(err, journal.ErrInvalidQuery) {
		writeBadRequest(w, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("listing messages", "error", err)
		writeInternalError(w, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": entries,
		"count":    len(entries),
	})
}

// parseLimit reads ?limit=. Zero max means no cap here.
func parseLimit(w http.ResponseWriter, r *http.Request, maxLimit int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}

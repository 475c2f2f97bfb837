package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Machine-readable values of Error.Code.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeBadGateway     = "bad_gateway"
	ErrCodeTimeout        = "broker_timeout"
	ErrCodeTooLarge       = "payload_too_large"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// mqttErrors maps client errors onto responses, first match wins.
// A message of "" means the error text is used.
var mqttErrors = []struct {
	targets []error
	status  int
	code    string
	message string
}{
	{[]error{mqtt.ErrInvalidTopic, mqtt.ErrInvalidFilter, mqtt.ErrInvalidQoS}, http.StatusUnprocessableEntity, ErrCodeValidation, ""},
	{[]error{mqtt.ErrNotConnected, mqtt.ErrClosed}, http.StatusServiceUnavailable, ErrCodeUnavailable, "mqtt client is not connected"},
	{[]error{mqtt.ErrTimeout}, http.StatusGatewayTimeout, ErrCodeTimeout, "broker did not acknowledge in time"},
}

// writeMQTTError answers a failed publish or subscribe. Unmapped errors
// are the broker's fault and become 502.
func (s *Server) writeMQTTError(w http.ResponseWriter, err error) {
	for _, m := range mqttErrors {
		for _, target := range m.targets {
			if !errors.Is(err, target) {
				continue
			}
			msg := m.message
			if msg == "" {
				msg = err.Error()
			}
			writeError(w, m.status, m.code, msg)
			return
		}
	}
	s.logger.Warn("mqtt operation failed", "error", err)
	writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeUnavailable is used when an optional backend (tracker, journal,
// database) is not configured or the broker is unreachable.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

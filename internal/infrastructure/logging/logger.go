package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

const serviceName = "mqttc"

// redacted replaces the value of any attribute whose key names a secret.
const redacted = "[REDACTED]"

// secretKeys are matched against the lower-cased attribute key.
var secretKeys = []string{"password", "secret", "token", "ticket"}

// Logger is a slog.Logger carrying service and version attributes. It is
// safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New writes to cfg.Output: "stderr", or stdout for anything else.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return NewWithWriter(w, cfg, version)
}

// NewWithWriter is New with an explicit destination; cfg.Output is
// ignored.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h).With("service", serviceName, "version", version)}
}

// parseLevel maps debug, info, warn(ing) and error. Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// redactSecrets hides broker passwords, JWTs and websocket tickets that
// end up in log attributes.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used before configuration is loaded: JSON, info,
// stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

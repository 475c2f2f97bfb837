// Package logging provides structured logging for mqttc.
//
// It wraps log/slog so every component logs the same way: JSON for
// services, text for interactive CLI use, and the service and version
// attributes on every record.
//
// Configuration comes from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	mqttLog := logger.Component("mqtt")
//	mqttLog.Info("connected", "broker", url)
//
// Never log broker passwords, key store passwords or tokens.
package logging

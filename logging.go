package isotp

import (
	"log/slog"

	log "github.com/sirupsen/logrus"
)

// Package-level logging follows the same split the library's ambient
// stack uses throughout: slog for infrastructure (Network and the bus
// adapters) and logrus for the protocol engine's per-connection
// tracing, where structured fields (tx/rx id) are attached once via
// WithFields and reused across many log calls in a connection's
// lifetime.

// SetInfraLogger replaces the slog.Logger used by Network and bus
// adapters. Call before NewNetwork if a non-default handler is needed.
func SetInfraLogger(l *slog.Logger) {
	slog.SetDefault(l)
}

// SetProtocolLogger replaces the logrus.Logger used for per-connection
// tracing.
func SetProtocolLogger(l *log.Logger) {
	protocolLogger = l
}

var protocolLogger = log.StandardLogger()

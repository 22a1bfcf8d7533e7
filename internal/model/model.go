// Package model contains the data models shared by the connection core:
// servers, intents, protocols, certificates and the logging and dialing
// abstractions.
package model

import (
	"context"
	"net"
)

// Logger is the generic logger definition. The apex/log logger
// implements it.
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)
}

// Dialer dials the connections used by the availability probes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

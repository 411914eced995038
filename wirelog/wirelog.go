// Package wirelog provides the structured logging sink injected into the
// core. Nothing in message, correspondence, peer, or server calls
// log.Printf directly — every component that needs to log takes a
// zerolog.Logger, defaulting to a no-op sink so unit tests stay silent
// unless they opt in.
package wirelog

import (
	"io"

	"github.com/rs/zerolog"
)

// New builds a logger writing one JSON object per record to w. cmd/corrserve
// and cmd/corrchat use this over a rotating lumberjack.Logger.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, the default for
// constructors that don't take an explicit logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

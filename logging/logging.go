// Package logging provides AgentPulse's structured leveled logger,
// built on logrus the way the teacher pack's toxcore dependency uses it
// throughout crypto/ and messaging/ — structured fields, not
// printf-style strings. One *logrus.Logger is constructed per process
// and threaded through components as a field rather than reached for as
// a package global, consistent with the cyclic-global-state design note.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logger honoring LOG_LEVEL's closed set
// (debug|info|warn|error|silent) from spec.md §6. An unrecognized level
// falls back to info, matching the teacher's defaultConfig fallback
// pattern for unset/invalid config values.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		l.SetOutput(io.Discard)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	case "info", "":
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// ShortKey truncates a hex pubkey/event ID to 8 characters for log
// readability, mirroring the teacher's shortPK helper.
func ShortKey(k string) string {
	if len(k) <= 8 {
		return k
	}
	return k[:8]
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one notch below slog.LevelDebug. The reconciliation
// loop and its collaborators log raw wire payloads — offer-list JSON,
// the scraped confirmation HTML — at this level so a normal "debug"
// run stays readable; only an operator chasing a glitched-offer or
// malformed-confirmation report needs to drop to trace and see the
// bytes that actually came back over the wire.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a config.yaml log_level string onto a slog.Level.
// Accepted values: trace, debug, info, warn, error (case-insensitive,
// surrounding whitespace trimmed); "" defaults to info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is a slog.HandlerOptions.ReplaceAttr hook that
// prints LevelTrace as "TRACE" instead of slog's default "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

package logger

import (
	"log/slog"
	"strings"
)

// uidKeep is how many UID characters survive in logs.
const uidKeep = 8

const redacted = "***REDACTED***"

var secretKeys = []string{"api_key", "apikey", "password", "secret", "token"}

func redact(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		key := strings.ToLower(a.Key)
		v := a.Value.String()
		if key == "uid" {
			return slog.String(a.Key, ShortUID(v))
		}
		for _, s := range secretKeys {
			if strings.Contains(key, s) && v != "" {
				return slog.String(a.Key, redacted)
			}
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redact(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// ShortUID truncates a tag UID for display.
func ShortUID(uid string) string {
	if len(uid) <= uidKeep {
		return uid
	}
	return uid[:uidKeep] + "…"
}

package observ

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide logger. Callers pass it down explicitly;
// nothing in this repo logs through a package-level global.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// sensitive header names, lowercase
var redactedHeaders = map[string]bool{
	"authorization": true,
	"appkey":        true,
	"appsecret":     true,
	"hashkey":       true,
}

// RedactHeaders returns a copy of headers safe for logging: credential-bearing
// values are masked down to a short prefix.
func RedactHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[strings.ToLower(k)] {
			out[k] = mask(v)
			continue
		}
		out[k] = v
	}
	return out
}

func mask(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return v[:8] + "****"
}

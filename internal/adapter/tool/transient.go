package tool

import (
	"errors"
	"strings"

	"ensemble-ai/internal/domain"
)

// transientSentinels lists domain errors a single client refresh plus retry
// can plausibly fix: expired credentials, dropped streams, and backend
// pressure that clears on its own.
var transientSentinels = []error{
	domain.ErrAuthExpired,
	domain.ErrStreamClosed,
	domain.ErrTimeout,
	domain.ErrRateLimit,
}

// transientPatterns are error-message substrings that mark a failure as
// transient when no sentinel is wrapped in. Checked case-insensitively.
var transientPatterns = []string{
	"auth expired",
	"token expired",
	"authentication expired",
	"unauthorized",
	"stream closed",
	"stream reset",
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// isTransient reports whether a tool failure is worth one refresh-and-retry.
// nil, unknown, and permanent errors are not transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

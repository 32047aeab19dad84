package outbox

import (
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

// retryDelay doubles base for every failed attempt after the first and
// caps the result at maxDelay. The jitter is added on top of the cap.
func retryDelay(attempts int, base, maxDelay, maxJitter time.Duration, r *rand.Rand) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	if maxJitter > 0 && r != nil {
		d += time.Duration(r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
	}
	return d
}

// clipError renders err for the last_error column, cut to at most max
// bytes on a rune boundary.
func clipError(err error, maxBytes int) string {
	if err == nil || maxBytes <= 0 {
		return ""
	}
	s := err.Error()
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// TableLabel is the metric and log label of an outbox table.
func TableLabel(table pgx.Identifier) string {
	return strings.Join(table, ".")
}

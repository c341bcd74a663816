package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// errInvalidSince rejects a replay position that is not a non-negative integer.
var errInvalidSince = errors.New("since must be a non-negative integer")

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseLogLimit reads ?logs=N, falling back to def and clamping to [1, maxLimit].
func parseLogLimit(r *http.Request, def, maxLimit int) int {
	n := parseIntQuery(r, "logs", def)
	if n < 1 {
		n = def
	}
	return min(n, maxLimit)
}

// parseSince returns the replay position from ?since=N, falling back to the Last-Event-ID
// header a reconnecting EventSource sends. Nil means live events only.
func parseSince(r *http.Request) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return nil, nil //nolint:nilnil // absent position is not an error
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return nil, errInvalidSince
	}
	return &n, nil
}

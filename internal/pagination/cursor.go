// Package pagination provides opaque cursor helpers for time-ordered
// listings such as violation and assessment history.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in a time-ordered result set. Timestamp carries
// the sort key (detection or evaluation time); ID breaks ties between items
// sharing one timestamp.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode returns an opaque cursor for the given position.
func Encode(ts time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", ts.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means "from the start" and
// decodes to nil without error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	tsPart, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Timestamp: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. When a surplus item
// proves more results exist, the page is cut to limit and the last kept
// item's key becomes the next cursor.
func ComputePage[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	ts, id := keyOf(items[len(items)-1])
	return items, Encode(ts, id), true
}

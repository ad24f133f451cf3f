package store

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/google/uuid"
)

// Keyset cursors are "<unix nanos>|<id>" encoded as url-safe base64.

func encodeCursor(t time.Time, id string) string {
	raw := strconv.FormatInt(t.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", errs.Validation("malformed cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errs.Validation("malformed cursor")
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return time.Time{}, "", errs.Validation("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", errs.Validation("malformed cursor")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}

func encodeIDCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeIDCursor(s string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, errs.Validation("malformed cursor")
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("malformed cursor")
	}
	return id, nil
}

// before reports whether (t, id) sorts after the cursor position in
// descending (time, id) order.
func before(t time.Time, id string, ct time.Time, cid string) bool {
	if t.Equal(ct) {
		return id < cid
	}
	return t.Before(ct)
}

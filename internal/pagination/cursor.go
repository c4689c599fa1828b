// Package pagination implements opaque keyset cursors for list endpoints.
//
// Cursors encode the (createdAt, id) position of the last item on a page.
// Listings order by created_at DESC, id DESC; the id tiebreak keeps the
// ordering total so rows created in the same instant are never skipped or
// repeated across pages.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
// Callers should treat it as a client error.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded position in a listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a position into an opaque URL-safe string.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor string. An empty string decodes to nil, meaning
// start from the beginning.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Before reports whether the item at (createdAt, id) sorts after the cursor
// position in created_at DESC, id DESC order, i.e. belongs on a later page.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id < c.ID
}

// Page trims an over-fetched result down to the page size and computes the
// follow-up cursor. items must have been fetched with limit+1; key extracts
// the (createdAt, id) sort key of an item.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, hasMore bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}

// Package pagination encodes opaque cursors over the event log.
//
// A cursor names the next record to return as (commit seq, record index),
// so a page boundary may fall inside a commit that produced several events.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a resume position: the record at (Seq, Index) comes next.
type Cursor struct {
	Seq   uint64
	Index int
}

// Encode returns an opaque cursor string.
func Encode(seq uint64, index int) string {
	raw := fmt.Sprintf("%d|%d", seq, index)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	seqStr, idxStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Seq: seq, Index: idx}, nil
}

// ComputePage takes items fetched with limit+1 and the requested limit.
// position maps an item to its own (seq, index). Returns the trimmed items,
// the cursor for the item after the last one returned, and whether more
// items exist.
func ComputePage[T any](items []T, limit int, position func(T) (uint64, int)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	seq, idx := position(items[len(items)-1])
	return items, Encode(seq, idx+1), true
}

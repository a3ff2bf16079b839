package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cursor holds the last delivered message id per channel.
type Cursor map[Channel]int64

// Clone returns an independent copy of c.
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Advance records id for ch if it is newer. It reports whether the cursor moved.
func (c Cursor) Advance(ch Channel, id int64) bool {
	if id <= c[ch] {
		return false
	}
	c[ch] = id
	return true
}

// String encodes the cursor as "output:12,log:3,status:5".
func (c Cursor) String() string {
	parts := make([]string, 0, len(c))
	for ch, id := range c {
		parts = append(parts, fmt.Sprintf("%s:%d", ch, id))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseCursor decodes the format produced by Cursor.String. Empty input
// yields an empty cursor; unknown channels are rejected.
func ParseCursor(s string) (Cursor, error) {
	c := Cursor{}
	s = strings.TrimSpace(s)
	if s == "" {
		return c, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, num, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid cursor segment %q", part)
		}
		ch := Channel(name)
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown channel %q in cursor", name)
		}
		id, err := strconv.ParseInt(num, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid id %q for channel %s", num, name)
		}
		c[ch] = id
	}
	return c, nil
}

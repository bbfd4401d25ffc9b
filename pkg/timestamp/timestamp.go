// Package timestamp provides the UNIX second timestamp type shared by
// events and filters.
package timestamp

import (
	"strconv"
	"time"
)

// T is a UNIX timestamp with 1 second precision, stored as a signed 64
// bit integer. Events carry whatever value their author stamped on
// them; never trust a timestamp.
type T int64

// Now returns the current second as a T.
func Now() T { return T(time.Now().Unix()) }

// FromTime converts a time.Time to a T, truncating to the second.
func FromTime(t time.Time) T { return T(t.Unix()) }

// FromUnix wraps a raw int64 UNIX timestamp.
func FromUnix(u int64) T { return T(u) }

// Time converts t back to a time.Time in the local zone.
func (t T) Time() time.Time { return time.Unix(int64(t), 0) }

// I64 returns the timestamp as an int64.
func (t T) I64() int64 { return int64(t) }

func (t T) String() string { return strconv.FormatInt(int64(t), 10) }

// Ptr returns a pointer to t, for optional filter fields where nil
// means absent.
func (t T) Ptr() *T { return &t }

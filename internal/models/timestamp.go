package models

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision, independent of
// any location.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// SnapshotVersion is the server commit time that a document or a watch
// snapshot reflects.
type SnapshotVersion = Timestamp

// MinVersion is the version before any server write.
var MinVersion = SnapshotVersion{}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// TimestampFromMicros converts microseconds since the epoch.
func TimestampFromMicros(us int64) Timestamp {
	return Timestamp{Seconds: us / 1_000_000, Nanos: int32(us%1_000_000) * 1000}
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp { return TimestampFromTime(time.Now()) }

// Time converts back to a time.Time in UTC.
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

// Micros returns microseconds since the epoch.
func (t Timestamp) Micros() int64 { return t.Seconds*1_000_000 + int64(t.Nanos)/1000 }

// IsZero reports whether t equals MinVersion.
func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Nanos == 0 }

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	}
	return 0
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// MaxTimestamp returns the later of a and b.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

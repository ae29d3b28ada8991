package sync15

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ServerTimestamp is a storage-server modification time in milliseconds
// since the epoch. The wire format is floating-point seconds (headers and
// JSON bodies both); keeping millis as an integer avoids float drift in the
// optimistic-concurrency comparisons, which must be exact.
type ServerTimestamp int64

// Epoch is the zero timestamp, used as last_modified for a first sync.
const Epoch = ServerTimestamp(0)

// TimestampFromFloatSeconds converts a server-supplied float-seconds value.
// Illegal values (negative, NaN, out of range) collapse to zero rather than
// producing a bogus negative timestamp.
func TimestampFromFloatSeconds(ts float64) ServerTimestamp {
	rf := math.Round(ts * 1000.0)
	if math.IsNaN(rf) || math.IsInf(rf, 0) || rf < 0 || rf >= math.MaxInt64 {
		return 0
	}
	return ServerTimestamp(int64(rf))
}

// TimestampFromMillis builds a timestamp from integer milliseconds,
// substituting zero for negative inputs.
func TimestampFromMillis(ms int64) ServerTimestamp {
	if ms < 0 {
		return 0
	}
	return ServerTimestamp(ms)
}

// ParseTimestamp parses the float-seconds header representation
// (X-Last-Modified / X-Weave-Timestamp).
func ParseTimestamp(s string) (ServerTimestamp, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return TimestampFromFloatSeconds(f), nil
}

// Millis returns the timestamp in integer milliseconds.
func (t ServerTimestamp) Millis() int64 { return int64(t) }

// DurationSince returns the delta t-other, with ok=false whenever other is
// later than t. It never panics for any pair of values.
func (t ServerTimestamp) DurationSince(other ServerTimestamp) (time.Duration, bool) {
	delta := int64(t) - int64(other)
	if delta < 0 {
		return 0, false
	}
	return time.Duration(delta) * time.Millisecond, true
}

// String renders the wire representation: floating seconds.
func (t ServerTimestamp) String() string {
	return strconv.FormatFloat(float64(t)/1000.0, 'f', -1, 64)
}

// MarshalJSON encodes as floating seconds, matching the server's JSON bodies.
func (t ServerTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON decodes a floating seconds value.
func (t *ServerTimestamp) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("bad server timestamp %q: %w", b, err)
	}
	*t = TimestampFromFloatSeconds(f)
	return nil
}

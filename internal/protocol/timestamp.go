package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a point in time in milliseconds since the Unix epoch. On the
// wire it is a JSON number; RFC 3339 strings and numeric strings are
// accepted when decoding since backends differ in how they serialize dates.
type Timestamp int64

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// MarshalJSON encodes the timestamp as a number of milliseconds.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(ts), 10)), nil
}

// UnmarshalJSON decodes a number, a numeric string or an RFC 3339 string.
// null leaves the timestamp at zero.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ts = 0
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return ts.setNumber(string(n))
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("protocol: invalid timestamp %s", data)
	}
	if s == "" {
		*ts = 0
		return nil
	}
	if err := ts.setNumber(s); err == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("protocol: invalid timestamp %q: %w", s, err)
	}
	*ts = TimestampOf(t)
	return nil
}

func (ts *Timestamp) setNumber(s string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*ts = Timestamp(i)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*ts = Timestamp(int64(f))
	return nil
}

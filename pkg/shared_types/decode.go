package shared_types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Layouts accepted for string timestamps, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// Numeric timestamps above this are epoch milliseconds, below it seconds.
const epochMillisThreshold = 1e11

// UnmarshalJSON decodes a NegotiationMessage. Timestamp and rate are read
// leniently: a timestamp may be RFC3339, a plain date-time, or epoch
// seconds or milliseconds, and a rate may be a number or a numeric string.
// Values that cannot be read are left zero instead of failing the message.
func (m *NegotiationMessage) UnmarshalJSON(data []byte) error {
	type plain NegotiationMessage
	aux := struct {
		*plain
		Rate      json.RawMessage `json:"rate"`
		Timestamp json.RawMessage `json:"timestamp"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Rate = parseRate(aux.Rate)
	m.Timestamp = ParseTimestamp(aux.Timestamp)
	return nil
}

// ParseTimestamp reads a JSON timestamp value. It returns the zero time for
// null, empty and unreadable values.
func ParseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return fromEpoch(f)
}

func fromEpoch(f float64) time.Time {
	if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseRate(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

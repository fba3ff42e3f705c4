package shared

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the format layout for parsing dates.
	DateLayout = "2006-01-02 15:04:05"
)

// Timeframe represents the market data time period.
type Timeframe int

const (
	OneMinute Timeframe = iota
	FiveMinute
	FifteenMinute
	ThirtyMinute
	OneHour
	FourHour
)

// String stringifies the provided timeframe.
func (t Timeframe) String() string {
	switch t {
	case OneMinute:
		return "1m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case ThirtyMinute:
		return "30m"
	case OneHour:
		return "1h"
	case FourHour:
		return "4h"
	default:
		return "unknown"
	}
}

// Duration returns the wall clock duration of a single candle of the timeframe.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	case ThirtyMinute:
		return time.Minute * 30
	case OneHour:
		return time.Hour
	case FourHour:
		return time.Hour * 4
	default:
		return 0
	}
}

// ParseTimeframe parses the provided timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "1min":
		return OneMinute, nil
	case "5m", "5min":
		return FiveMinute, nil
	case "15m", "15min":
		return FifteenMinute, nil
	case "30m", "30min":
		return ThirtyMinute, nil
	case "1h", "1hour":
		return OneHour, nil
	case "4h", "4hour":
		return FourHour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe provided: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeframe) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timeframe) UnmarshalText(b []byte) error {
	tf, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}

	*t = tf
	return nil
}

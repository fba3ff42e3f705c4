package shared

import (
	"fmt"
	"strings"
)

// Direction represents market direction.
type Direction int

const (
	Long Direction = iota
	Short
)

// String stringifies the provided direction.
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}

	return Long
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "long", "buy":
		*d = Long
	case "short", "sell":
		*d = Short
	default:
		return fmt.Errorf("unknown direction provided: %s", string(b))
	}

	return nil
}

// CloseReason represents the reason a position was closed.
type CloseReason int

const (
	NotClosed CloseReason = iota
	StopLossHit
	TakeProfitHit
	TrailingStopHit
	TimeoutNoTrailing
	TimeoutAfterTrailing
)

// String stringifies the provided close reason.
func (r CloseReason) String() string {
	switch r {
	case NotClosed:
		return ""
	case StopLossHit:
		return "stop_loss"
	case TakeProfitHit:
		return "take_profit"
	case TrailingStopHit:
		return "trailing_stop_hit"
	case TimeoutNoTrailing:
		return "timeout_no_trailing"
	case TimeoutAfterTrailing:
		return "timeout_after_trailing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r CloseReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *CloseReason) UnmarshalText(b []byte) error {
	*r = ParseCloseReason(string(b))
	return nil
}

// ParseCloseReason parses the provided close reason string.
func ParseCloseReason(s string) CloseReason {
	switch s {
	case "stop_loss":
		return StopLossHit
	case "take_profit":
		return TakeProfitHit
	case "trailing_stop_hit":
		return TrailingStopHit
	case "timeout_no_trailing":
		return TimeoutNoTrailing
	case "timeout_after_trailing":
		return TimeoutAfterTrailing
	default:
		return NotClosed
	}
}

// Block and skip reasons recorded by the scanner.
const (
	ReasonNotLeader           = "not leader"
	ReasonRegimeLowConfidence = "regime confidence below threshold"
	ReasonInsufficientCandles = "insufficient candle history"
	ReasonFetchFailed         = "candle fetch failed"
	ReasonNotTradeable        = "instrument not tradeable"
	ReasonRegimeMismatch      = "direction opposes market regime"
	ReasonPositionCap         = "strategy position cap reached"
	ReasonNoMatch             = "conditions not matched"
	ReasonLowConviction       = "conviction below dynamic threshold"
	ReasonInvalidSize         = "position size rejected"
	ReasonRankedOut           = "outranked by another strategy"
	ReasonEvaluationError     = "evaluation error"
	ReasonCancelled           = "cycle cancelled"
	ReasonCycleRunning        = "cycle already running"
	ReasonRegimeUnavailable   = "regime unavailable"
	ReasonOpportunityTaken    = "opportunity already taken"
	ReasonATRUnavailable      = "atr unavailable"
	ReasonOrderRejected       = "order rejected"
	ReasonInstrumentSlots     = "instrument slots full"
)

package scanner

import (
	"fmt"
	"time"
)

const (
	// Cycle results.
	resultCompleted = "completed"
	resultSkipped   = "skipped"
	resultCancelled = "cancelled"

	// postStage prefixes the reasons of blocks applied after evaluation.
	postStage = "post-evaluation"
)

// CycleStats represents the aggregated outcome of a scan cycle.
type CycleStats struct {
	Started         time.Time      `json:"started"`
	Duration        time.Duration  `json:"duration"`
	Result          string         `json:"result"`
	SkipReason      string         `json:"skipReason,omitempty"`
	Regime          string         `json:"regime,omitempty"`
	Momentum        float64        `json:"momentum"`
	Threshold       float64        `json:"threshold"`
	Groups          int            `json:"groups"`
	GroupsSkipped   int            `json:"groupsSkipped"`
	Processed       int            `json:"processed"`
	Evaluated       int            `json:"evaluated"`
	Skipped         int            `json:"skipped"`
	Blocked         int            `json:"blocked"`
	Unmatched       int            `json:"unmatched"`
	SignalsFound    int            `json:"signalsFound"`
	Matched         int            `json:"matched"`
	AverageStrength float64        `json:"averageStrength"`
	TradesRequested int            `json:"tradesRequested"`
	TradesExecuted  int            `json:"tradesExecuted"`
	Monitored       int            `json:"monitored"`
	TrailsActivated int            `json:"trailsActivated"`
	PositionsClosed int            `json:"positionsClosed"`
	SkipReasons     map[string]int `json:"skipReasons"`
	BlockReasons    map[string]int `json:"blockReasons"`
	Errors          []string       `json:"errors,omitempty"`
}

// newCycleStats initializes the stats of a cycle started at the provided time.
func newCycleStats(started time.Time) *CycleStats {
	return &CycleStats{
		Started:      started,
		Result:       resultCompleted,
		SkipReasons:  make(map[string]int),
		BlockReasons: make(map[string]int),
	}
}

// skip records a strategy skipped for the provided reason.
func (s *CycleStats) skip(reason string) {
	s.Skipped++
	s.SkipReasons[reason]++
}

// block records a strategy blocked for the provided reason.
func (s *CycleStats) block(reason string) {
	s.Blocked++
	s.BlockReasons[reason]++
}

// fail records a cycle-local error.
func (s *CycleStats) fail(err error) {
	s.Errors = append(s.Errors, err.Error())
}

// Clone returns a deep copy of the stats.
func (s *CycleStats) Clone() *CycleStats {
	c := *s
	c.SkipReasons = make(map[string]int, len(s.SkipReasons))
	for k, v := range s.SkipReasons {
		c.SkipReasons[k] = v
	}
	c.BlockReasons = make(map[string]int, len(s.BlockReasons))
	for k, v := range s.BlockReasons {
		c.BlockReasons[k] = v
	}
	if s.Errors != nil {
		c.Errors = make([]string, len(s.Errors))
		copy(c.Errors, s.Errors)
	}

	return &c
}

// String stringifies the stats.
func (s *CycleStats) String() string {
	if s.Result != resultCompleted {
		return fmt.Sprintf("cycle %s (%s) in %s", s.Result, s.SkipReason, s.Duration)
	}

	return fmt.Sprintf("cycle completed in %s: %d groups (%d skipped), %d strategies, %d evaluated, "+
		"%d skipped, %d blocked, %d signals, avg strength %.1f, %d/%d trades executed, %d monitored, %d closed",
		s.Duration, s.Groups, s.GroupsSkipped, s.Processed, s.Evaluated, s.Skipped, s.Blocked,
		s.SignalsFound, s.AverageStrength, s.TradesExecuted, s.TradesRequested, s.Monitored, s.PositionsClosed)
}

// postReason returns the reason recorded for a block applied after evaluation.
func postReason(reason string) string {
	return postStage + ": " + reason
}

// Package stats derives dashboard counts from a session's working set. The
// input is always the unfiltered set, so the filter buttons show true counts
// regardless of the active filter.
package stats

import (
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// resolvedWindow is the trailing window for the resolved count.
const resolvedWindow = 30 * 24 * time.Hour

// Summary is one snapshot of the five dashboard counts.
type Summary struct {
	Tier1Active    int `json:"tier1_active"`
	Tier2Active    int `json:"tier2_active"`
	Unread         int `json:"unread"`
	Active         int `json:"active"`
	ResolvedLast30 int `json:"resolved_last_30d"`
}

// Trend is the signed per-metric delta against a previous-period Summary.
type Trend struct {
	Tier1Active    int `json:"tier1_active"`
	Tier2Active    int `json:"tier2_active"`
	Unread         int `json:"unread"`
	Active         int `json:"active"`
	ResolvedLast30 int `json:"resolved_last_30d"`
}

// Compute derives the summary from the full working set in a single pass.
// now anchors the trailing 30-day resolved window.
func Compute(alerts []*crisis.Alert, now time.Time) Summary {
	var s Summary
	cutoff := now.Add(-resolvedWindow)
	for _, a := range alerts {
		if a == nil {
			continue
		}
		if !a.Resolved() {
			s.Active++
			if a.Tier == crisis.TierCritical {
				s.Tier1Active++
			}
			if a.Tier == crisis.TierHigh {
				s.Tier2Active++
			}
			if a.Status == crisis.StatusUnread {
				s.Unread++
			}
			continue
		}
		if a.ResolvedAt != nil && !a.ResolvedAt.Before(cutoff) && !a.ResolvedAt.After(now) {
			s.ResolvedLast30++
		}
	}
	return s
}

// TrendFrom computes the signed deltas against a previous-period snapshot.
// A nil previous snapshot yields no trend, which is not an error.
func (s Summary) TrendFrom(prev *Summary) *Trend {
	if prev == nil {
		return nil
	}
	return &Trend{
		Tier1Active:    s.Tier1Active - prev.Tier1Active,
		Tier2Active:    s.Tier2Active - prev.Tier2Active,
		Unread:         s.Unread - prev.Unread,
		Active:         s.Active - prev.Active,
		ResolvedLast30: s.ResolvedLast30 - prev.ResolvedLast30,
	}
}

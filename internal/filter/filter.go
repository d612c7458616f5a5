// Package filter builds the effective predicate for the triage dashboard's
// multi-dimensional filter state and applies it to a working set.
package filter

import (
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// Filter is one filter state across all six dimensions. The zero value of
// each dimension means "all"; the zero Filter matches everything. Dimensions
// compose by conjunction, so order of construction never matters.
type Filter struct {
	Source crisis.Source `json:"source,omitempty"`
	Tier   crisis.Tier   `json:"tier,omitempty"`
	Status crisis.Status `json:"status,omitempty"`

	// From/To bound createdAt, inclusive on both ends. Zero = unbounded.
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	// Search is a case-insensitive substring over person name, responder
	// name, and trigger terms.
	Search string `json:"search,omitempty"`

	PersonID    string `json:"person_id,omitempty"`
	ResponderID string `json:"responder_id,omitempty"`
}

// IsZero reports whether every dimension is unset.
func (f Filter) IsZero() bool {
	return f.Source == "" && f.Tier == 0 && f.Status == "" &&
		f.From.IsZero() && f.To.IsZero() &&
		f.Search == "" && f.PersonID == "" && f.ResponderID == ""
}

// Match evaluates the composed predicate against a single alert.
func (f Filter) Match(a *crisis.Alert) bool {
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Tier != 0 && a.Tier != f.Tier {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	if f.PersonID != "" && a.PersonID != f.PersonID {
		return false
	}
	if f.ResponderID != "" && a.AssignedResponderID != f.ResponderID {
		return false
	}
	if f.Search != "" && !matchSearch(a, f.Search) {
		return false
	}
	return true
}

// Apply re-evaluates the predicate over the full working set, preserving the
// input's order. Population sizes are small, so a full pass per change beats
// incremental bookkeeping.
func (f Filter) Apply(alerts []*crisis.Alert) []*crisis.Alert {
	if f.IsZero() {
		return alerts
	}
	out := make([]*crisis.Alert, 0, len(alerts))
	for _, a := range alerts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out
}

func matchSearch(a *crisis.Alert, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(a.PersonName), q) {
		return true
	}
	if strings.Contains(strings.ToLower(a.AssignedResponderName), q) {
		return true
	}
	for _, term := range a.TriggerTerms {
		if strings.Contains(strings.ToLower(term), q) {
			return true
		}
	}
	return false
}

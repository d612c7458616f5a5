package crisis

import (
	"context"
	"time"
)

// Scope restricts a session's view of the alert population. The zero value
// means the whole tenant; a non-empty ResponderID limits the view to alerts
// assigned to that responder.
type Scope struct {
	ResponderID string
}

// Includes reports whether a falls inside the scope.
func (s Scope) Includes(a *Alert) bool {
	return s.ResponderID == "" || a.AssignedResponderID == s.ResponderID
}

// ChangeKind classifies a change feed event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one event on the store's change feed. Alert is nil for deletes.
type Change struct {
	Kind     ChangeKind
	ID       string
	TenantID string
	Alert    *Alert
}

// Store is the persistence interface for crisis alerts. It is the single
// source of truth: every status decision is made against the store's own
// current state, never a caller-cached copy.
type Store interface {
	// Create appends a new alert record. The record must already carry a
	// server-assigned id and createdAt.
	Create(ctx context.Context, a *Alert) error

	// Get retrieves an alert with its full audit trail.
	Get(ctx context.Context, id string) (*Alert, bool, error)

	// List returns the tenant's alerts within scope, newest first.
	List(ctx context.Context, tenantID string, scope Scope) ([]*Alert, error)

	// Apply atomically appends the transition's audit entry and updates
	// status, after checking the persisted status against tr.From. A
	// failed check returns a *PreconditionError with the authoritative
	// status; the trail and status are then untouched. Audit appends from
	// concurrent writers must all survive.
	Apply(ctx context.Context, id string, tr Transition) (*Alert, error)

	// MarkDelivered records a channel send. Write-once: marking an
	// already-sent channel is a no-op, never an error, and the original
	// timestamp is kept.
	MarkDelivered(ctx context.Context, id string, ch Channel, at time.Time) (*Alert, error)

	// SetBrief attaches the AI responder brief to an alert.
	SetBrief(ctx context.Context, id string, brief string) (*Alert, error)

	// Delete removes an alert. Retention/redaction only; never part of the
	// triage lifecycle.
	Delete(ctx context.Context, id string) error

	// Subscribe returns the tenant's live change feed and an unsubscribe
	// function. The channel is closed when the subscription ends, either
	// by unsubscribing or because the underlying transport failed;
	// consumers must treat an unexpected close as a stale signal.
	Subscribe(ctx context.Context, tenantID string) (<-chan Change, func(), error)
}

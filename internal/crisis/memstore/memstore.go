// Package memstore provides an in-memory implementation of crisis.Store with
// a local change feed. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// feedBuffer is the per-subscriber channel capacity. A subscriber that falls
// this far behind is disconnected (its channel closed), which consumers treat
// as a stale signal, rather than blocking every other writer.
const feedBuffer = 256

type subscriber struct {
	tenantID string
	ch       chan crisis.Change
}

// Store holds crisis alerts in memory.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*crisis.Alert // alert ID -> record
	subs   map[*subscriber]struct{}
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*crisis.Alert),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Create appends a new alert record.
func (s *Store) Create(_ context.Context, a *crisis.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a.Clone()
	s.alerts[a.ID] = cp
	s.broadcastLocked(crisis.Change{
		Kind:     crisis.ChangeCreated,
		ID:       cp.ID,
		TenantID: cp.TenantID,
		Alert:    cp.Clone(),
	})
	return nil
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*crisis.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// List returns the tenant's alerts within scope, newest first.
func (s *Store) List(_ context.Context, tenantID string, scope crisis.Scope) ([]*crisis.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*crisis.Alert
	for _, a := range s.alerts {
		if a.TenantID != tenantID || !scope.Includes(a) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID // tie-break for a stable order
	})
	return out, nil
}

// Apply atomically checks the persisted status, appends the audit entry, and
// updates status. The whole operation runs under the store mutex, so a
// concurrent writer either sees the pre-state or the post-state, never a
// half-applied transition, and no audit append is ever lost.
func (s *Store) Apply(_ context.Context, id string, tr crisis.Transition) (*crisis.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, crisis.ErrNotFound
	}

	if !crisis.Allowed(tr.Action, a.Status) {
		return nil, &crisis.PreconditionError{
			Action: tr.Action,
			Status: a.Status,
			Actor:  lastStatusActor(a),
		}
	}

	entry := tr.Entry
	entry.Seq = len(a.Audit) + 1
	a.Audit = append(a.Audit, entry)

	if tr.To != "" {
		a.Status = tr.To
	}
	if tr.StampAcknowledged && a.AcknowledgedAt == nil {
		t := entry.Timestamp
		a.AcknowledgedAt = &t
	}
	if tr.StampResolved && a.ResolvedAt == nil {
		t := entry.Timestamp
		a.ResolvedAt = &t
	}

	s.broadcastLocked(crisis.Change{
		Kind:     crisis.ChangeUpdated,
		ID:       a.ID,
		TenantID: a.TenantID,
		Alert:    a.Clone(),
	})
	return a.Clone(), nil
}

// MarkDelivered records a channel send. Write-once per channel.
func (s *Store) MarkDelivered(_ context.Context, id string, ch crisis.Channel, at time.Time) (*crisis.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, crisis.ErrNotFound
	}

	if a.Delivery == nil {
		a.Delivery = make(map[crisis.Channel]*crisis.Delivery)
	}
	d := a.Delivery[ch]
	if d == nil {
		d = &crisis.Delivery{}
		a.Delivery[ch] = d
	}
	if !d.Sent {
		d.Sent = true
		t := at
		d.SentAt = &t
		s.broadcastLocked(crisis.Change{
			Kind:     crisis.ChangeUpdated,
			ID:       a.ID,
			TenantID: a.TenantID,
			Alert:    a.Clone(),
		})
	}
	return a.Clone(), nil
}

// SetBrief attaches the AI responder brief.
func (s *Store) SetBrief(_ context.Context, id string, brief string) (*crisis.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, crisis.ErrNotFound
	}
	a.Brief = brief
	s.broadcastLocked(crisis.Change{
		Kind:     crisis.ChangeUpdated,
		ID:       a.ID,
		TenantID: a.TenantID,
		Alert:    a.Clone(),
	})
	return a.Clone(), nil
}

// Delete removes an alert (retention only).
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return crisis.ErrNotFound
	}
	delete(s.alerts, id)
	s.broadcastLocked(crisis.Change{
		Kind:     crisis.ChangeDeleted,
		ID:       id,
		TenantID: a.TenantID,
	})
	return nil
}

// Subscribe returns the tenant's change feed. The unsubscribe function is
// idempotent and closes the channel.
func (s *Store) Subscribe(_ context.Context, tenantID string) (<-chan crisis.Change, func(), error) {
	sub := &subscriber{
		tenantID: tenantID,
		ch:       make(chan crisis.Change, feedBuffer),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[sub]; ok {
				delete(s.subs, sub)
				close(sub.ch)
			}
			s.mu.Unlock()
		})
	}
	return sub.ch, unsubscribe, nil
}

// broadcastLocked fans a change out to matching subscribers. Callers hold mu.
func (s *Store) broadcastLocked(c crisis.Change) {
	for sub := range s.subs {
		if sub.tenantID != c.TenantID {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			// subscriber too far behind; disconnect it so it resyncs
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

// lastStatusActor finds who most recently changed the alert's status, for
// precondition error messages.
func lastStatusActor(a *crisis.Alert) string {
	for i := len(a.Audit) - 1; i >= 0; i-- {
		if a.Audit[i].Action != crisis.ActionAddNote {
			return a.Audit[i].ActorName
		}
	}
	return ""
}

// Package livesync maintains a per-session, order-consistent view of the
// alert population from the store's change feed. Each session owns its
// working set on a single goroutine; viewers are fed full snapshots, not
// diffs, and a broken feed surfaces as a visible stale state rather than a
// silent freeze.
package livesync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/crisis"
	"github.com/linnemanlabs/lifeline/internal/filter"
	"github.com/linnemanlabs/lifeline/internal/stats"
)

// Snapshot is one complete, order-consistent view of the session's scope as
// of a single change. Alerts is the full working set newest-first; Filtered
// is the active filter applied to it; Stats always reflects the unfiltered
// set.
type Snapshot struct {
	Alerts   []*crisis.Alert `json:"alerts"`
	Filtered []*crisis.Alert `json:"filtered"`
	Stats    stats.Summary   `json:"stats"`
	Filter   filter.Filter   `json:"filter"`

	// Stale means the change feed has degraded and this is the last known
	// good view, which may be out of date.
	Stale bool `json:"stale"`

	At time.Time `json:"at"`
}

// Session is one subscribing viewer's reactive loop. All working-set state is
// owned by the Run goroutine; SetFilter communicates through a channel.
type Session struct {
	store    crisis.Store
	logger   log.Logger
	metrics  *crisis.Metrics // optional
	tenantID string
	scope    crisis.Scope
	now      func() time.Time

	out      chan Snapshot
	filterCh chan filter.Filter

	working []*crisis.Alert // newest first, owned by Run
	filter  filter.Filter
	stale   bool
}

// NewSession creates a session for one tenant/scope pair. metrics may be nil.
func NewSession(store crisis.Store, logger log.Logger, metrics *crisis.Metrics, tenantID string, scope crisis.Scope) *Session {
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		tenantID: tenantID,
		scope:    scope,
		now:      time.Now,
		out:      make(chan Snapshot, 1),
		filterCh: make(chan filter.Filter, 1),
	}
}

// Snapshots returns the stream of full-population snapshots. Slow consumers
// see the latest snapshot; intermediate ones are superseded, never reordered.
func (s *Session) Snapshots() <-chan Snapshot { return s.out }

// SetFilter replaces the active filter state. The next snapshot reflects it.
func (s *Session) SetFilter(f filter.Filter) {
	for {
		select {
		case s.filterCh <- f:
			return
		default:
			// drop the superseded pending filter
			select {
			case <-s.filterCh:
			default:
			}
		}
	}
}

// Run loads the initial population, subscribes to the change feed, and loops
// until ctx is done. It returns an error only when the initial load or
// subscribe fails; a feed that dies later flips the session to stale instead,
// so the viewer keeps its last known good set.
func (s *Session) Run(ctx context.Context) error {
	L := s.logger.With("tenant_id", s.tenantID, "responder_scope", s.scope.ResponderID)

	initial, err := s.store.List(ctx, s.tenantID, s.scope)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	s.working = initial

	feed, unsubscribe, err := s.store.Subscribe(ctx, s.tenantID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		defer s.metrics.SessionsActive.Dec()
	}

	L.Info(ctx, "session started", "alerts", len(s.working))
	s.emit()

	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-s.filterCh:
			s.filter = f
			s.emit()

		case c, ok := <-feed:
			if !ok {
				// transport gone; reconnecting is the transport's
				// job, ours is to stop pretending we're live
				s.stale = true
				s.emit()
				L.Warn(ctx, "change feed closed, session is stale")
				feed = nil
				continue
			}
			if s.apply(c) {
				if s.metrics != nil {
					s.metrics.FeedEvents.WithLabelValues(string(c.Kind)).Inc()
				}
				s.emit()
			}
		}
	}
}

// apply folds one change into the working set. Returns false when the change
// is outside this session's scope and nothing moved.
func (s *Session) apply(c crisis.Change) bool {
	switch c.Kind {
	case crisis.ChangeDeleted:
		return s.remove(c.ID)

	case crisis.ChangeCreated, crisis.ChangeUpdated:
		if c.Alert == nil {
			return false
		}
		if !s.scope.Includes(c.Alert) {
			// an update can move a record out of scope
			// (responder reassignment)
			return s.remove(c.ID)
		}
		for i, a := range s.working {
			if a.ID == c.ID {
				// replace in place, no resort
				s.working[i] = c.Alert
				return true
			}
		}
		s.insert(c.Alert)
		return true
	}
	return false
}

// insert places a new record at its reverse-chronological position.
func (s *Session) insert(a *crisis.Alert) {
	i := sort.Search(len(s.working), func(i int) bool {
		w := s.working[i]
		if !w.CreatedAt.Equal(a.CreatedAt) {
			return w.CreatedAt.Before(a.CreatedAt)
		}
		return w.ID < a.ID
	})
	s.working = append(s.working, nil)
	copy(s.working[i+1:], s.working[i:])
	s.working[i] = a
}

func (s *Session) remove(id string) bool {
	for i, a := range s.working {
		if a.ID == id {
			s.working = append(s.working[:i], s.working[i+1:]...)
			return true
		}
	}
	return false
}

// emit recomputes the dependent views and publishes a snapshot, replacing a
// pending unconsumed one so the consumer always gets the newest state.
func (s *Session) emit() {
	alerts := make([]*crisis.Alert, len(s.working))
	copy(alerts, s.working)

	snap := Snapshot{
		Alerts:   alerts,
		Filtered: s.filter.Apply(alerts),
		Stats:    stats.Compute(alerts, s.now()),
		Filter:   s.filter,
		Stale:    s.stale,
		At:       s.now().UTC(),
	}

	for {
		select {
		case s.out <- snap:
			if s.metrics != nil {
				s.metrics.SnapshotsTotal.Inc()
			}
			return
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
}

package crisis

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Action is a responder-submitted action against one alert.
type Action struct {
	Type      ActionType `json:"action"`
	ActorID   string     `json:"actor_id"`
	ActorName string     `json:"actor_name"`
	Note      string     `json:"note,omitempty"`
}

// LifecycleEvent describes a tier-1/2 lifecycle change worth telling the
// supervisor channel about.
type LifecycleEvent struct {
	Kind  string // "created", "escalated", "resolved"
	Alert *Alert
	Actor string
}

// Notifier posts lifecycle events to the supervisor channel. Implementations
// must be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, ev *LifecycleEvent) error
}

// Summarizer produces a short situation brief from an alert's evidence.
type Summarizer interface {
	Brief(ctx context.Context, a *Alert) (string, error)
}

// Service is the action processor: the only writer of alert status. It
// validates action payloads, builds transitions from the edge table, and
// lets the store enforce them against persisted state.
type Service struct {
	store      Store
	logger     log.Logger
	metrics    *Metrics
	notifier   Notifier   // optional
	summarizer Summarizer // optional
	now        func() time.Time
}

// NewService creates a new crisis service. notifier and summarizer may be nil.
func NewService(store Store, logger log.Logger, metrics *Metrics, notifier Notifier, summarizer Summarizer) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		logger:     logger,
		metrics:    metrics,
		notifier:   notifier,
		summarizer: summarizer,
		now:        time.Now,
	}
}

// Create accepts a detector-created alert, stamps server-assigned fields,
// and persists it. The stored record always starts unread with an empty
// audit trail and all delivery flags false.
func (s *Service) Create(ctx context.Context, a *Alert) (*Alert, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	rec := a.Clone()
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	rec.Status = StatusUnread
	rec.CreatedAt = s.now().UTC()
	rec.AcknowledgedAt = nil
	rec.ResolvedAt = nil
	rec.Audit = nil
	rec.Delivery = make(map[Channel]*Delivery, len(Channels))
	for _, ch := range Channels {
		rec.Delivery[ch] = &Delivery{}
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveCreated(rec.Source, rec.Tier)
	}

	s.logger.Info(ctx, "alert created",
		"alert_id", rec.ID,
		"tenant_id", rec.TenantID,
		"source", rec.Source,
		"tier", int(rec.Tier),
	)

	// brief generation and supervisor notice must never block or fail the
	// creation path
	go s.generateBrief(context.WithoutCancel(ctx), rec.ID)
	s.notify(ctx, &LifecycleEvent{Kind: "created", Alert: rec})

	return rec, nil
}

// Apply validates and applies a responder action. The returned alert is the
// post-transition record. A precondition failure carries the authoritative
// current status; it is never silently swallowed.
func (s *Service) Apply(ctx context.Context, alertID string, act Action) (*Alert, error) {
	start := s.now()

	tr, err := s.buildTransition(act)
	if err != nil {
		s.observeAction(act.Type, "invalid", start)
		return nil, err
	}

	updated, err := s.store.Apply(ctx, alertID, tr)
	if err != nil {
		outcome := "error"
		if _, ok := asPrecondition(err); ok {
			outcome = "rejected"
		}
		s.observeAction(act.Type, outcome, start)
		return nil, err
	}
	s.observeAction(act.Type, "applied", start)

	s.logger.Info(ctx, "action applied",
		"alert_id", alertID,
		"action", act.Type,
		"actor_id", act.ActorID,
		"status", updated.Status,
	)

	switch act.Type {
	case ActionEscalate:
		s.notify(ctx, &LifecycleEvent{Kind: "escalated", Alert: updated, Actor: act.ActorName})
	case ActionResolve:
		s.notify(ctx, &LifecycleEvent{Kind: "resolved", Alert: updated, Actor: act.ActorName})
	}

	return updated, nil
}

// Get retrieves one alert with its full audit trail.
func (s *Service) Get(ctx context.Context, id string) (*Alert, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns the tenant's alerts within scope, newest first.
func (s *Service) List(ctx context.Context, tenantID string, scope Scope) ([]*Alert, error) {
	return s.store.List(ctx, tenantID, scope)
}

// MarkDelivered records a dispatcher send on one channel. Write-once.
func (s *Service) MarkDelivered(ctx context.Context, id string, ch Channel) (*Alert, error) {
	if !ch.Valid() {
		return nil, &ValidationError{Field: "channel", Reason: "unknown channel " + string(ch)}
	}
	a, err := s.store.MarkDelivered(ctx, id, ch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.DeliveryMarks.WithLabelValues(string(ch)).Inc()
	}
	return a, nil
}

// Delete removes an alert for retention purposes only.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// buildTransition turns a validated action into the atomic transition the
// store applies. Payload problems are rejected here, before any write.
func (s *Service) buildTransition(act Action) (Transition, error) {
	if !act.Type.Valid() {
		return Transition{}, &ValidationError{Field: "action", Reason: "unknown action " + string(act.Type)}
	}
	if act.ActorID == "" {
		return Transition{}, &ValidationError{Field: "actor_id", Reason: "required"}
	}
	switch act.Type {
	case ActionAddNote:
		if act.Note == "" {
			return Transition{}, &ValidationError{Field: "note", Reason: "required for add_note"}
		}
	case ActionRespond:
		if act.Note == "" {
			return Transition{}, &ValidationError{Field: "note", Reason: "required for respond"}
		}
	case ActionEscalate:
		if act.Note == "" {
			return Transition{}, &ValidationError{Field: "note", Reason: "escalation destination required"}
		}
	}

	tr := Transition{
		Action: act.Type,
		From:   allowedFrom[act.Type],
		To:     resultStatus[act.Type], // zero for add_note
		Entry: AuditEntry{
			Action:    act.Type,
			ActorID:   act.ActorID,
			ActorName: act.ActorName,
			Timestamp: s.now().UTC(),
			Note:      act.Note,
		},
	}

	switch act.Type {
	case ActionAcknowledge:
		tr.StampAcknowledged = true
	case ActionRespond:
		// responding from unread implies the responder saw it
		tr.StampAcknowledged = true
	case ActionResolve:
		tr.StampResolved = true
	}
	return tr, nil
}

func (s *Service) generateBrief(ctx context.Context, alertID string) {
	if s.summarizer == nil {
		return
	}

	a, ok, err := s.store.Get(ctx, alertID)
	if err != nil {
		s.logger.Error(ctx, err, "failed to fetch alert for brief", "alert_id", alertID)
		return
	}
	if !ok {
		// deleted between create and brief generation
		return
	}

	brief, err := s.summarizer.Brief(ctx, a)
	if err != nil {
		s.logger.Error(ctx, err, "brief generation failed", "alert_id", alertID)
		if s.metrics != nil {
			s.metrics.BriefsTotal.WithLabelValues("error").Inc()
		}
		return
	}

	if _, err := s.store.SetBrief(ctx, alertID, brief); err != nil {
		s.logger.Error(ctx, err, "failed to persist brief", "alert_id", alertID)
		return
	}
	if s.metrics != nil {
		s.metrics.BriefsTotal.WithLabelValues("ok").Inc()
	}
}

// notify posts tier-1/2 lifecycle events to the supervisor channel, async so
// a slow webhook never delays the triage path.
func (s *Service) notify(ctx context.Context, ev *LifecycleEvent) {
	if s.notifier == nil || ev.Alert == nil || ev.Alert.Tier > TierHigh {
		return
	}
	go func(ctx context.Context) {
		if err := s.notifier.Send(ctx, ev); err != nil {
			s.logger.Error(ctx, err, "supervisor notice failed",
				"alert_id", ev.Alert.ID, "kind", ev.Kind)
			if s.metrics != nil {
				s.metrics.NoticesTotal.WithLabelValues("error").Inc()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.NoticesTotal.WithLabelValues("ok").Inc()
		}
	}(context.WithoutCancel(ctx))
}

func (s *Service) observeAction(act ActionType, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ActionsTotal.WithLabelValues(string(act), outcome).Inc()
	s.metrics.ActionDuration.WithLabelValues(string(act)).Observe(s.now().Sub(start).Seconds())
}

func asPrecondition(err error) (*PreconditionError, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

package crisis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore is a minimal hand-rolled Store for service tests.
type mockStore struct {
	mu      sync.Mutex
	alerts  map[string]*Alert
	applied []Transition

	applyErr error
	briefCh  chan string
}

func newMockStore() *mockStore {
	return &mockStore{
		alerts:  make(map[string]*Alert),
		briefCh: make(chan string, 1),
	}
}

func (m *mockStore) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (m *mockStore) List(_ context.Context, tenantID string, scope Scope) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.TenantID == tenantID && scope.Includes(a) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) Apply(_ context.Context, id string, tr Transition) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.applied = append(m.applied, tr)
	if tr.To != "" {
		a.Status = tr.To
	}
	a.Audit = append(a.Audit, tr.Entry)
	return a.Clone(), nil
}

func (m *mockStore) MarkDelivered(_ context.Context, id string, ch Channel, at time.Time) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Delivery == nil {
		a.Delivery = make(map[Channel]*Delivery)
	}
	if d := a.Delivery[ch]; d == nil || !d.Sent {
		t := at
		a.Delivery[ch] = &Delivery{Sent: true, SentAt: &t}
	}
	return a.Clone(), nil
}

func (m *mockStore) SetBrief(_ context.Context, id string, brief string) (*Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if ok {
		a.Brief = brief
	}
	m.mu.Unlock()
	if ok {
		m.briefCh <- brief
		return a.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *mockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, id)
	return nil
}

func (m *mockStore) Subscribe(context.Context, string) (<-chan Change, func(), error) {
	ch := make(chan Change)
	return ch, func() { close(ch) }, nil
}

type mockNotifier struct {
	events chan *LifecycleEvent
	err    error
}

func (n *mockNotifier) Send(_ context.Context, ev *LifecycleEvent) error {
	n.events <- ev
	return n.err
}

type mockSummarizer struct {
	brief string
	err   error
}

func (s *mockSummarizer) Brief(context.Context, *Alert) (string, error) {
	return s.brief, s.err
}

func validAlert() *Alert {
	return &Alert{
		TenantID:    "t-1",
		PersonID:    "person-1",
		PersonName:  "Jordan Reyes",
		Source:      SourcePanicButton,
		Tier:        TierCritical,
		PanicButton: &PanicButtonPayload{Origin: "home_screen"},
	}
}

func TestService_Create_StampsServerFields(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, nil, nil, nil)

	in := validAlert()
	// detectors must not be able to smuggle lifecycle state in
	in.Status = StatusResolved
	in.Audit = []AuditEntry{{Seq: 1, Action: ActionResolve}}
	now := time.Now()
	in.AcknowledgedAt = &now
	in.ResolvedAt = &now

	rec, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if rec.ID == "" {
		t.Error("expected server-assigned id")
	}
	if rec.Status != StatusUnread {
		t.Errorf("status = %q, want unread", rec.Status)
	}
	if rec.CreatedAt.IsZero() || rec.CreatedAt.Location() != time.UTC {
		t.Errorf("createdAt = %v, want non-zero UTC", rec.CreatedAt)
	}
	if len(rec.Audit) != 0 {
		t.Errorf("audit = %+v, want empty", rec.Audit)
	}
	if rec.AcknowledgedAt != nil || rec.ResolvedAt != nil {
		t.Error("lifecycle timestamps must start unset")
	}
	if len(rec.Delivery) != len(Channels) {
		t.Fatalf("delivery channels = %d, want %d", len(rec.Delivery), len(Channels))
	}
	for ch, d := range rec.Delivery {
		if d.Sent || d.SentAt != nil {
			t.Errorf("channel %s starts sent", ch)
		}
	}

	if _, ok, _ := store.Get(context.Background(), rec.ID); !ok {
		t.Error("record not persisted")
	}
}

func TestService_Create_RejectsInvalid(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, nil, nil, nil)

	tests := []struct {
		name   string
		mutate func(*Alert)
	}{
		{"missing tenant", func(a *Alert) { a.TenantID = "" }},
		{"missing person", func(a *Alert) { a.PersonID = "" }},
		{"unknown source", func(a *Alert) { a.Source = "smoke_signal" }},
		{"tier out of range", func(a *Alert) { a.Tier = 9 }},
		{"no payload", func(a *Alert) { a.PanicButton = nil }},
		{"mismatched payload", func(a *Alert) {
			a.PanicButton = nil
			a.Checkin = &CheckinPayload{RiskScore: 8}
		}},
		{"two payloads", func(a *Alert) { a.Checkin = &CheckinPayload{RiskScore: 8} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := validAlert()
			tt.mutate(in)
			_, err := svc.Create(context.Background(), in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.alerts) != 0 {
		t.Errorf("store has %d alerts after rejected creates, want 0", len(store.alerts))
	}
}

func TestService_Create_GeneratesBriefAsync(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, nil, nil, &mockSummarizer{brief: "summary for the coach"})

	rec, err := svc.Create(context.Background(), validAlert())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case got := <-store.briefCh:
		if got != "summary for the coach" {
			t.Errorf("brief = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async brief")
	}

	a, _, _ := store.Get(context.Background(), rec.ID)
	if a.Brief != "summary for the coach" {
		t.Errorf("persisted brief = %q", a.Brief)
	}
}

func TestService_Create_BriefFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, nil, nil, &mockSummarizer{err: errors.New("api down")})

	rec, err := svc.Create(context.Background(), validAlert())
	if err != nil {
		t.Fatalf("Create must succeed even when briefs fail: %v", err)
	}
	if rec.Brief != "" {
		t.Errorf("brief = %q, want empty", rec.Brief)
	}
}

func TestService_Create_NotifiesTier1(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	n := &mockNotifier{events: make(chan *LifecycleEvent, 1)}
	svc := NewService(store, nil, nil, n, nil)

	if _, err := svc.Create(context.Background(), validAlert()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case ev := <-n.events:
		if ev.Kind != "created" {
			t.Errorf("kind = %q, want created", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func TestService_Create_NoNoticeBelowTier2(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	n := &mockNotifier{events: make(chan *LifecycleEvent, 1)}
	svc := NewService(store, nil, nil, n, nil)

	in := validAlert()
	in.Source = SourceCheckin
	in.Tier = TierModerate
	in.PanicButton = nil
	in.Checkin = &CheckinPayload{RiskScore: 7}

	if _, err := svc.Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case ev := <-n.events:
		t.Fatalf("unexpected notice for tier-3 alert: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_Apply_BuildsTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		act       Action
		wantTo    Status
		wantAck   bool
		wantRes   bool
		wantNote  string
	}{
		{
			name:    "acknowledge stamps ack",
			act:     Action{Type: ActionAcknowledge, ActorID: "c-1", ActorName: "Casey"},
			wantTo:  StatusAcknowledged,
			wantAck: true,
		},
		{
			name:     "respond stamps ack too",
			act:      Action{Type: ActionRespond, ActorID: "c-1", Note: "called them"},
			wantTo:   StatusResponded,
			wantAck:  true,
			wantNote: "called them",
		},
		{
			name:     "escalate carries destination",
			act:      Action{Type: ActionEscalate, ActorID: "c-1", Note: "supervisor on-call"},
			wantTo:   StatusEscalated,
			wantNote: "supervisor on-call",
		},
		{
			name:    "resolve stamps resolved",
			act:     Action{Type: ActionResolve, ActorID: "c-1"},
			wantTo:  StatusResolved,
			wantRes: true,
		},
		{
			name:     "note leaves status alone",
			act:      Action{Type: ActionAddNote, ActorID: "c-1", Note: "spoke with family"},
			wantTo:   "",
			wantNote: "spoke with family",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMockStore()
			svc := NewService(store, nil, nil, nil, nil)
			rec, _ := svc.Create(context.Background(), validAlert())

			if _, err := svc.Apply(context.Background(), rec.ID, tt.act); err != nil {
				t.Fatalf("Apply: %v", err)
			}

			store.mu.Lock()
			defer store.mu.Unlock()
			if len(store.applied) != 1 {
				t.Fatalf("applied = %d transitions, want 1", len(store.applied))
			}
			tr := store.applied[0]
			if tr.To != tt.wantTo {
				t.Errorf("To = %q, want %q", tr.To, tt.wantTo)
			}
			if tr.StampAcknowledged != tt.wantAck {
				t.Errorf("StampAcknowledged = %v, want %v", tr.StampAcknowledged, tt.wantAck)
			}
			if tr.StampResolved != tt.wantRes {
				t.Errorf("StampResolved = %v, want %v", tr.StampResolved, tt.wantRes)
			}
			if tr.Entry.Note != tt.wantNote {
				t.Errorf("note = %q, want %q", tr.Entry.Note, tt.wantNote)
			}
			if tr.Entry.ActorID != tt.act.ActorID {
				t.Errorf("actor = %q, want %q", tr.Entry.ActorID, tt.act.ActorID)
			}
			if tr.Entry.Timestamp.IsZero() {
				t.Error("entry timestamp not stamped")
			}
		})
	}
}

func TestService_Apply_ValidationBeforeStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		act  Action
	}{
		{"unknown action", Action{Type: "defenestrate", ActorID: "c-1"}},
		{"missing actor", Action{Type: ActionAcknowledge}},
		{"note without text", Action{Type: ActionAddNote, ActorID: "c-1"}},
		{"respond without note", Action{Type: ActionRespond, ActorID: "c-1"}},
		{"escalate without destination", Action{Type: ActionEscalate, ActorID: "c-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMockStore()
			svc := NewService(store, nil, nil, nil, nil)
			rec, _ := svc.Create(context.Background(), validAlert())

			_, err := svc.Apply(context.Background(), rec.ID, tt.act)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}

			store.mu.Lock()
			defer store.mu.Unlock()
			if len(store.applied) != 0 {
				t.Error("store was written for a malformed action")
			}
		})
	}
}

func TestService_Apply_PropagatesPrecondition(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.applyErr = &PreconditionError{Action: ActionAcknowledge, Status: StatusResolved, Actor: "Riley"}
	svc := NewService(store, nil, nil, nil, nil)
	rec, _ := svc.Create(context.Background(), validAlert())

	_, err := svc.Apply(context.Background(), rec.ID, Action{Type: ActionAcknowledge, ActorID: "c-1"})
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PreconditionError surfaced unchanged", err)
	}
	if pe.Status != StatusResolved || pe.Actor != "Riley" {
		t.Errorf("precondition = %+v, want authoritative status and actor intact", pe)
	}
}

func TestService_Apply_NotifiesEscalateAndResolve(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	n := &mockNotifier{events: make(chan *LifecycleEvent, 4)}
	svc := NewService(store, nil, nil, n, nil)
	rec, _ := svc.Create(context.Background(), validAlert())
	<-n.events // drain the created notice

	if _, err := svc.Apply(context.Background(), rec.ID, Action{
		Type: ActionEscalate, ActorID: "c-1", ActorName: "Casey", Note: "crisis line",
	}); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	select {
	case ev := <-n.events:
		if ev.Kind != "escalated" || ev.Actor != "Casey" {
			t.Errorf("notice = kind %q actor %q, want escalated by Casey", ev.Kind, ev.Actor)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for escalate notice")
	}

	if _, err := svc.Apply(context.Background(), rec.ID, Action{
		Type: ActionResolve, ActorID: "c-1", ActorName: "Casey",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case ev := <-n.events:
		if ev.Kind != "resolved" {
			t.Errorf("kind = %q, want resolved", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolve notice")
	}
}

func TestService_MarkDelivered_UnknownChannel(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, nil, nil, nil)
	rec, _ := svc.Create(context.Background(), validAlert())

	_, err := svc.MarkDelivered(context.Background(), rec.ID, "fax")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	if _, err := svc.MarkDelivered(context.Background(), rec.ID, ChannelSMS); err != nil {
		t.Fatalf("valid channel: %v", err)
	}
}

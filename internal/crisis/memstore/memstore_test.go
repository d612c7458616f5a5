package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

func newAlert(id, tenantID string, createdAt time.Time) *crisis.Alert {
	return &crisis.Alert{
		ID:          id,
		TenantID:    tenantID,
		PersonID:    "person-1",
		PersonName:  "Jordan Reyes",
		Source:      crisis.SourcePanicButton,
		Tier:        crisis.TierCritical,
		Status:      crisis.StatusUnread,
		PanicButton: &crisis.PanicButtonPayload{Origin: "home_screen"},
		CreatedAt:   createdAt,
	}
}

func ackTransition(actorID, actorName string) crisis.Transition {
	return crisis.Transition{
		Action: crisis.ActionAcknowledge,
		To:     crisis.StatusAcknowledged,
		Entry: crisis.AuditEntry{
			Action:    crisis.ActionAcknowledge,
			ActorID:   actorID,
			ActorName: actorName,
			Timestamp: time.Now().UTC(),
		},
		StampAcknowledged: true,
	}
}

func noteTransition(actorID, note string) crisis.Transition {
	return crisis.Transition{
		Action: crisis.ActionAddNote,
		Entry: crisis.AuditEntry{
			Action:    crisis.ActionAddNote,
			ActorID:   actorID,
			Timestamp: time.Now().UTC(),
			Note:      note,
		},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newAlert("a-1", "t-1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected alert to be found")
	}
	if got.ID != "a-1" || got.Status != crisis.StatusUnread {
		t.Errorf("got id=%q status=%q, want a-1 unread", got.ID, got.Status)
	}

	// stores hand out clones; mutating the copy must not leak back
	got.PersonName = "mutated"
	again, _, _ := s.Get(ctx, "a-1")
	if again.PersonName != "Jordan Reyes" {
		t.Error("mutation of a returned alert leaked into the store")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ListOrderAndScope(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	oldest := newAlert("a-old", "t-1", base.Add(-2*time.Hour))
	mid := newAlert("a-mid", "t-1", base.Add(-time.Hour))
	mid.AssignedResponderID = "coach-1"
	newest := newAlert("a-new", "t-1", base)
	other := newAlert("a-other", "t-2", base)

	for _, a := range []*crisis.Alert{oldest, newest, mid, other} {
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create %s: %v", a.ID, err)
		}
	}

	got, err := s.List(ctx, "t-1", crisis.Scope{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (other tenant excluded)", len(got))
	}
	for i, want := range []string{"a-new", "a-mid", "a-old"} {
		if got[i].ID != want {
			t.Errorf("position %d = %q, want %q", i, got[i].ID, want)
		}
	}

	scoped, err := s.List(ctx, "t-1", crisis.Scope{ResponderID: "coach-1"})
	if err != nil {
		t.Fatalf("List scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "a-mid" {
		t.Fatalf("scoped list = %v, want only a-mid", scoped)
	}
}

func TestStore_ApplyTransition(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	got, err := s.Apply(ctx, "a-1", ackTransition("coach-1", "Casey"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.Status != crisis.StatusAcknowledged {
		t.Errorf("status = %q, want acknowledged", got.Status)
	}
	if got.AcknowledgedAt == nil {
		t.Error("expected acknowledgedAt stamp")
	}
	if len(got.Audit) != 1 || got.Audit[0].Seq != 1 {
		t.Fatalf("audit = %+v, want one entry with seq 1", got.Audit)
	}
}

func TestStore_ApplyMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Apply(context.Background(), "nope", ackTransition("coach-1", "Casey"))
	if !errors.Is(err, crisis.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ApplyPreconditionCarriesActor(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	resolve := crisis.Transition{
		Action: crisis.ActionResolve,
		To:     crisis.StatusResolved,
		Entry: crisis.AuditEntry{
			Action: crisis.ActionResolve, ActorID: "coach-2", ActorName: "Riley",
			Timestamp: time.Now().UTC(),
		},
		StampResolved: true,
	}
	if _, err := s.Apply(ctx, "a-1", resolve); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err := s.Apply(ctx, "a-1", ackTransition("coach-1", "Casey"))
	var pe *crisis.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}
	if pe.Status != crisis.StatusResolved {
		t.Errorf("authoritative status = %q, want resolved", pe.Status)
	}
	if pe.Actor != "Riley" {
		t.Errorf("actor = %q, want Riley (note entries skipped)", pe.Actor)
	}

	// the failed attempt must leave the trail untouched
	got, _, _ := s.Get(ctx, "a-1")
	if len(got.Audit) != 1 {
		t.Fatalf("audit length = %d after rejected action, want 1", len(got.Audit))
	}
}

func TestStore_ConcurrentAcknowledge_ExactlyOneWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			_, errs[i] = s.Apply(ctx, "a-1", ackTransition(fmt.Sprintf("coach-%d", i), "Coach"))
		}()
	}
	wg.Wait()

	var wins, rejections int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var pe *crisis.PreconditionError
			if !errors.As(err, &pe) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			rejections++
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if rejections != n-1 {
		t.Fatalf("rejections = %d, want %d", rejections, n-1)
	}

	got, _, _ := s.Get(ctx, "a-1")
	if len(got.Audit) != 1 {
		t.Fatalf("audit length = %d, want 1 (losers leave no trace)", len(got.Audit))
	}
}

func TestStore_ConcurrentNotes_AllSurvive(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			if _, err := s.Apply(ctx, "a-1", noteTransition("coach-1", fmt.Sprintf("note %d", i))); err != nil {
				t.Errorf("note %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	got, _, _ := s.Get(ctx, "a-1")
	if len(got.Audit) != n {
		t.Fatalf("audit length = %d, want %d (no lost appends)", len(got.Audit), n)
	}
	for i, e := range got.Audit {
		if e.Seq != i+1 {
			t.Fatalf("seq at %d = %d, want %d (gapless, ordered)", i, e.Seq, i+1)
		}
	}
}

func TestStore_EscalateEscalateResolve(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	escalate := func(actor, dest string) crisis.Transition {
		return crisis.Transition{
			Action: crisis.ActionEscalate,
			To:     crisis.StatusEscalated,
			Entry: crisis.AuditEntry{
				Action: crisis.ActionEscalate, ActorID: actor, ActorName: actor,
				Timestamp: time.Now().UTC(), Note: dest,
			},
		}
	}

	// both escalations land before resolve: both notes survive
	if _, err := s.Apply(ctx, "a-1", escalate("coach-1", "supervisor on-call")); err != nil {
		t.Fatalf("first escalate: %v", err)
	}
	if _, err := s.Apply(ctx, "a-1", escalate("coach-2", "crisis line")); err != nil {
		t.Fatalf("second escalate: %v", err)
	}

	resolve := crisis.Transition{
		Action: crisis.ActionResolve,
		To:     crisis.StatusResolved,
		Entry: crisis.AuditEntry{
			Action: crisis.ActionResolve, ActorID: "coach-1", ActorName: "coach-1",
			Timestamp: time.Now().UTC(),
		},
		StampResolved: true,
	}
	got, err := s.Apply(ctx, "a-1", resolve)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != crisis.StatusResolved {
		t.Fatalf("status = %q, want resolved", got.Status)
	}
	if len(got.Audit) != 3 {
		t.Fatalf("audit length = %d, want 3 (both escalations retained)", len(got.Audit))
	}

	// a late escalate against the terminal state is rejected
	if _, err := s.Apply(ctx, "a-1", escalate("coach-3", "too late")); err == nil {
		t.Fatal("expected precondition failure escalating a resolved alert")
	}
}

func TestStore_MarkDeliveredWriteOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	got, err := s.MarkDelivered(ctx, "a-1", crisis.ChannelPush, first)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	d := got.Delivery[crisis.ChannelPush]
	if d == nil || !d.Sent || !d.SentAt.Equal(first) {
		t.Fatalf("delivery = %+v, want sent at %v", d, first)
	}

	got, err = s.MarkDelivered(ctx, "a-1", crisis.ChannelPush, later)
	if err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	d = got.Delivery[crisis.ChannelPush]
	if !d.SentAt.Equal(first) {
		t.Errorf("sentAt = %v, want original %v (write-once)", d.SentAt, first)
	}
}

func TestStore_SetBrief(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	got, err := s.SetBrief(ctx, "a-1", "short situation summary")
	if err != nil {
		t.Fatalf("SetBrief: %v", err)
	}
	if got.Brief != "short situation summary" {
		t.Errorf("brief = %q", got.Brief)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))

	if err := s.Delete(ctx, "a-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a-1"); ok {
		t.Fatal("expected alert gone after delete")
	}
	if err := s.Delete(ctx, "a-1"); !errors.Is(err, crisis.ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func TestStore_SubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	feed, unsubscribe, err := s.Subscribe(ctx, "t-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	_ = s.Create(ctx, newAlert("a-1", "t-1", time.Now()))
	_, _ = s.Apply(ctx, "a-1", ackTransition("coach-1", "Casey"))
	_ = s.Delete(ctx, "a-1")

	// other-tenant traffic must not reach this feed
	_ = s.Create(ctx, newAlert("a-x", "t-2", time.Now()))

	wantKinds := []crisis.ChangeKind{crisis.ChangeCreated, crisis.ChangeUpdated, crisis.ChangeDeleted}
	for i, want := range wantKinds {
		select {
		case c := <-feed:
			if c.Kind != want {
				t.Fatalf("event %d kind = %q, want %q", i, c.Kind, want)
			}
			if c.ID != "a-1" {
				t.Fatalf("event %d id = %q, want a-1", i, c.ID)
			}
			if want == crisis.ChangeDeleted && c.Alert != nil {
				t.Error("delete event should carry no alert")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	select {
	case c := <-feed:
		t.Fatalf("unexpected cross-tenant event: %+v", c)
	default:
	}
}

func TestStore_UnsubscribeClosesFeed(t *testing.T) {
	t.Parallel()

	s := New()
	feed, unsubscribe, err := s.Subscribe(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	unsubscribe()
	unsubscribe() // idempotent

	if _, ok := <-feed; ok {
		t.Fatal("expected closed feed after unsubscribe")
	}
}

func TestStore_SlowSubscriberDisconnected(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	feed, unsubscribe, err := s.Subscribe(ctx, "t-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// never read: overflow the buffer and force the disconnect
	for i := range feedBuffer + 1 {
		_ = s.Create(ctx, newAlert(fmt.Sprintf("a-%d", i), "t-1", time.Now()))
	}

	var closed bool
	for !closed {
		select {
		case _, ok := <-feed:
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected feed to be closed after overflow")
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)

		go func() {
			defer wg.Done()
			_ = s.Create(ctx, newAlert(id, "t-1", time.Now()))
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.List(ctx, "t-1", crisis.Scope{})
		}()
	}

	wg.Wait()
}

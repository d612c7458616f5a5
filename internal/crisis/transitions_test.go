package crisis

import (
	"errors"
	"testing"
)

func TestAllowed_EdgeTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		act  ActionType
		from Status
		want bool
	}{
		// acknowledge only moves an unread alert
		{ActionAcknowledge, StatusUnread, true},
		{ActionAcknowledge, StatusAcknowledged, false},
		{ActionAcknowledge, StatusResponded, false},
		{ActionAcknowledge, StatusEscalated, false},
		{ActionAcknowledge, StatusResolved, false},

		// notes attach anywhere except the terminal state
		{ActionAddNote, StatusUnread, true},
		{ActionAddNote, StatusAcknowledged, true},
		{ActionAddNote, StatusResponded, true},
		{ActionAddNote, StatusEscalated, true},
		{ActionAddNote, StatusResolved, false},

		// respond from unread or acknowledged
		{ActionRespond, StatusUnread, true},
		{ActionRespond, StatusAcknowledged, true},
		{ActionRespond, StatusResponded, false},
		{ActionRespond, StatusEscalated, false},
		{ActionRespond, StatusResolved, false},

		// escalate from any live state, including escalated again
		{ActionEscalate, StatusUnread, true},
		{ActionEscalate, StatusAcknowledged, true},
		{ActionEscalate, StatusResponded, true},
		{ActionEscalate, StatusEscalated, true},
		{ActionEscalate, StatusResolved, false},

		// resolve from any live state; resolved is terminal
		{ActionResolve, StatusUnread, true},
		{ActionResolve, StatusAcknowledged, true},
		{ActionResolve, StatusResponded, true},
		{ActionResolve, StatusEscalated, true},
		{ActionResolve, StatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.act)+"_from_"+string(tt.from), func(t *testing.T) {
			t.Parallel()
			if got := Allowed(tt.act, tt.from); got != tt.want {
				t.Errorf("Allowed(%s, %s) = %v, want %v", tt.act, tt.from, got, tt.want)
			}
		})
	}
}

func TestNext_ProducesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		act  ActionType
		from Status
		want Status
	}{
		{ActionAcknowledge, StatusUnread, StatusAcknowledged},
		{ActionRespond, StatusUnread, StatusResponded},
		{ActionRespond, StatusAcknowledged, StatusResponded},
		{ActionEscalate, StatusAcknowledged, StatusEscalated},
		{ActionEscalate, StatusEscalated, StatusEscalated},
		{ActionResolve, StatusEscalated, StatusResolved},
		{ActionAddNote, StatusAcknowledged, StatusAcknowledged}, // notes never move status
	}

	for _, tt := range tests {
		got, err := Next(tt.act, tt.from)
		if err != nil {
			t.Errorf("Next(%s, %s) error: %v", tt.act, tt.from, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Next(%s, %s) = %q, want %q", tt.act, tt.from, got, tt.want)
		}
	}
}

func TestNext_RejectedEdgeCarriesStatus(t *testing.T) {
	t.Parallel()

	_, err := Next(ActionAcknowledge, StatusResolved)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}
	if pe.Status != StatusResolved {
		t.Errorf("carried status = %q, want resolved", pe.Status)
	}
	if pe.Action != ActionAcknowledge {
		t.Errorf("carried action = %q, want acknowledge", pe.Action)
	}
}

func TestActionType_Valid(t *testing.T) {
	t.Parallel()

	for _, act := range []ActionType{ActionAcknowledge, ActionAddNote, ActionRespond, ActionEscalate, ActionResolve} {
		if !act.Valid() {
			t.Errorf("%s should be valid", act)
		}
	}
	for _, act := range []ActionType{"", "defenestrate", "ACKNOWLEDGE"} {
		if act.Valid() {
			t.Errorf("%q should be invalid", act)
		}
	}
}

package crisis

// ActionType is a responder action submitted against an alert.
type ActionType string

const (
	ActionAcknowledge ActionType = "acknowledge"
	ActionAddNote     ActionType = "add_note"
	ActionRespond     ActionType = "respond"
	ActionEscalate    ActionType = "escalate"
	ActionResolve     ActionType = "resolve"
)

// Valid reports whether t is a known action.
func (t ActionType) Valid() bool {
	switch t {
	case ActionAcknowledge, ActionAddNote, ActionRespond, ActionEscalate, ActionResolve:
		return true
	}
	return false
}

// allowedFrom is the lifecycle edge table: the statuses each action may be
// applied in. Resolved is terminal: no action, notes included, applies to a
// resolved alert.
//
// Escalate is allowed while already escalated so that two responders racing
// to escalate both get their destination notes into the trail.
var allowedFrom = map[ActionType][]Status{
	ActionAcknowledge: {StatusUnread},
	ActionAddNote:     {StatusUnread, StatusAcknowledged, StatusResponded, StatusEscalated},
	ActionRespond:     {StatusUnread, StatusAcknowledged},
	ActionEscalate:    {StatusUnread, StatusAcknowledged, StatusResponded, StatusEscalated},
	ActionResolve:     {StatusUnread, StatusAcknowledged, StatusResponded, StatusEscalated},
}

// resultStatus maps each action to the status it produces. Empty means the
// action never changes status (add_note).
var resultStatus = map[ActionType]Status{
	ActionAcknowledge: StatusAcknowledged,
	ActionRespond:     StatusResponded,
	ActionEscalate:    StatusEscalated,
	ActionResolve:     StatusResolved,
}

// Allowed reports whether act may be applied to an alert currently in from.
func Allowed(act ActionType, from Status) bool {
	for _, st := range allowedFrom[act] {
		if st == from {
			return true
		}
	}
	return false
}

// Next returns the status act produces when applied in from, or a
// PreconditionError carrying the current status when the edge does not exist.
// For add_note the returned status equals from.
func Next(act ActionType, from Status) (Status, error) {
	if !Allowed(act, from) {
		return from, &PreconditionError{Action: act, Status: from}
	}
	to, ok := resultStatus[act]
	if !ok {
		return from, nil
	}
	return to, nil
}

// Transition is the atomic unit a store applies: check the persisted status
// against From, append Entry to the audit trail, and move status to To, all
// or nothing. Entry.Seq is assigned by the store.
type Transition struct {
	Action ActionType

	// From lists the statuses the persisted alert may be in. The store
	// must check against its own current state, not the caller's view.
	From []Status

	// To is the resulting status. Empty leaves status unchanged.
	To Status

	Entry AuditEntry

	// StampAcknowledged sets acknowledgedAt if it is not set yet.
	StampAcknowledged bool

	// StampResolved sets resolvedAt if it is not set yet.
	StampResolved bool
}

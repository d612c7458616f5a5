package crisis

import "time"

// Source identifies which upstream detector raised an alert.
type Source string

const (
	// SourcePanicButton means the person pressed the in-app panic button.
	SourcePanicButton Source = "panic_button"

	// SourceAIDetection means the AI chat feature flagged concerning language.
	SourceAIDetection Source = "ai_detection"

	// SourceCheckin means a daily check-in scored above the risk threshold.
	SourceCheckin Source = "checkin"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourcePanicButton, SourceAIDetection, SourceCheckin:
		return true
	}
	return false
}

// Tier is the urgency classification, fixed at creation. Lower is more urgent.
type Tier int

const (
	TierCritical Tier = 1
	TierHigh     Tier = 2
	TierModerate Tier = 3
	TierStandard Tier = 4
)

// Valid reports whether t is within the defined tier range.
func (t Tier) Valid() bool { return t >= TierCritical && t <= TierStandard }

// Status tracks where an alert is in its response lifecycle.
type Status string

const (
	// StatusUnread means no responder has seen the alert yet.
	StatusUnread Status = "unread"

	// StatusAcknowledged means a responder has seen the alert.
	StatusAcknowledged Status = "acknowledged"

	// StatusResponded means a responder has reached out to the person.
	StatusResponded Status = "responded"

	// StatusEscalated means the alert was handed to a supervisor or
	// external service.
	StatusEscalated Status = "escalated"

	// StatusResolved means a human confirmed the person is safe. Terminal.
	StatusResolved Status = "resolved"
)

// Valid reports whether st is a known lifecycle status.
func (st Status) Valid() bool {
	switch st {
	case StatusUnread, StatusAcknowledged, StatusResponded, StatusEscalated, StatusResolved:
		return true
	}
	return false
}

// Channel is a notification delivery channel tracked on the alert.
// The downstream dispatcher, not this engine, performs the actual sends.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists every delivery channel in a fixed order.
var Channels = []Channel{ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp}

// Valid reports whether c is a known delivery channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Delivery records whether a channel send happened. Write-once: Sent never
// goes back to false and SentAt is never cleared.
type Delivery struct {
	Sent   bool       `json:"sent"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// AuditEntry is one action in an alert's append-only audit trail. Seq is
// assigned by the store and is the authoritative ordering; Timestamp is the
// actor's wall clock and is advisory only.
type AuditEntry struct {
	Seq       int        `json:"seq"`
	Action    ActionType `json:"action"`
	ActorID   string     `json:"actor_id"`
	ActorName string     `json:"actor_name"`
	Timestamp time.Time  `json:"timestamp"`
	Note      string     `json:"note,omitempty"`
}

// PanicButtonPayload carries panic-button specific evidence.
type PanicButtonPayload struct {
	Origin      string `json:"origin"` // screen or surface the button lives on
	Geolocation string `json:"geolocation,omitempty"`
}

// AIDetectionPayload carries AI-detection specific evidence.
type AIDetectionPayload struct {
	Feature            string `json:"feature"` // which AI feature flagged it
	ResponseSuppressed bool   `json:"response_suppressed"`
}

// CheckinPayload carries check-in specific evidence.
type CheckinPayload struct {
	RiskScore       int      `json:"risk_score"`
	TriggeredFields []string `json:"triggered_fields,omitempty"`
}

// Alert is one safety-critical event requiring human triage.
//
// Exactly one of the payload pointers is non-nil and it matches Source; the
// zero-value combinations are rejected by Validate. Tier, Source, and
// CreatedAt never change after creation. Status only moves along the edges
// enforced by the transition table, and only through Store.Apply.
type Alert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	PersonID              string `json:"person_id"`
	PersonName            string `json:"person_name"`
	AssignedResponderID   string `json:"assigned_responder_id,omitempty"`
	AssignedResponderName string `json:"assigned_responder_name,omitempty"`

	Source Source `json:"source"`
	Tier   Tier   `json:"tier"`

	TriggerTerms []string `json:"trigger_terms,omitempty"`
	Context      string   `json:"context,omitempty"`
	FullMessage  string   `json:"full_message,omitempty"`

	PanicButton *PanicButtonPayload `json:"panic_button,omitempty"`
	AIDetection *AIDetectionPayload `json:"ai_detection,omitempty"`
	Checkin     *CheckinPayload     `json:"checkin,omitempty"`

	Status   Status                `json:"status"`
	Delivery map[Channel]*Delivery `json:"delivery"`
	Audit    []AuditEntry          `json:"audit"`

	// Brief is an optional AI-generated situation summary for responders.
	Brief string `json:"brief,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the alert has reached its terminal status.
func (a *Alert) Resolved() bool { return a.Status == StatusResolved }

// Validate checks the shape of a newly created alert: known source and tier,
// identity fields present, and the payload variant matching the source.
func (a *Alert) Validate() error {
	if a.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if a.PersonID == "" {
		return &ValidationError{Field: "person_id", Reason: "required"}
	}
	if !a.Source.Valid() {
		return &ValidationError{Field: "source", Reason: "unknown source " + string(a.Source)}
	}
	if !a.Tier.Valid() {
		return &ValidationError{Field: "tier", Reason: "must be 1..4"}
	}

	// exactly one payload, and it must match the source
	var n int
	if a.PanicButton != nil {
		n++
		if a.Source != SourcePanicButton {
			return &ValidationError{Field: "panic_button", Reason: "payload does not match source"}
		}
	}
	if a.AIDetection != nil {
		n++
		if a.Source != SourceAIDetection {
			return &ValidationError{Field: "ai_detection", Reason: "payload does not match source"}
		}
	}
	if a.Checkin != nil {
		n++
		if a.Source != SourceCheckin {
			return &ValidationError{Field: "checkin", Reason: "payload does not match source"}
		}
	}
	if n != 1 {
		return &ValidationError{Field: "payload", Reason: "exactly one source payload required"}
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state directly.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.TriggerTerms != nil {
		cp.TriggerTerms = append([]string(nil), a.TriggerTerms...)
	}
	if a.Audit != nil {
		cp.Audit = append([]AuditEntry(nil), a.Audit...)
	}
	if a.Delivery != nil {
		cp.Delivery = make(map[Channel]*Delivery, len(a.Delivery))
		for ch, d := range a.Delivery {
			dc := *d
			cp.Delivery[ch] = &dc
		}
	}
	if a.PanicButton != nil {
		p := *a.PanicButton
		cp.PanicButton = &p
	}
	if a.AIDetection != nil {
		p := *a.AIDetection
		cp.AIDetection = &p
	}
	if a.Checkin != nil {
		p := *a.Checkin
		if p.TriggeredFields != nil {
			p.TriggeredFields = append([]string(nil), p.TriggeredFields...)
		}
		cp.Checkin = &p
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

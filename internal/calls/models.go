package calls

import "time"

// Call is the logical, provider-agnostic call bridging an origin leg and a
// destination leg.
//
// Invariants:
// - ID, OriginNumber and DestinationNumber never change after creation.
// - State is only mutated through Apply.
// - Version increases by one on every persisted mutation (optimistic locking).
type Call struct {
	ID                string `json:"call_id" db:"id"`
	OriginNumber      string `json:"origin_number" db:"origin_number"`
	DestinationNumber string `json:"destination_number" db:"destination_number"`

	State   State `json:"state" db:"state"`
	Version int64 `json:"version" db:"version"`

	// Campaign context reported to the campaign sink on termination.
	// WidgetID zero means the call is not tied to a campaign widget.
	WidgetID      int64  `json:"widget_id,omitempty" db:"widget_id"`
	ActivistName  string `json:"activist_name,omitempty" db:"activist_name"`
	ActivistEmail string `json:"activist_email,omitempty" db:"activist_email"`
	TargetName    string `json:"target_name,omitempty" db:"target_name"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Apply runs the state machine for t and mutates the call on success.
// On error the call is left untouched.
func (c *Call) Apply(t Trigger, now time.Time) (State, error) {
	next, err := Transition(c.State, t)
	if err != nil {
		return c.State, err
	}
	c.State = next
	c.UpdatedAt = now
	return next, nil
}

// Leg is one provider-side call attempt. ID is the provider's call sid.
type Leg struct {
	ID          string     `json:"leg_id" db:"id"`
	CallID      string     `json:"call_id" db:"call_id"`
	Role        LegRole    `json:"role" db:"role"`
	ParentLegID string     `json:"parent_leg_id,omitempty" db:"parent_leg_id"`
	Status      LegStatus  `json:"status" db:"status"`
	AnsweredBy  AnsweredBy `json:"answered_by,omitempty" db:"answered_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is an immutable record of one raw provider callback or one issued
// instruction. Events are never updated once written.
type Event struct {
	ID     string    `json:"id" db:"id"`
	CallID string    `json:"call_id" db:"call_id"`
	LegID  string    `json:"leg_id" db:"leg_id"`
	Kind   EventKind `json:"kind" db:"kind"`

	Fields      map[string]string `json:"fields" db:"fields"`
	Fingerprint string            `json:"fingerprint,omitempty" db:"fingerprint"`

	StateBefore State `json:"state_before" db:"state_before"`
	StateAfter  State `json:"state_after" db:"state_after"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LegRole string

const (
	RoleOrigin      LegRole = "ORIGIN"
	RoleDestination LegRole = "DESTINATION"
)

type EventKind string

const (
	KindStatusCallback     EventKind = "status-callback"
	KindAnsweredByCallback EventKind = "answered-by-callback"
	KindInstructionIssued  EventKind = "instruction-issued"
)

// LegStatus is the provider's call status vocabulary.
type LegStatus string

const (
	LegInitiated  LegStatus = "initiated"
	LegQueued     LegStatus = "queued"
	LegRinging    LegStatus = "ringing"
	LegInProgress LegStatus = "in-progress"
	LegCanceled   LegStatus = "canceled"
	LegCompleted  LegStatus = "completed"
	LegBusy       LegStatus = "busy"
	LegNoAnswer   LegStatus = "no-answer"
	LegFailed     LegStatus = "failed"
)

// AnsweredBy is the answering machine detection verdict.
type AnsweredBy string

const (
	AnsweredByHuman        AnsweredBy = "human"
	AnsweredByMachineStart AnsweredBy = "machine_start"
	AnsweredByMachineEnd   AnsweredBy = "machine_end"
	AnsweredByFax          AnsweredBy = "fax"
	AnsweredByUnknown      AnsweredBy = "unknown"
)

// IsHuman reports whether the verdict allows the call to proceed.
func (a AnsweredBy) IsHuman() bool { return a == AnsweredByHuman }

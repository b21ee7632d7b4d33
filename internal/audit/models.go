package audit

import "time"

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - Metadata carries the raw provider payload when one exists, so rejected
//   callbacks can be replayed.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	CallID string `json:"call_id,omitempty" db:"call_id"`
	LegID  string `json:"leg_id,omitempty" db:"leg_id"`

	// Actor fields are set for operator actions only.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeClassificationFailure EventType = "classification_failure"
	EventTypeAnomaly               EventType = "reconciliation_anomaly"
	EventTypeIllegalTransition     EventType = "illegal_transition"
	EventTypeCallStarted           EventType = "call_started"
)

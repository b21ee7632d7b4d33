package calls

import (
	"errors"
	"fmt"
	"strings"
)

// Provider callback field names. These are the wire contract and must match
// the form keys the provider posts.
const (
	FieldCallSid        = "CallSid"
	FieldParentCallSid  = "ParentCallSid"
	FieldCallStatus     = "CallStatus"
	FieldAnsweredBy     = "AnsweredBy"
	FieldDirection      = "Direction"
	FieldSequenceNumber = "SequenceNumber"
	FieldFrom           = "From"
	FieldTo             = "To"
	FieldTimestamp      = "Timestamp"
	FieldAccountSid     = "AccountSid"
	FieldCallDuration   = "CallDuration"
	FieldSpeechResult   = "SpeechResult"
	FieldConfidence     = "Confidence"
)

var ErrClassification = errors.New("calls: classification failed")

// ClassificationError describes why a raw callback could not be classified.
type ClassificationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ClassificationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("calls: classify %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("calls: classify %s=%q: %s", e.Field, e.Value, e.Reason)
}

func (e *ClassificationError) Unwrap() error { return ErrClassification }

// LegEvent is a typed view of one provider callback.
type LegEvent struct {
	Kind        EventKind
	LegID       string
	ParentLegID string
	Status      LegStatus
	AnsweredBy  AnsweredBy
	Direction   string

	// Ignored marks statuses that are recorded but never fed to the machine.
	Ignored bool

	Fields map[string]string
}

// Fingerprint identifies redeliveries of the same callback.
func (e LegEvent) Fingerprint() string {
	return strings.Join([]string{e.LegID, string(e.Kind), string(e.Status), string(e.AnsweredBy)}, "|")
}

// Classify normalizes raw callback fields into a LegEvent.
// Unknown status or answered-by tokens are rejected rather than coerced.
func Classify(kind EventKind, fields map[string]string) (LegEvent, error) {
	ev := LegEvent{
		Kind:        kind,
		LegID:       strings.TrimSpace(fields[FieldCallSid]),
		ParentLegID: strings.TrimSpace(fields[FieldParentCallSid]),
		Direction:   strings.TrimSpace(fields[FieldDirection]),
		Fields:      fields,
	}
	if ev.LegID == "" {
		return LegEvent{}, &ClassificationError{Field: FieldCallSid, Reason: "missing"}
	}

	rawStatus := strings.TrimSpace(fields[FieldCallStatus])
	if rawStatus != "" {
		st, ok := parseLegStatus(rawStatus)
		if !ok {
			return LegEvent{}, &ClassificationError{Field: FieldCallStatus, Value: rawStatus, Reason: "unknown status"}
		}
		ev.Status = st
	}

	rawAnsweredBy := strings.TrimSpace(fields[FieldAnsweredBy])
	if rawAnsweredBy != "" {
		ab, ok := parseAnsweredBy(rawAnsweredBy)
		if !ok {
			return LegEvent{}, &ClassificationError{Field: FieldAnsweredBy, Value: rawAnsweredBy, Reason: "unknown answered-by"}
		}
		ev.AnsweredBy = ab
	}

	switch kind {
	case KindStatusCallback:
		if ev.Status == "" {
			return LegEvent{}, &ClassificationError{Field: FieldCallStatus, Reason: "missing"}
		}
		ev.Ignored = ev.Status == LegQueued || ev.Status == LegInitiated
	case KindAnsweredByCallback:
		if ev.AnsweredBy == "" {
			return LegEvent{}, &ClassificationError{Field: FieldAnsweredBy, Reason: "missing"}
		}
	default:
		return LegEvent{}, &ClassificationError{Field: "kind", Value: string(kind), Reason: "not a callback kind"}
	}
	return ev, nil
}

func parseLegStatus(s string) (LegStatus, bool) {
	switch st := LegStatus(s); st {
	case LegInitiated, LegQueued, LegRinging, LegInProgress, LegCanceled,
		LegCompleted, LegBusy, LegNoAnswer, LegFailed:
		return st, true
	default:
		return "", false
	}
}

func parseAnsweredBy(s string) (AnsweredBy, bool) {
	switch s {
	case "human":
		return AnsweredByHuman, true
	case "machine_start", "machine_start_beep":
		return AnsweredByMachineStart, true
	case "machine_end", "machine_end_beep", "machine_end_silence", "machine_end_other":
		return AnsweredByMachineEnd, true
	case "fax":
		return AnsweredByFax, true
	case "unknown":
		return AnsweredByUnknown, true
	default:
		return "", false
	}
}

// ResolveRole decides which side of the call an event belongs to.
// A persisted leg's role always wins over inference from the payload.
// Otherwise an event whose parent is a known origin leg is a destination
// event, and anything else is treated as origin.
func ResolveRole(ev LegEvent, stored, parent *Leg) LegRole {
	if stored != nil {
		return stored.Role
	}
	if ev.ParentLegID != "" && parent != nil && parent.Role == RoleOrigin && parent.ID == ev.ParentLegID {
		return RoleDestination
	}
	return RoleOrigin
}

package calls

import (
	"errors"
	"fmt"
	"time"
)

var ErrReconciliationAnomaly = errors.New("calls: reconciliation anomaly")

// AnomalyError explains why an event could not be bound to stored state.
type AnomalyError struct {
	LegID  string
	CallID string
	Reason string
}

func (e *AnomalyError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("calls: leg %s: %s", e.LegID, e.Reason)
	}
	return fmt.Sprintf("calls: leg %s on call %s: %s", e.LegID, e.CallID, e.Reason)
}

func (e *AnomalyError) Unwrap() error { return ErrReconciliationAnomaly }

// Reconcile binds ev to a leg of call before any transition is attempted.
//
// stored is the leg found by ev.LegID (nil if unknown) and legs are all legs
// already owned by call. The returned bool is true when a new destination leg
// was created and must be inserted.
func Reconcile(call Call, stored *Leg, legs []Leg, ev LegEvent, role LegRole, now time.Time) (Leg, bool, error) {
	if stored != nil {
		if stored.CallID != call.ID {
			return Leg{}, false, &AnomalyError{LegID: ev.LegID, CallID: call.ID, Reason: "leg belongs to another call"}
		}
		out := *stored
		if ev.Status != "" {
			out.Status = ev.Status
		}
		if ev.AnsweredBy != "" {
			out.AnsweredBy = ev.AnsweredBy
		}
		out.UpdatedAt = now
		return out, false, nil
	}

	if role == RoleOrigin {
		return Leg{}, false, &AnomalyError{LegID: ev.LegID, CallID: call.ID, Reason: "origin leg not registered at call creation"}
	}
	if !call.State.acceptsDestination() {
		return Leg{}, false, &AnomalyError{LegID: ev.LegID, CallID: call.ID, Reason: fmt.Sprintf("destination event while call is %s", call.State)}
	}
	for _, l := range legs {
		if l.Role == RoleDestination {
			return Leg{}, false, &AnomalyError{LegID: ev.LegID, CallID: call.ID, Reason: "call already has destination leg " + l.ID}
		}
	}

	return Leg{
		ID:          ev.LegID,
		CallID:      call.ID,
		Role:        RoleDestination,
		ParentLegID: ev.ParentLegID,
		Status:      ev.Status,
		AnsweredBy:  ev.AnsweredBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, true, nil
}

// CheckDestination rejects destination events for calls that have not yet
// confirmed a human on the origin leg, even when the leg row exists.
func CheckDestination(call Call, role LegRole, legID string) error {
	if role == RoleDestination && !call.State.acceptsDestination() {
		return &AnomalyError{LegID: legID, CallID: call.ID, Reason: fmt.Sprintf("destination event while call is %s", call.State)}
	}
	return nil
}

// TriggerFor maps a reconciled event onto a machine trigger.
// ok is false for ignored events and statuses that carry no signal.
func TriggerFor(ev LegEvent, role LegRole) (Trigger, bool) {
	if ev.Ignored {
		return "", false
	}

	if ev.Kind == KindAnsweredByCallback {
		if role == RoleDestination {
			if ev.AnsweredBy.IsHuman() {
				return TriggerDestinationHuman, true
			}
			return TriggerDestinationMachine, true
		}
		if ev.AnsweredBy.IsHuman() {
			return TriggerOriginHuman, true
		}
		return TriggerOriginMachine, true
	}

	switch ev.Status {
	case LegRinging:
		if role == RoleDestination {
			return TriggerDestinationRinging, true
		}
		return TriggerOriginRinging, true
	case LegInProgress:
		if role == RoleDestination {
			return TriggerDestinationAnswered, true
		}
		return TriggerOriginAnswered, true
	case LegCompleted:
		return TriggerComplete, true
	case LegBusy, LegNoAnswer:
		if role == RoleDestination {
			return TriggerDestinationNoAnswer, true
		}
		return TriggerFail, true
	case LegCanceled, LegFailed:
		return TriggerFail, true
	default:
		return "", false
	}
}

package calls

import (
	"errors"
	"fmt"
)

// State is the logical call state.
type State string

const (
	StateInitiated           State = "INITIATED"
	StateRinging             State = "RINGING"
	StateAnswered            State = "ANSWERED"
	StateRedirecting         State = "REDIRECTING"
	StateDestinationRinging  State = "DESTINATION_RINGING"
	StateDestinationAnswered State = "DESTINATION_ANSWERED"
	StateConnected           State = "CONNECTED"
	StateCompleted           State = "COMPLETED"
	StateFailed              State = "FAILED"
	StateNoAnswer            State = "NO_ANSWER"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateInitiated,
	StateRinging,
	StateAnswered,
	StateRedirecting,
	StateDestinationRinging,
	StateDestinationAnswered,
	StateConnected,
	StateCompleted,
	StateFailed,
	StateNoAnswer,
}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the call accepts no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateNoAnswer:
		return true
	default:
		return false
	}
}

// acceptsDestination reports whether destination leg events may be recorded.
// Live calls qualify only after the origin was confirmed human; terminal calls
// take them into the event log without a transition.
func (s State) acceptsDestination() bool {
	switch s {
	case StateRedirecting, StateDestinationRinging, StateDestinationAnswered,
		StateConnected, StateCompleted, StateFailed, StateNoAnswer:
		return true
	default:
		return false
	}
}

// Trigger is a classified signal fed into the state machine.
type Trigger string

const (
	TriggerOriginRinging       Trigger = "origin_ringing"
	TriggerOriginAnswered      Trigger = "origin_answered"
	TriggerOriginHuman         Trigger = "origin_human"
	TriggerOriginMachine       Trigger = "origin_machine"
	TriggerDestinationRinging  Trigger = "destination_ringing"
	TriggerDestinationAnswered Trigger = "destination_answered"
	TriggerDestinationHuman    Trigger = "destination_human"
	TriggerDestinationMachine  Trigger = "destination_machine"
	TriggerDestinationNoAnswer Trigger = "destination_no_answer"
	TriggerComplete            Trigger = "complete"
	TriggerFail                Trigger = "fail"
)

// AllTriggers lists every trigger the machine understands.
var AllTriggers = []Trigger{
	TriggerOriginRinging,
	TriggerOriginAnswered,
	TriggerOriginHuman,
	TriggerOriginMachine,
	TriggerDestinationRinging,
	TriggerDestinationAnswered,
	TriggerDestinationHuman,
	TriggerDestinationMachine,
	TriggerDestinationNoAnswer,
	TriggerComplete,
	TriggerFail,
}

var ErrIllegalTransition = errors.New("calls: illegal transition")

// TransitionError carries the rejected (state, trigger) pair.
type TransitionError struct {
	From    State
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("calls: illegal transition %s from %s", e.Trigger, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Transition returns the state reached by applying t in from.
// It is pure: the same pair always yields the same result.
func Transition(from State, t Trigger) (State, error) {
	if !from.Valid() {
		return from, &TransitionError{From: from, Trigger: t}
	}

	switch t {
	case TriggerFail:
		return StateFailed, nil
	case TriggerComplete:
		switch from {
		case StateConnected, StateCompleted:
			return StateCompleted, nil
		default:
			return StateFailed, nil
		}
	}

	switch from {
	case StateInitiated:
		if t == TriggerOriginRinging {
			return StateRinging, nil
		}
	case StateRinging:
		if t == TriggerOriginAnswered {
			return StateAnswered, nil
		}
	case StateAnswered:
		switch t {
		case TriggerOriginHuman:
			return StateRedirecting, nil
		case TriggerOriginMachine:
			return StateFailed, nil
		}
	case StateRedirecting:
		switch t {
		case TriggerDestinationRinging:
			return StateDestinationRinging, nil
		case TriggerDestinationNoAnswer:
			return StateNoAnswer, nil
		}
	case StateDestinationRinging:
		switch t {
		case TriggerDestinationAnswered:
			return StateDestinationAnswered, nil
		case TriggerDestinationNoAnswer:
			return StateNoAnswer, nil
		}
	case StateDestinationAnswered:
		switch t {
		case TriggerDestinationHuman:
			return StateConnected, nil
		case TriggerDestinationMachine:
			return StateNoAnswer, nil
		}
	case StateConnected, StateCompleted, StateFailed, StateNoAnswer:
		// only completion and failure apply
	}

	return from, &TransitionError{From: from, Trigger: t}
}

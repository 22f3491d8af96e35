package session

import (
	"fmt"

	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
)

// CallState is the phase of the call as seen by the client.
type CallState int

const (
	Idle CallState = iota
	Connecting
	Active
)

func (s CallState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// State is everything the controller knows about the call.
type State struct {
	Call CallState
	// Duration counts whole seconds spent Active in the current call.
	Duration int
	// Attempt numbers start requests; settlements for any other attempt
	// are stale.
	Attempt uint64
	CallID  string
}

// Input is anything that can move the state machine.
type Input interface{ input() }

type (
	// Toggle is the user pressing the call button.
	Toggle struct{}
	// Stop ends or abandons the call without starting one.
	Stop struct{}
	// Tick is one elapsed tick interval.
	Tick struct{}
	// StartSucceeded settles attempt with an open call.
	StartSucceeded struct {
		Attempt uint64
		Handle  collaborator.CallHandle
	}
	// StartFailed settles attempt with an error.
	StartFailed struct {
		Attempt uint64
		Err     error
	}
	// CollaboratorError is an error event reported by the collaborator.
	CollaboratorError struct{ Message string }
	// CallEnded is the collaborator closing the call on its side.
	CallEnded struct{ CallID string }
)

func (Toggle) input()            {}
func (Stop) input()              {}
func (Tick) input()              {}
func (StartSucceeded) input()    {}
func (StartFailed) input()       {}
func (CollaboratorError) input() {}
func (CallEnded) input()         {}

// EffectKind names a side effect the controller must perform.
type EffectKind int

const (
	// EffectStartCall issues a start request for Effect.Attempt.
	EffectStartCall EffectKind = iota + 1
	// EffectCancelStart aborts the in-flight start request.
	EffectCancelStart
	// EffectStopCall sends a stop to the collaborator.
	EffectStopCall
	// EffectArmTick starts the duration ticker.
	EffectArmTick
	// EffectDisarmTick stops the duration ticker.
	EffectDisarmTick
)

// Effect is one side effect returned by Reduce, tagged with the attempt it
// belongs to where that matters.
type Effect struct {
	Kind    EffectKind
	Attempt uint64
}

// Reduce computes the state after in and the effects that realize it.
// It has no side effects of its own.
func Reduce(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case Toggle:
		switch s.Call {
		case Idle:
			s.Attempt++
			s.Call = Connecting
			s.Duration = 0
			s.CallID = ""
			return s, []Effect{{Kind: EffectStartCall, Attempt: s.Attempt}}
		case Connecting:
			return abandon(s)
		case Active:
			return hangUp(s)
		}
	case Stop:
		switch s.Call {
		case Connecting:
			return abandon(s)
		case Active:
			return hangUp(s)
		}
		return s, []Effect{{Kind: EffectStopCall}}
	case Tick:
		if s.Call == Active {
			s.Duration++
		}
		return s, nil
	case StartSucceeded:
		if s.Call == Connecting && in.Attempt == s.Attempt {
			s.Call = Active
			s.Duration = 0
			s.CallID = in.Handle.ID
			return s, []Effect{{Kind: EffectArmTick}}
		}
		if s.Call != Active {
			// A start that outlived its cancellation must not leave a
			// remote session behind, even while a newer attempt is
			// pending. An Active call owns the collaborator's only slot,
			// so a stale start cannot hold one then.
			return s, []Effect{{Kind: EffectStopCall}}
		}
		return s, nil
	case StartFailed:
		if s.Call == Connecting && in.Attempt == s.Attempt {
			s.Call = Idle
			s.Duration = 0
		}
		return s, nil
	case CollaboratorError:
		if s.Call == Connecting {
			return abandon(s)
		}
		return s, nil
	case CallEnded:
		switch s.Call {
		case Connecting:
			// The pending call has no id yet; a tagged end belongs to an
			// earlier call.
			if in.CallID != "" {
				return s, nil
			}
			return abandon(s)
		case Active:
			if in.CallID != "" && in.CallID != s.CallID {
				return s, nil
			}
			s.Call = Idle
			s.Duration = 0
			s.CallID = ""
			return s, []Effect{{Kind: EffectDisarmTick}}
		}
	}
	return s, nil
}

func abandon(s State) (State, []Effect) {
	s.Call = Idle
	s.Duration = 0
	s.CallID = ""
	return s, []Effect{{Kind: EffectCancelStart, Attempt: s.Attempt}, {Kind: EffectStopCall}}
}

func hangUp(s State) (State, []Effect) {
	s.Call = Idle
	s.Duration = 0
	s.CallID = ""
	return s, []Effect{{Kind: EffectDisarmTick}, {Kind: EffectStopCall}}
}

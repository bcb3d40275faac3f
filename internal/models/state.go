package models

import (
	"strings"
	"time"
)

// State is the FSM tag stored in user_states. Arguments follow a colon,
// e.g. "wait_note:4".
type State string

const (
	StateIdle         State = ""
	StateWaitNote     State = "wait_note"
	StateWaitWeekday  State = "wait_weekday"
	StateWaitWeekend  State = "wait_weekend"
	StateWaitQuiet    State = "wait_quiet"
	StateWaitReminder State = "wait_reminder"
	StateWaitTZ       State = "wait_tz"
)

// With attaches an argument to the state tag.
func (s State) With(arg string) State {
	return State(string(s) + ":" + arg)
}

// Tag returns the state without its argument.
func (s State) Tag() State {
	tag, _, _ := strings.Cut(string(s), ":")
	return State(tag)
}

// Arg returns the argument part, if any.
func (s State) Arg() string {
	_, arg, _ := strings.Cut(string(s), ":")
	return arg
}

func (s State) IsIdle() bool { return s == StateIdle }

// TimeoutPhase is the position of a tracked conversation in the timeout cycle.
type TimeoutPhase int

const (
	PhaseAwaitingInput TimeoutPhase = iota
	PhaseReminded
)

func (p TimeoutPhase) String() string {
	switch p {
	case PhaseAwaitingInput:
		return "awaiting_input"
	case PhaseReminded:
		return "reminded"
	default:
		return "unknown"
	}
}

// ConversationTimeout tracks a user stuck in a multi-step flow.
type ConversationTimeout struct {
	ChatID           int64
	State            State
	Phase            TimeoutPhase
	ReminderDeadline time.Time
	CleanupDeadline  time.Time // zero until the reminder fired
}

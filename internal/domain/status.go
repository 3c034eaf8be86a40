package domain

import (
	"errors"
	"fmt"
)

// Status is the lifecycle stage of an order. Values are wire-exact.
type Status string

const (
	StatusPlaced         Status = "placed"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Steps is the fixed five-step display sequence.
var Steps = []Status{
	StatusPlaced,
	StatusConfirmed,
	StatusPreparing,
	StatusOutForDelivery,
	StatusDelivered,
}

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError is returned when a status change is not part of the lifecycle.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ParseStatus maps a wire value to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	return s == StatusCancelled || s.StepIndex() >= 0
}

// StepIndex is the position of s in Steps, or -1 for cancelled and unknown values.
func (s Status) StepIndex() int {
	for i, st := range Steps {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// ValidateTransition accepts the identity, the immediate forward successor,
// and cancellation of a non-terminal order. Anything else is rejected with a
// *TransitionError.
func ValidateTransition(current, next Status) error {
	if !current.Valid() || !next.Valid() {
		return &TransitionError{From: current, To: next}
	}
	if next == current {
		return nil
	}
	if current.IsTerminal() {
		return &TransitionError{From: current, To: next}
	}
	if next == StatusCancelled {
		return nil
	}
	if next.StepIndex() == current.StepIndex()+1 {
		return nil
	}
	return &TransitionError{From: current, To: next}
}

// Reachable is the relaxed check applied to authoritative re-fetches: forward
// jumps are allowed because intermediate updates may have been missed, but a
// terminal status never changes and the order never moves backwards.
func Reachable(current, next Status) error {
	if !current.Valid() || !next.Valid() {
		return &TransitionError{From: current, To: next}
	}
	if next == current {
		return nil
	}
	if current.IsTerminal() {
		return &TransitionError{From: current, To: next}
	}
	if next == StatusCancelled || next.StepIndex() > current.StepIndex() {
		return nil
	}
	return &TransitionError{From: current, To: next}
}

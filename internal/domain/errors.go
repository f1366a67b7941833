package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested row does not exist
// for the requesting user.
var ErrNotFound = errors.New("not found")

// ValidationError reports invalid input rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientSampleError reports an eligible population smaller than the
// test's configured minimum. The test stays in draft.
type InsufficientSampleError struct {
	Need int
	Have int
}

func (e *InsufficientSampleError) Error() string {
	return fmt.Sprintf("not enough contacts: need %d, have %d", e.Need, e.Have)
}

// InvalidStateTransitionError reports an action that does not match the
// entity's current lifecycle state. No mutation occurs.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

// InsufficientDataError reports an analysis attempted before both variants
// have at least one recipient. No AnalysisResult is created.
type InsufficientDataError struct {
	TestID string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for analysis of test %s: both variants need recipients", e.TestID)
}

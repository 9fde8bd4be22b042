package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrNamingCollision = errors.New("naming collision")

	// ErrEmptyQueue is returned by TimeSinceOldest when nothing is buffered.
	ErrEmptyQueue = errors.New("queue is empty")

	// ErrInputBuffered marks a collector failure that happened after the
	// step's input was already buffered. Rerunning the step with the same
	// input would buffer it twice.
	ErrInputBuffered = errors.New("input already buffered")
)

// TypeMismatchError reports the first pair of adjacent pipeline elements whose
// declared types disagree. From is "trigger" for the entry check. Index is the
// position of the consuming step, or -1 when the pipeline has no steps.
type TypeMismatchError struct {
	Index int
	From  string
	To    string
	Got   Type
	Want  Type
}

func (e *TypeMismatchError) Error() string {
	if e.Index < 0 {
		return "type mismatch: pipeline has no steps"
	}
	if e.Index == 0 {
		return fmt.Sprintf("type mismatch: step 0 %q expects %s but trigger produces %s", e.To, e.Want, e.Got)
	}
	return fmt.Sprintf("type mismatch: step %d %q expects %s but step %d %q produces %s",
		e.Index, e.To, e.Want, e.Index-1, e.From, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// ConfigurationError reports an invalid step or pipeline definition.
type ConfigurationError struct {
	Step   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Step == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration for step %q: %s", e.Step, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NamingCollisionError reports two collectors that would share one queue.
type NamingCollisionError struct {
	Queue  string
	First  int
	Second int
}

func (e *NamingCollisionError) Error() string {
	return fmt.Sprintf("naming collision: collectors at steps %d and %d both map to queue %q", e.First, e.Second, e.Queue)
}

func (e *NamingCollisionError) Is(target error) bool { return target == ErrNamingCollision }

// FlushError is a collector failure after CollectInput succeeded. Any batch
// fetched for the failed flush has been returned to the cache; Requeued
// counts those items.
type FlushError struct {
	Step     string
	Requeued int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("step %q: flush failed, %d items returned to the cache: %v", e.Step, e.Requeued, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

func (e *FlushError) Is(target error) bool { return target == ErrInputBuffered }

// Permanent reports whether err comes from a definition problem that no
// retry can fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrTypeMismatch) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNamingCollision)
}

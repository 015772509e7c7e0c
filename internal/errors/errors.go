// internal/errors/errors.go
package appErrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrJobNotFound is returned when an operation needs a job and none exists.
	ErrJobNotFound = errors.New("no mass email job exists")

	// ErrRecipientNotFound is returned by detail lookups for unknown ids.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrPendingJob blocks teardown while a job is still queued or scheduled.
	ErrPendingJob = errors.New("there are pending email jobs, cancel them first")
)

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Helper constructor
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NoRecipientsError means the selector resolved to nobody.
type NoRecipientsError struct{}

func (e *NoRecipientsError) Error() string {
	return "no users found to send email"
}

func NewNoRecipients() error {
	return &NoRecipientsError{}
}

// ErrInvalidTransition reports a state change the job lifecycle does not allow.
type ErrInvalidTransition struct {
	From   string
	Action string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s a job in state %s", e.Action, e.From)
}

func IsInvalidTransition(err error) bool {
	var t *ErrInvalidTransition
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNoRecipients(err error) bool {
	var n *NoRecipientsError
	return errors.As(err, &n)
}

package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("subscription not found")
	ErrMeetingMissing = errors.New("meeting not found")
	ErrAlreadyActive  = errors.New("subscription already active")
	ErrEventsDisabled = errors.New("meet events are disabled")
	ErrNoActive       = errors.New("no active subscription")
)

// ValidationError reports a structurally malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package services

import (
	"errors"
	"fmt"

	"outreach/models"
)

var (
	ErrTemplate          = errors.New("template error")
	ErrTransport         = errors.New("transport error")
	ErrAccountUnverified = errors.New("sending account unverified")
	ErrNoCorrelation     = errors.New("no sent email matches the message")

	ErrNoSteps           = errors.New("campaign has no steps")
	ErrClaimLost         = errors.New("recipient claim lost")
	ErrRecipientInactive = errors.New("recipient is no longer active")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SendError carries the failure kind of one dispatch.
type SendError struct {
	Kind string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match on the kind.
func (e *SendError) Is(target error) bool {
	switch target {
	case ErrTemplate:
		return e.Kind == models.ErrorKindTemplate
	case ErrTransport:
		return e.Kind == models.ErrorKindTransport
	case ErrAccountUnverified:
		return e.Kind == models.ErrorKindUnverified
	}
	return false
}

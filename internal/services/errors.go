package services

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is the sentinel matched by every InvalidArgumentError
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentError reports a caller error detected before any storage access
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid argument: %s", e.Reason)
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// Is enables errors.Is matching against ErrInvalidArgument.
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func invalidArgument(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

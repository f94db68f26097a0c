package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrLivemodeMismatch    = errors.New("livemode_mismatch")
	ErrDescriptionTooLong  = errors.New("description_too_long")
	ErrMetadataTooLarge    = errors.New("metadata_too_large")
)

// ValidationError names the offending field of a malformed command. Terminal;
// retrying the same command cannot succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError marks a referenced source record that does not exist in the
// command's org and livemode scope. Terminal.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsValidation reports whether err is terminal because the command itself is
// malformed.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	switch {
	case errors.Is(err, ErrInvalidOrganization),
		errors.Is(err, ErrInvalidSubscription),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrLivemodeMismatch),
		errors.Is(err, ErrDescriptionTooLong),
		errors.Is(err, ErrMetadataTooLarge):
		return true
	}
	return false
}

// IsNotFound reports whether err is terminal because a referenced record is
// absent.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

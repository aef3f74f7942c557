package protocol

import (
	"errors"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have
	// reached the arm. For example, if a write times out, the client cannot tell whether the
	// characteristic was updated.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the link dropping while the arm reboots.
	Temporary() bool
}

var (
	// ErrValidation indicates an inbound payload is malformed. Validation errors are reported to
	// the submitter and never retried.
	ErrValidation = NewError("invalid detection payload", false, false)
	// ErrNotConnected indicates there is no live link to the arm.
	ErrNotConnected = NewError("arm not connected", false, true)
	// ErrWriteTimeout indicates the link did not confirm a write before the deadline.
	ErrWriteTimeout = NewError("timed out writing command to arm", true, true)
	// ErrWriteFailure indicates the transport rejected a write.
	ErrWriteFailure = NewError("failed to write command to arm", false, true)
	// ErrDiscovery indicates the arm was not found while scanning.
	ErrDiscovery = NewError("arm not found", false, false)
	// ErrFrameTooLong indicates an encoded command does not fit in the command characteristic.
	ErrFrameTooLong = NewError("command frame exceeds characteristic size", false, false)
	// ErrClosed indicates the link session was shut down.
	ErrClosed = NewError("link session closed", false, false)
	// ErrEmptyFrame indicates the arm sent a notification without a payload.
	ErrEmptyFrame = errors.New("empty notification frame")
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// MayHaveSucceeded returns true if err indicates the command may have reached the arm even though
// the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates the command failed due to possibly transient conditions
// that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// IsValidationError returns true if err was caused by a malformed payload.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

package attendance

import "errors"

// Rejections surfaced to callers. The HTTP layer maps these onto status codes;
// anything else is treated as a storage failure the caller may retry.
var (
	// ErrValidation wraps malformed input (bad roll number, missing fields).
	ErrValidation = errors.New("validation failed")

	// ErrEventNotFound means the event id does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrStudentNotFound means the roll number is not on the event's roster.
	// Callers typically respond by prompting registration.
	ErrStudentNotFound = errors.New("student not registered for event")

	// ErrDuplicate means the student already checked in for the event.
	ErrDuplicate = errors.New("attendance already recorded")
)

package domain

import "errors"

// Fault categories shared by the stores and the lifecycle coordinator.
// Errors are wrapped with fmt.Errorf("%w: ...") and classified with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrStorage      = errors.New("storage fault")
	// ErrInconsistent marks metadata that references a missing author or object.
	ErrInconsistent = errors.New("inconsistent catalog state")
)

// Kind is a stable label for an error category.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindStorage      Kind = "storage_fault"
	KindInconsistent Kind = "inconsistent"
	KindFault        Kind = "fault"
)

// KindOf classifies err. Inconsistent wins over the other categories since it
// needs operator attention; Conflict wins over InvalidInput.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInconsistent):
		return KindInconsistent
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindFault
	}
}

package domain

import "errors"

// Error kinds shared by every engine component. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
)

// Store-level sentinels. Adapters return these so the engine can react without
// knowing the storage technology.
var (
	// ErrVersionConflict means a compare-and-swap lost against a concurrent writer.
	ErrVersionConflict = errors.New("outage version changed concurrently")
	// ErrDuplicateSignal means the user already holds an active signal of that kind.
	ErrDuplicateSignal = errors.New("signal already recorded")
)

// KindOf names the taxonomy kind of err, or "internal" when it matches none.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

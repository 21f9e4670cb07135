package analyzer

import (
	"errors"
	"fmt"
)

// Category classifies resolution failures.
type Category string

const (
	CategoryIOFailure     Category = "io_failure"
	CategoryInvalidTarget Category = "invalid_target"
)

// ErrUnresolvableTarget is matched by every ResolveError.
var ErrUnresolvableTarget = errors.New("unresolvable target")

// ResolveError is returned when a target cannot be resolved at all. Ending
// without a terminal thread is reported through Outcome, not as an error.
type ResolveError struct {
	Category Category
	Target   Target
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", e.Target, e.Category, e.Err)
}

func (e *ResolveError) Unwrap() []error {
	return []error{ErrUnresolvableTarget, e.Err}
}

// CategoryOf returns the category of a ResolveError in err's chain, or "".
func CategoryOf(err error) Category {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

func ioFailure(t Target, err error) error {
	return &ResolveError{Category: CategoryIOFailure, Target: t, Err: err}
}

package booking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRateLimited is distinct from validation failures so the API can
	// answer 429 instead of 400.
	ErrRateLimited = errors.New("too many requests")

	// ErrSlotTaken means the requested start no longer survives a live
	// availability re-validation.
	ErrSlotTaken = errors.New("requested slot is not available")

	// ErrSlotContended means another intake currently holds the lock for
	// the same operator and start.
	ErrSlotContended = errors.New("slot is currently being booked, please retry")

	// ErrPrivilegedEmail rejects booking against an email bound to a
	// staff or admin account.
	ErrPrivilegedEmail = errors.New("email belongs to a privileged account")

	// ErrCalendarSettlement aborts a settlement delivery: payment is not
	// marked paid without a calendar commitment.
	ErrCalendarSettlement = errors.New("calendar event creation failed during settlement")
)

// ValidationError collects user-correctable intake problems.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Problems, "; "))
}

func validationErr(problems ...string) error {
	return &ValidationError{Problems: problems}
}

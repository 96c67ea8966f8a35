package crawljob

import (
	"errors"
	"fmt"

	"github.com/stockapp/crawlsync/internal/models"
)

var (
	// ErrAlreadyRunning is returned when another cycle owns the symbol.
	ErrAlreadyRunning = errors.New("crawl cycle already running")

	// ErrInvalidTransition is returned when a transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid crawl job transition")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Symbol string
	From   models.JobStatus // Empty when no record exists
	To     models.JobStatus
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	to := string(e.To)
	if to == "" {
		to = "<previous>"
	}
	return fmt.Sprintf("%v for %s: %s -> %s", ErrInvalidTransition, e.Symbol, from, to)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

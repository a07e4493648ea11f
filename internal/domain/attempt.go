package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationAttempt records a single delivery attempt made against a
// notification record.
type NotificationAttempt struct {
	ID                string
	RecordID          string
	AttemptNumber     int
	Outcome           Status
	StatusCode        *int
	ProviderMessageID *string
	Error             *string
	CreatedAt         time.Time
}

// Validate checks an attempt before it is appended to a record's history.
// Attempts only record outcomes of a send, so Pending is rejected.
func (a *NotificationAttempt) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: attempt is required", ErrValidation)
	}
	if strings.TrimSpace(a.RecordID) == "" {
		return fmt.Errorf("%w: attempt record id is required", ErrValidation)
	}
	if a.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt number must be >= 1", ErrValidation)
	}
	switch a.Outcome {
	case StatusSent, StatusFailed, StatusPermanentlyFailed:
	default:
		return fmt.Errorf("%w: invalid attempt outcome %q", ErrValidation, a.Outcome)
	}
	return nil
}

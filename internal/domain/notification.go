package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the delivery state of a notification record.
type Status string

const (
	StatusPending           Status = "Pending"
	StatusSent              Status = "Sent"
	StatusFailed            Status = "Failed"
	StatusPermanentlyFailed Status = "PermanentlyFailed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusPermanentlyFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusPermanentlyFailed
}

// CanTransitionTo reports whether a record in state s may move to next.
// The empty status stands for "no record yet". A new record normally starts
// Failed; it starts PermanentlyFailed only when the transport classified the
// first failure as permanent.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case "":
		return next == StatusFailed || next == StatusPermanentlyFailed
	case StatusPending, StatusFailed:
		return next == StatusSent || next == StatusFailed || next == StatusPermanentlyFailed
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	trimmed := strings.TrimSpace(s)
	for _, st := range []Status{StatusPending, StatusSent, StatusFailed, StatusPermanentlyFailed} {
		if strings.EqualFold(trimmed, st.String()) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
}

// Kind is the notification category. Each kind has its own template and
// template data variant.
type Kind string

const (
	KindVerification    Kind = "Verification"
	KindWelcome         Kind = "Welcome"
	KindApproval        Kind = "Approval"
	KindRejection       Kind = "Rejection"
	KindBookingCreated  Kind = "BookingCreated"
	KindBookingAlert    Kind = "BookingAlert"
	KindBookingAccepted Kind = "BookingAccepted"
	KindBookingRejected Kind = "BookingRejected"
)

var supportedKinds = []Kind{
	KindVerification,
	KindWelcome,
	KindApproval,
	KindRejection,
	KindBookingCreated,
	KindBookingAlert,
	KindBookingAccepted,
	KindBookingRejected,
}

// Kinds returns every supported notification kind.
func Kinds() []Kind {
	out := make([]Kind, len(supportedKinds))
	copy(out, supportedKinds)
	return out
}

func (k Kind) String() string { return string(k) }

func (k Kind) IsValid() bool {
	for _, known := range supportedKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsBooking reports whether the kind carries BookingData.
func (k Kind) IsBooking() bool {
	switch k {
	case KindBookingCreated, KindBookingAlert, KindBookingAccepted, KindBookingRejected:
		return true
	}
	return false
}

func ParseKindFromString(s string) (Kind, error) {
	trimmed := strings.TrimSpace(s)
	for _, k := range supportedKinds {
		if strings.EqualFold(trimmed, k.String()) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: invalid kind %q", ErrValidation, s)
}

// DefaultMaxRetries is the retry ceiling applied when none is configured.
const DefaultMaxRetries = 5

// Related holds weak back-references to the entities that triggered a
// notification. Nothing here is owned by the record.
type Related struct {
	UserID    *string `json:"userId,omitempty"`
	BookingID *string `json:"bookingId,omitempty"`
}

// NotificationRecord is the durable log entry of a notification whose
// delivery failed at least once.
type NotificationRecord struct {
	ID               string
	RecipientAddress string
	Related          Related
	Kind             Kind
	Status           Status
	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	LastError        *string
	PayloadSnapshot  []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r *NotificationRecord) Validate() error {
	if strings.TrimSpace(r.RecipientAddress) == "" {
		return fmt.Errorf("%w: recipient address is required", ErrValidation)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: invalid kind %q", ErrValidation, r.Kind)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("%w: maxRetries must be >= 1", ErrValidation)
	}
	if r.RetryCount < 0 || r.RetryCount > r.MaxRetries {
		return fmt.Errorf("%w: retryCount %d outside [0, %d]", ErrValidation, r.RetryCount, r.MaxRetries)
	}
	if len(r.PayloadSnapshot) == 0 {
		return fmt.Errorf("%w: payload snapshot is required", ErrValidation)
	}
	switch r.Status {
	case StatusSent:
		if r.LastError != nil || r.NextRetryAt != nil {
			return fmt.Errorf("%w: sent record must not carry lastError or nextRetryAt", ErrValidation)
		}
	case StatusFailed:
		if r.NextRetryAt == nil {
			return fmt.Errorf("%w: failed record requires nextRetryAt", ErrValidation)
		}
	case StatusPermanentlyFailed:
		if r.NextRetryAt != nil || r.RetryCount != r.MaxRetries {
			return fmt.Errorf("%w: permanently failed record must be exhausted with no nextRetryAt", ErrValidation)
		}
	}
	return nil
}

// IsDue reports whether the scheduler should pick the record up at now.
func (r *NotificationRecord) IsDue(now time.Time) bool {
	if r.Status != StatusFailed || r.RetryCount >= r.MaxRetries {
		return false
	}
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

// RecordPatch carries the only fields of a record that may change after
// creation. A nil NextRetryAt or LastError clears the stored value.
type RecordPatch struct {
	Status      Status
	RetryCount  int
	NextRetryAt *time.Time
	LastError   *string
	UpdatedAt   time.Time
}

// Apply copies the patch onto r.
func (p RecordPatch) Apply(r *NotificationRecord) {
	if r == nil {
		return
	}
	r.Status = p.Status
	r.RetryCount = p.RetryCount
	r.NextRetryAt = p.NextRetryAt
	r.LastError = p.LastError
	r.UpdatedAt = p.UpdatedAt
}

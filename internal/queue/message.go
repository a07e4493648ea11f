package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

// EventMessage is the broker payload of a marketplace event that should
// produce an email.
type EventMessage struct {
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          domain.Kind     `json:"kind"`
	Recipient     string          `json:"recipient"`
	UserID        *string         `json:"userId,omitempty"`
	BookingID     *string         `json:"bookingId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("%w: eventId is required", domain.ErrValidation)
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("%w: invalid kind %q", domain.ErrValidation, m.Kind)
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	return nil
}

func (m EventMessage) Related() domain.Related {
	return domain.Related{UserID: m.UserID, BookingID: m.BookingID}
}

// TemplateData decodes the event data into the variant of the event kind.
func (m EventMessage) TemplateData() (domain.TemplateData, error) {
	return domain.DecodeTemplateData(m.Kind, m.Data)
}

// DeadLetterMessage announces a notification record that reached
// PermanentlyFailed.
type DeadLetterMessage struct {
	RecordID   string      `json:"recordId"`
	Kind       domain.Kind `json:"kind"`
	Recipient  string      `json:"recipient"`
	RetryCount int         `json:"retryCount"`
	MaxRetries int         `json:"maxRetries"`
	LastError  string      `json:"lastError,omitempty"`
	FailedAt   time.Time   `json:"failedAt"`
}

func NewDeadLetterMessage(rec domain.NotificationRecord) DeadLetterMessage {
	msg := DeadLetterMessage{
		RecordID:   rec.ID,
		Kind:       rec.Kind,
		Recipient:  rec.RecipientAddress,
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
		FailedAt:   rec.UpdatedAt.UTC(),
	}
	if rec.LastError != nil {
		msg.LastError = *rec.LastError
	}
	return msg
}

func (m DeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.RecordID) == "" {
		return fmt.Errorf("recordId is required")
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q", m.Kind)
	}
	return nil
}

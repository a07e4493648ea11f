package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Fallbacks used when a stored snapshot lacks rendered content.
const (
	FallbackSubject  = "QuickClean Notification"
	FallbackHTMLBody = "<p>This is a notification from QuickClean.</p>"
)

const snapshotVersion = 1

// TemplateData is the per-kind input of a notification template. The set of
// implementations is closed: one variant per template.
type TemplateData interface {
	// Validate checks that every field the template of kind needs is present.
	Validate(kind Kind) error
	isTemplateData()
}

type VerificationData struct {
	Name              string `json:"name"`
	VerificationToken string `json:"verificationToken"`
}

type WelcomeData struct {
	Name string `json:"name"`
}

type ApprovalData struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

type RejectionData struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BookingData serves BookingCreated, BookingAlert, BookingAccepted and
// BookingRejected.
type BookingData struct {
	CustomerName        string    `json:"customerName"`
	MaidName            string    `json:"maidName"`
	ServiceName         string    `json:"serviceName"`
	BookingDate         time.Time `json:"bookingDate"`
	BookingTime         string    `json:"bookingTime"`
	DurationHours       int       `json:"durationHours"`
	Address             string    `json:"address"`
	TotalPrice          float64   `json:"totalPrice"`
	SpecialInstructions string    `json:"specialInstructions,omitempty"`
	RejectionReason     string    `json:"rejectionReason,omitempty"`
}

func (VerificationData) isTemplateData() {}
func (WelcomeData) isTemplateData()      {}
func (ApprovalData) isTemplateData()     {}
func (RejectionData) isTemplateData()    {}
func (BookingData) isTemplateData()      {}

func (d VerificationData) Validate(kind Kind) error {
	if kind != KindVerification {
		return mismatch(kind, d)
	}
	return requireFields(kind, field{"name", d.Name}, field{"verificationToken", d.VerificationToken})
}

func (d WelcomeData) Validate(kind Kind) error {
	if kind != KindWelcome {
		return mismatch(kind, d)
	}
	return requireFields(kind, field{"name", d.Name})
}

func (d ApprovalData) Validate(kind Kind) error {
	if kind != KindApproval {
		return mismatch(kind, d)
	}
	return requireFields(kind, field{"name", d.Name})
}

func (d RejectionData) Validate(kind Kind) error {
	if kind != KindRejection {
		return mismatch(kind, d)
	}
	return requireFields(kind, field{"name", d.Name}, field{"reason", d.Reason})
}

func (d BookingData) Validate(kind Kind) error {
	if !kind.IsBooking() {
		return mismatch(kind, d)
	}
	if err := requireFields(kind,
		field{"customerName", d.CustomerName},
		field{"maidName", d.MaidName},
		field{"serviceName", d.ServiceName},
		field{"bookingTime", d.BookingTime},
	); err != nil {
		return err
	}
	if d.BookingDate.IsZero() {
		return fmt.Errorf("%w: %s requires bookingDate", ErrComposition, kind)
	}
	return nil
}

type field struct {
	name  string
	value string
}

func requireFields(kind Kind, fields ...field) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrComposition, kind, f.name)
		}
	}
	return nil
}

func mismatch(kind Kind, data TemplateData) error {
	return fmt.Errorf("%w: %T cannot render %s", ErrComposition, data, kind)
}

// NewTemplateData returns an empty data variant for kind, ready to be
// decoded into.
func NewTemplateData(kind Kind) (TemplateData, error) {
	switch {
	case kind == KindVerification:
		return &VerificationData{}, nil
	case kind == KindWelcome:
		return &WelcomeData{}, nil
	case kind == KindApproval:
		return &ApprovalData{}, nil
	case kind == KindRejection:
		return &RejectionData{}, nil
	case kind.IsBooking():
		return &BookingData{}, nil
	}
	return nil, fmt.Errorf("%w: invalid kind %q", ErrValidation, kind)
}

// DecodeTemplateData unmarshals raw JSON into the data variant of kind.
func DecodeTemplateData(kind Kind, raw []byte) (TemplateData, error) {
	ptr, err := NewTemplateData(kind)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s requires data", ErrComposition, kind)
	}
	if err := json.Unmarshal(raw, ptr); err != nil {
		return nil, fmt.Errorf("%w: invalid %s data: %v", ErrValidation, kind, err)
	}
	return deref(ptr), nil
}

func deref(data TemplateData) TemplateData {
	switch d := data.(type) {
	case *VerificationData:
		return *d
	case *WelcomeData:
		return *d
	case *ApprovalData:
		return *d
	case *RejectionData:
		return *d
	case *BookingData:
		return *d
	}
	return data
}

// Message is a fully rendered notification, ready for a transport.
type Message struct {
	Kind      Kind
	Recipient string
	Subject   string
	HTMLBody  string
	Related   Related
	Data      TemplateData
}

func (m Message) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("%w: invalid kind %q", ErrValidation, m.Kind)
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(m.HTMLBody) == "" {
		return fmt.Errorf("%w: html body is required", ErrValidation)
	}
	return nil
}

type snapshotEnvelope struct {
	Version   int             `json:"v"`
	Kind      Kind            `json:"kind"`
	Recipient string          `json:"recipient"`
	Subject   string          `json:"subject"`
	HTMLBody  string          `json:"htmlBody"`
	Related   Related         `json:"related"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EncodeSnapshot serializes the rendered message so that a later retry can
// resend it without recomputing the triggering event.
func EncodeSnapshot(m Message) ([]byte, error) {
	env := snapshotEnvelope{
		Version:   snapshotVersion,
		Kind:      m.Kind,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		HTMLBody:  m.HTMLBody,
		Related:   m.Related,
	}
	if m.Data != nil {
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template data: %w", err)
		}
		env.Data = raw
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload snapshot: %w", err)
	}
	return payload, nil
}

// DecodeSnapshot rebuilds the message stored by EncodeSnapshot.
func DecodeSnapshot(raw []byte) (Message, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if !env.Kind.IsValid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSnapshot, env.Kind)
	}
	if strings.TrimSpace(env.Recipient) == "" {
		return Message{}, fmt.Errorf("%w: recipient missing", ErrInvalidSnapshot)
	}

	msg := Message{
		Kind:      env.Kind,
		Recipient: env.Recipient,
		Subject:   env.Subject,
		HTMLBody:  env.HTMLBody,
		Related:   env.Related,
	}
	if msg.Subject == "" {
		msg.Subject = FallbackSubject
	}
	if msg.HTMLBody == "" {
		msg.HTMLBody = FallbackHTMLBody
	}

	if len(env.Data) > 0 {
		data, err := DecodeTemplateData(env.Kind, env.Data)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		msg.Data = data
	}

	return msg, nil
}

package provider

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

const (
	transportSendGrid = "sendgrid"
	transportPostmark = "postmark"
)

// Provider is the outbound email delivery port.
type Provider interface {
	Send(ctx context.Context, msg domain.Message) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for the attempt log.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Sender identifies the From and Reply-To headers of outgoing mail.
type Sender struct {
	Email   string
	Name    string
	ReplyTo string
}

func (s Sender) validate() error {
	if strings.TrimSpace(s.Email) == "" {
		return fmt.Errorf("sender email is required")
	}
	if _, err := mail.ParseAddress(s.Email); err != nil {
		return fmt.Errorf("invalid sender email: %w", err)
	}
	if s.ReplyTo != "" {
		if _, err := mail.ParseAddress(s.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply-to email: %w", err)
		}
	}
	return nil
}

func (s Sender) from() string {
	if strings.TrimSpace(s.Name) == "" {
		return s.Email
	}
	return (&mail.Address{Name: s.Name, Address: s.Email}).String()
}

package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/mrz1836/postmark"
)

// Postmark API error codes that will not succeed on resend.
// https://postmarkapp.com/developer/api/overview#error-codes
var permanentPostmarkCodes = map[int]bool{
	10:  true, // bad or missing server token
	300: true, // invalid email request
	406: true, // inactive recipient
	412: true, // account pending approval
}

type postmarkClient interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkProvider delivers messages through the Postmark transactional API.
type PostmarkProvider struct {
	client postmarkClient
	sender Sender
}

func NewPostmarkProvider(serverToken, accountToken string, sender Sender) (*PostmarkProvider, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	return newPostmarkProvider(postmark.NewClient(serverToken, accountToken), sender)
}

func newPostmarkProvider(client postmarkClient, sender Sender) (*PostmarkProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("postmark client is required")
	}
	if err := sender.validate(); err != nil {
		return nil, err
	}
	return &PostmarkProvider{client: client, sender: sender}, nil
}

func (p *PostmarkProvider) Send(ctx context.Context, msg domain.Message) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, &ProviderError{Transport: transportPostmark, Message: "invalid message", Cause: err}
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.sender.from(),
		ReplyTo:    p.sender.ReplyTo,
		To:         msg.Recipient,
		Subject:    msg.Subject,
		Tag:        msg.Kind.String(),
		HTMLBody:   msg.HTMLBody,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return nil, &ProviderError{
			Transport: transportPostmark,
			Message:   "request failed",
			Transient: true,
			Cause:     err,
		}
	}

	code := int(resp.ErrorCode)
	if code > 0 {
		return nil, &ProviderError{
			Transport:  transportPostmark,
			StatusCode: code,
			Message:    fmt.Sprintf("error code %d: %s", code, strings.TrimSpace(resp.Message)),
			Transient:  !permanentPostmarkCodes[code],
		}
	}

	return &ProviderResponse{
		StatusCode: http.StatusOK,
		Body:       resp.Message,
		MessageID:  resp.MessageID,
	}, nil
}

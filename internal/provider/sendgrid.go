package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

const (
	defaultSendGridTimeout = 10 * time.Second
	sendGridSendPath       = "/v3/mail/send"
)

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Categories       []string                  `json:"categories,omitempty"`
}

// SendGridProvider delivers messages through the SendGrid v3 mail send API.
type SendGridProvider struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	sender   Sender
}

func NewSendGridProvider(baseURL, apiKey string, sender Sender) (*SendGridProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendGridTimeout)
	client.SetRetryCount(0)

	return NewSendGridProviderWithClient(baseURL, apiKey, sender, client)
}

func NewSendGridProviderWithClient(baseURL, apiKey string, sender Sender, client *resty.Client) (*SendGridProvider, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("sendgrid base url is required")
	}
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid sendgrid base url: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if err := sender.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendGridTimeout)
	}
	client.SetRetryCount(0)

	return &SendGridProvider{
		client:   client,
		endpoint: trimmedBase + sendGridSendPath,
		apiKey:   strings.TrimSpace(apiKey),
		sender:   sender,
	}, nil
}

func (p *SendGridProvider) Send(ctx context.Context, msg domain.Message) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, &ProviderError{Transport: transportSendGrid, Message: "invalid message", Cause: err}
	}

	reqBody := sendGridRequest{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: msg.Recipient}}}},
		From:             sendGridAddress{Email: p.sender.Email, Name: p.sender.Name},
		Subject:          msg.Subject,
		Content:          []sendGridContent{{Type: "text/html", Value: msg.HTMLBody}},
		Categories:       []string{msg.Kind.String()},
	}
	if p.sender.ReplyTo != "" {
		reqBody.ReplyTo = &sendGridAddress{Email: p.sender.ReplyTo}
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Transport: transportSendGrid,
			Message:   "request failed",
			Transient: true,
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Transport: transportSendGrid,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		Transport:  transportSendGrid,
		StatusCode: statusCode,
		Message:    providerErrorMessage(responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(body string) string {
	if body == "" {
		return "request rejected"
	}
	return body
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

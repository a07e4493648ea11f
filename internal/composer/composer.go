package composer

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

const defaultAppName = "QuickClean"

type Config struct {
	AppName     string
	FrontendURL string
}

// Composer renders notification messages from embedded templates. It holds
// only parsed templates and is safe for concurrent use.
type Composer struct {
	appName     string
	frontendURL string
	templates   map[domain.Kind]*template.Template
}

type view struct {
	Subject         string
	AppName         string
	LoginURL        string
	BrowseURL       string
	VerificationURL string
	Data            domain.TemplateData
}

func New(cfg Config) (*Composer, error) {
	frontendURL := strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/")
	if frontendURL == "" {
		return nil, errors.New("frontend url is required")
	}
	if _, err := url.ParseRequestURI(frontendURL); err != nil {
		return nil, fmt.Errorf("invalid frontend url: %w", err)
	}

	appName := strings.TrimSpace(cfg.AppName)
	if appName == "" {
		appName = defaultAppName
	}

	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			return t.Format("Monday, January 2, 2006")
		},
		"price": func(v float64) string {
			return fmt.Sprintf("$%.2f", v)
		},
	}

	base, err := template.New("base").Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/booking_details.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout templates: %w", err)
	}

	templates := make(map[domain.Kind]*template.Template, len(domain.Kinds()))
	for _, kind := range domain.Kinds() {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone layout for %s: %w", kind, err)
		}
		tmpl, err := clone.ParseFS(templateFS, "templates/"+kind.String()+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		templates[kind] = tmpl
	}

	return &Composer{
		appName:     appName,
		frontendURL: frontendURL,
		templates:   templates,
	}, nil
}

// Compose maps a kind and its template data to a rendered message. Errors
// wrap domain.ErrComposition and must not be retried.
func (c *Composer) Compose(kind domain.Kind, recipient string, related domain.Related, data domain.TemplateData) (domain.Message, error) {
	tmpl, ok := c.templates[kind]
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: unsupported kind %q", domain.ErrComposition, kind)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.Message{}, fmt.Errorf("%w: recipient is required", domain.ErrComposition)
	}
	if data == nil {
		return domain.Message{}, fmt.Errorf("%w: %s requires template data", domain.ErrComposition, kind)
	}
	if err := data.Validate(kind); err != nil {
		return domain.Message{}, err
	}

	v := view{
		Subject:   c.subject(kind, data),
		AppName:   c.appName,
		LoginURL:  c.frontendURL + "/login",
		BrowseURL: c.frontendURL + "/maids",
		Data:      data,
	}
	if d, ok := data.(domain.VerificationData); ok {
		v.VerificationURL = c.frontendURL + "/verify/" + url.PathEscape(d.VerificationToken)
	}

	var body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&body, "layout", v); err != nil {
		return domain.Message{}, fmt.Errorf("%w: render %s: %v", domain.ErrComposition, kind, err)
	}

	return domain.Message{
		Kind:      kind,
		Recipient: recipient,
		Subject:   v.Subject,
		HTMLBody:  body.String(),
		Related:   related,
		Data:      data,
	}, nil
}

func (c *Composer) subject(kind domain.Kind, data domain.TemplateData) string {
	switch kind {
	case domain.KindVerification:
		return "Verify Your " + c.appName + " Account"
	case domain.KindWelcome:
		return "Welcome to " + c.appName + "!"
	case domain.KindApproval:
		return "Your " + c.appName + " maid account is approved"
	case domain.KindRejection:
		return "Update on your " + c.appName + " maid application"
	}

	booking, _ := data.(domain.BookingData)
	switch kind {
	case domain.KindBookingCreated:
		return "Booking request received - " + booking.ServiceName
	case domain.KindBookingAlert:
		return "New booking request from " + booking.CustomerName
	case domain.KindBookingAccepted:
		return "Your booking has been accepted - " + booking.ServiceName
	case domain.KindBookingRejected:
		return "Booking update - " + booking.ServiceName
	}
	return c.appName + " Notification"
}

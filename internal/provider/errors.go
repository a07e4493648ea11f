package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a failed hand-off to an email transport. Transient
// failures are retried by the delivery engine; anything else exhausts the
// record's retry budget.
type ProviderError struct {
	Transport  string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Transport != "" {
		b.WriteString(e.Transport)
	} else {
		b.WriteString("email transport")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsPermanent reports whether the transport rejected the message for a
// reason that will not change on resend. Unclassified errors are not
// permanent.
func IsPermanent(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return !providerErr.Transient
	}
	return false
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/service"
)

type Notifier interface {
	Notify(ctx context.Context, kind domain.Kind, recipient string, related domain.Related, data domain.TemplateData) (service.AttemptResult, error)
}

type NotificationHandler struct {
	notifier Notifier
}

func NewNotificationHandler(notifier Notifier) (*NotificationHandler, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	return &NotificationHandler{notifier: notifier}, nil
}

func RegisterNotificationRoutes(router fiber.Router, notifier Notifier) error {
	h, err := NewNotificationHandler(notifier)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SendNotification)

	return nil
}

type sendNotificationRequest struct {
	Kind      string          `json:"kind"`
	Recipient string          `json:"recipient"`
	UserID    *string         `json:"userId,omitempty"`
	BookingID *string         `json:"bookingId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type sendNotificationResponse struct {
	Success     bool       `json:"success"`
	Status      string     `json:"status"`
	RecordID    string     `json:"recordId,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SendNotification composes and attempts one email. Delivery failures still
// answer 202: the failure is recorded and retried in the background.
func (h *NotificationHandler) SendNotification(c *fiber.Ctx) error {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	kind, err := domain.ParseKindFromString(req.Kind)
	if err != nil {
		return toHTTPError(err)
	}
	data, err := domain.DecodeTemplateData(kind, req.Data)
	if err != nil {
		return toHTTPError(err)
	}

	related := domain.Related{
		UserID:    trimmedOrNil(req.UserID),
		BookingID: trimmedOrNil(req.BookingID),
	}

	result, err := h.notifier.Notify(c.UserContext(), kind, req.Recipient, related, data)
	if err != nil {
		return toHTTPError(err)
	}

	resp := sendNotificationResponse{
		Success: result.Status == domain.StatusSent,
		Status:  result.Status.String(),
	}
	if result.Record != nil {
		resp.RecordID = result.Record.ID
		resp.NextRetryAt = result.Record.NextRetryAt
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

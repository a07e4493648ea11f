package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"github.com/kursadbilgin/quickclean-notifier/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type EmailLogReader interface {
	GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error)
}

type AttemptReader interface {
	GetByRecordID(ctx context.Context, recordID string) ([]domain.NotificationAttempt, error)
}

type RetryRunner interface {
	RunRetryTick(ctx context.Context) service.TickSummary
}

type EmailLogHandler struct {
	records  EmailLogReader
	attempts AttemptReader
	retries  RetryRunner
}

// NewEmailLogHandler builds the email log handler. attempts may be nil, in
// which case attempt history is omitted.
func NewEmailLogHandler(records EmailLogReader, attempts AttemptReader, retries RetryRunner) (*EmailLogHandler, error) {
	if records == nil {
		return nil, fmt.Errorf("email log reader is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry runner is required")
	}
	return &EmailLogHandler{records: records, attempts: attempts, retries: retries}, nil
}

func RegisterEmailLogRoutes(router fiber.Router, records EmailLogReader, attempts AttemptReader, retries RetryRunner) error {
	h, err := NewEmailLogHandler(records, attempts, retries)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/email-logs", h.ListEmailLogs)
	v1.Post("/email-logs/retry", h.RunRetries)
	v1.Get("/email-logs/:id", h.GetEmailLog)

	return nil
}

type emailLogResponse struct {
	ID             string            `json:"id"`
	RecipientEmail string            `json:"recipientEmail"`
	UserID         *string           `json:"userId,omitempty"`
	BookingID      *string           `json:"bookingId,omitempty"`
	EmailType      string            `json:"emailType"`
	Status         string            `json:"status"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	NextRetryAt    *time.Time        `json:"nextRetryAt,omitempty"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Attempts       []attemptResponse `json:"attempts,omitempty"`
}

type attemptResponse struct {
	AttemptNumber     int       `json:"attemptNumber"`
	Outcome           string    `json:"outcome"`
	StatusCode        *int      `json:"statusCode,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	Error             *string   `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type listEmailLogsResponse struct {
	Data []emailLogResponse `json:"data"`
	Meta listMeta           `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *EmailLogHandler) ListEmailLogs(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.records.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]emailLogResponse, 0, len(records))
	for i := range records {
		data = append(data, toEmailLogResponse(&records[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listEmailLogsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *EmailLogHandler) GetEmailLog(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.records.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toEmailLogResponse(record)
	if h.attempts != nil {
		attempts, err := h.attempts.GetByRecordID(c.UserContext(), record.ID)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			resp.Attempts = append(resp.Attempts, attemptResponse{
				AttemptNumber:     a.AttemptNumber,
				Outcome:           a.Outcome.String(),
				StatusCode:        a.StatusCode,
				ProviderMessageID: a.ProviderMessageID,
				Error:             a.Error,
				CreatedAt:         a.CreatedAt,
			})
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// RunRetries runs one retry tick synchronously and reports its summary.
func (h *EmailLogHandler) RunRetries(c *fiber.Ctx) error {
	summary := h.retries.RunRetryTick(c.UserContext())

	status := fiber.StatusOK
	switch {
	case summary.Skipped:
		status = fiber.StatusConflict
	case summary.QueryFailed:
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"success": status == fiber.StatusOK,
		"summary": summary,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:      c.QueryInt("page", defaultPage),
		PageSize:  c.QueryInt("pageSize", defaultPageSize),
		Recipient: strings.TrimSpace(c.Query("recipient")),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawKind := strings.TrimSpace(c.Query("kind")); rawKind != "" {
		kind, err := domain.ParseKindFromString(rawKind)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Kind = &kind
	}

	return params, nil
}

func toEmailLogResponse(r *domain.NotificationRecord) emailLogResponse {
	if r == nil {
		return emailLogResponse{}
	}

	return emailLogResponse{
		ID:             r.ID,
		RecipientEmail: r.RecipientAddress,
		UserID:         r.Related.UserID,
		BookingID:      r.Related.BookingID,
		EmailType:      r.Kind.String(),
		Status:         r.Status.String(),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    r.NextRetryAt,
		ErrorMessage:   r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/observability"
	"github.com/kursadbilgin/quickclean-notifier/internal/provider"
	"github.com/kursadbilgin/quickclean-notifier/internal/queue"
	"github.com/kursadbilgin/quickclean-notifier/internal/ratelimit"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval   = 15 * time.Minute
	defaultRateLimitBucket = "email"
)

var errRateLimited = errors.New("rate limiter wait failed")

// DeadLetterPublisher announces records that reached PermanentlyFailed.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

type EngineConfig struct {
	MaxRetries      int
	RetryInterval   time.Duration
	RateLimitBucket string
}

// AttemptResult is the outcome of one delivery attempt. Record is the record
// as it stands after the attempt, nil when none exists. Err is the transport
// error of a failed attempt.
type AttemptResult struct {
	Status domain.Status
	Record *domain.NotificationRecord
	Err    error
}

// Engine performs a single send attempt and keeps the notification record in
// step with its outcome.
type Engine struct {
	records       repository.RecordRepository
	attempts      repository.AttemptRepository
	provider      provider.Provider
	rateLimiter   ratelimit.RateLimiter
	deadLetters   DeadLetterPublisher
	metrics       *observability.Metrics
	logger        *zap.Logger
	maxRetries    int
	retryInterval time.Duration
	bucket        string
	now           func() time.Time
}

func NewEngine(
	records repository.RecordRepository,
	transport provider.Provider,
	cfg EngineConfig,
	logger *zap.Logger,
) (*Engine, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if strings.TrimSpace(cfg.RateLimitBucket) == "" {
		cfg.RateLimitBucket = defaultRateLimitBucket
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		records:       records,
		provider:      transport,
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		bucket:        cfg.RateLimitBucket,
		now:           time.Now,
	}, nil
}

func (e *Engine) SetAttemptRepository(attempts repository.AttemptRepository) {
	e.attempts = attempts
}

func (e *Engine) SetRateLimiter(limiter ratelimit.RateLimiter) {
	e.rateLimiter = limiter
}

func (e *Engine) SetDeadLetterPublisher(publisher DeadLetterPublisher) {
	e.deadLetters = publisher
}

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	e.metrics = metrics
}

// Attempt sends msg once. Without an existing record a success leaves no
// trace and a failure creates a Failed record holding the message snapshot.
// With one, the record moves to Sent, Failed or PermanentlyFailed. Store
// writes are best effort and never change the returned status.
func (e *Engine) Attempt(ctx context.Context, msg domain.Message, existing *domain.NotificationRecord) AttemptResult {
	if existing != nil && existing.Status.IsTerminal() {
		return AttemptResult{
			Status: existing.Status,
			Record: existing,
			Err:    fmt.Errorf("%w: record %s is %s", domain.ErrConflict, existing.ID, existing.Status),
		}
	}

	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("kind", msg.Kind.String()),
		observability.Recipient(msg.Recipient),
	)
	if existing != nil {
		logger = logger.With(zap.String("recordId", existing.ID))
	}

	resp, sendErr := e.send(ctx, msg)

	// Bookkeeping must land even when ctx ended during the send.
	storeCtx := context.WithoutCancel(ctx)
	if sendErr == nil {
		return e.onSuccess(storeCtx, logger, msg, existing, resp)
	}
	if ctx.Err() != nil {
		return e.onInterrupted(storeCtx, logger, msg, existing, sendErr)
	}
	return e.onFailure(storeCtx, logger, msg, existing, resp, sendErr)
}

// onInterrupted handles a send abandoned because ctx ended. It does not count
// against the retry budget: an existing record is left as it is, still due,
// and a first attempt is stored as an ordinary Failed record.
func (e *Engine) onInterrupted(
	ctx context.Context,
	logger *zap.Logger,
	msg domain.Message,
	existing *domain.NotificationRecord,
	sendErr error,
) AttemptResult {
	if existing != nil {
		logger.Warn("email retry interrupted, record left for the next tick", zap.Error(sendErr))
		return AttemptResult{Status: existing.Status, Record: existing, Err: sendErr}
	}

	record := e.createFailedRecord(ctx, logger, msg, sendErr, false)
	if record == nil {
		logger.Warn("email send interrupted and no record was stored", zap.Error(sendErr))
		return AttemptResult{Status: domain.StatusFailed, Err: sendErr}
	}
	e.recordAttempt(ctx, logger, record.ID, 1, domain.StatusFailed, nil, sendErr)
	logger.Warn("email send interrupted, retry scheduled",
		zap.String("recordId", record.ID),
		zap.Timep("nextRetryAt", record.NextRetryAt),
		zap.Error(sendErr),
	)
	return AttemptResult{Status: domain.StatusFailed, Record: record, Err: sendErr}
}

func (e *Engine) send(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error) {
	if e.rateLimiter != nil {
		if err := e.rateLimiter.Wait(ctx, e.bucket); err != nil {
			return nil, fmt.Errorf("%w: %v", errRateLimited, err)
		}
	}

	start := e.now()
	resp, err := e.provider.Send(ctx, msg)
	e.metrics.ObserveEmailSendDuration(msg.Kind.String(), e.now().Sub(start))
	return resp, err
}

func (e *Engine) onSuccess(
	ctx context.Context,
	logger *zap.Logger,
	msg domain.Message,
	existing *domain.NotificationRecord,
	resp *provider.ProviderResponse,
) AttemptResult {
	e.metrics.IncEmailSent(msg.Kind.String(), existing != nil)

	if existing == nil {
		logger.Info("email sent")
		return AttemptResult{Status: domain.StatusSent}
	}

	patch := domain.RecordPatch{
		Status:     domain.StatusSent,
		RetryCount: existing.RetryCount,
		UpdatedAt:  e.now().UTC(),
	}
	record := e.applyPatch(ctx, logger, existing, patch)
	e.recordAttempt(ctx, logger, record.ID, existing.RetryCount+2, domain.StatusSent, resp, nil)

	logger.Info("email sent on retry", zap.Int("retryCount", record.RetryCount))
	return AttemptResult{Status: domain.StatusSent, Record: record}
}

func (e *Engine) onFailure(
	ctx context.Context,
	logger *zap.Logger,
	msg domain.Message,
	existing *domain.NotificationRecord,
	resp *provider.ProviderResponse,
	sendErr error,
) AttemptResult {
	permanent := provider.IsPermanent(sendErr)
	e.metrics.IncEmailFailed(msg.Kind.String(), failureReason(sendErr, permanent))

	var record *domain.NotificationRecord
	attemptNumber := 1
	if existing == nil {
		record = e.createFailedRecord(ctx, logger, msg, sendErr, permanent)
	} else {
		attemptNumber = existing.RetryCount + 2
		record = e.applyPatch(ctx, logger, existing, e.failurePatch(existing, sendErr, permanent))
	}

	status := domain.StatusFailed
	if permanent {
		status = domain.StatusPermanentlyFailed
	}
	if record == nil {
		logger.Warn("email send failed and no record was stored", zap.Error(sendErr))
		return AttemptResult{Status: status, Err: sendErr}
	}
	status = record.Status

	e.recordAttempt(ctx, logger, record.ID, attemptNumber, status, resp, sendErr)

	switch status {
	case domain.StatusPermanentlyFailed:
		e.metrics.IncEmailPermanentlyFailed(msg.Kind.String())
		logger.Error("email permanently failed",
			zap.String("recordId", record.ID),
			zap.Int("retryCount", record.RetryCount),
			zap.Bool("permanentError", permanent),
			zap.Error(sendErr),
		)
		e.publishDeadLetter(ctx, logger, *record)
	default:
		e.metrics.IncRetryScheduled(msg.Kind.String())
		logger.Warn("email send failed, retry scheduled",
			zap.String("recordId", record.ID),
			zap.Int("retryCount", record.RetryCount),
			zap.Timep("nextRetryAt", record.NextRetryAt),
			zap.Error(sendErr),
		)
	}

	return AttemptResult{Status: status, Record: record, Err: sendErr}
}

func (e *Engine) createFailedRecord(
	ctx context.Context,
	logger *zap.Logger,
	msg domain.Message,
	sendErr error,
	permanent bool,
) *domain.NotificationRecord {
	snapshot, err := domain.EncodeSnapshot(msg)
	if err != nil {
		logger.Error("failed to encode payload snapshot", zap.Error(err))
		return nil
	}

	now := e.now().UTC()
	lastErr := sendErr.Error()
	next := now.Add(e.retryInterval)
	record := &domain.NotificationRecord{
		RecipientAddress: msg.Recipient,
		Related:          msg.Related,
		Kind:             msg.Kind,
		Status:           domain.StatusFailed,
		RetryCount:       0,
		MaxRetries:       e.maxRetries,
		NextRetryAt:      &next,
		LastError:        &lastErr,
		PayloadSnapshot:  snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if permanent {
		record.Status = domain.StatusPermanentlyFailed
		record.RetryCount = record.MaxRetries
		record.NextRetryAt = nil
	}

	if err := e.records.Create(ctx, record); err != nil {
		logger.Error("failed to create notification record", zap.Error(err))
		return nil
	}
	return record
}

// failurePatch counts the attempt against the budget of rec. A permanent
// transport error exhausts the budget at once.
func (e *Engine) failurePatch(rec *domain.NotificationRecord, sendErr error, permanent bool) domain.RecordPatch {
	maxRetries := rec.MaxRetries
	if maxRetries < 1 {
		maxRetries = e.maxRetries
	}

	now := e.now().UTC()
	lastErr := sendErr.Error()
	patch := domain.RecordPatch{
		Status:     domain.StatusFailed,
		RetryCount: rec.RetryCount + 1,
		LastError:  &lastErr,
		UpdatedAt:  now,
	}
	if permanent || patch.RetryCount >= maxRetries {
		patch.Status = domain.StatusPermanentlyFailed
		patch.RetryCount = maxRetries
		return patch
	}

	next := now.Add(e.retryInterval)
	patch.NextRetryAt = &next
	return patch
}

// applyPatch writes patch for existing and returns the resulting record. A
// failed write is logged and the in-memory result is still returned.
func (e *Engine) applyPatch(
	ctx context.Context,
	logger *zap.Logger,
	existing *domain.NotificationRecord,
	patch domain.RecordPatch,
) *domain.NotificationRecord {
	if !existing.Status.CanTransitionTo(patch.Status) {
		logger.Error("refusing invalid status transition",
			zap.String("from", existing.Status.String()),
			zap.String("to", patch.Status.String()),
		)
		return existing
	}

	if err := e.records.Update(ctx, existing.ID, patch); err != nil {
		logger.Error("failed to update notification record",
			zap.String("status", patch.Status.String()),
			zap.Error(err),
		)
	}

	updated := *existing
	patch.Apply(&updated)
	return &updated
}

func (e *Engine) recordAttempt(
	ctx context.Context,
	logger *zap.Logger,
	recordID string,
	attemptNumber int,
	outcome domain.Status,
	resp *provider.ProviderResponse,
	sendErr error,
) {
	if e.attempts == nil {
		return
	}

	attempt := &domain.NotificationAttempt{
		RecordID:      recordID,
		AttemptNumber: attemptNumber,
		Outcome:       outcome,
		CreatedAt:     e.now().UTC(),
	}

	if resp != nil {
		if resp.StatusCode > 0 {
			value := resp.StatusCode
			attempt.StatusCode = &value
		}
		if id := strings.TrimSpace(resp.MessageID); id != "" {
			attempt.ProviderMessageID = &id
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attempt.Error = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && attempt.StatusCode == nil {
			value := providerErr.StatusCode
			attempt.StatusCode = &value
		}
	}

	if err := e.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt",
			zap.Int("attemptNumber", attemptNumber),
			zap.Error(err),
		)
	}
}

func (e *Engine) publishDeadLetter(ctx context.Context, logger *zap.Logger, record domain.NotificationRecord) {
	if e.deadLetters == nil {
		return
	}
	if err := e.deadLetters.PublishDeadLetter(ctx, queue.NewDeadLetterMessage(record)); err != nil {
		logger.Warn("failed to publish dead letter",
			zap.String("recordId", record.ID),
			zap.Error(err),
		)
	}
}

func failureReason(err error, permanent bool) string {
	switch {
	case permanent:
		return observability.ReasonPermanent
	case errors.Is(err, errRateLimited):
		return observability.ReasonRateLimit
	default:
		return observability.ReasonTransient
	}
}

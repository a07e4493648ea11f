package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/observability"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"go.uber.org/zap"
)

// Composer renders a message for a notification kind.
type Composer interface {
	Compose(kind domain.Kind, recipient string, related domain.Related, data domain.TemplateData) (domain.Message, error)
}

// Notifier is the entry point used by request handlers and event consumers.
// Delivery failures never surface as errors: they are recorded and retried.
type Notifier struct {
	composer   Composer
	engine     Attempter
	records    repository.RecordRepository
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	now        func() time.Time
}

func NewNotifier(
	composer Composer,
	engine Attempter,
	records repository.RecordRepository,
	cfg EngineConfig,
	logger *zap.Logger,
) (*Notifier, error) {
	if composer == nil {
		return nil, fmt.Errorf("composer is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("delivery engine is required")
	}
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Notifier{
		composer:   composer,
		engine:     engine,
		records:    records,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		interval:   cfg.RetryInterval,
		now:        time.Now,
	}, nil
}

// Notify composes the message and attempts delivery immediately. The error
// is non-nil only when the message cannot be composed.
func (n *Notifier) Notify(
	ctx context.Context,
	kind domain.Kind,
	recipient string,
	related domain.Related,
	data domain.TemplateData,
) (AttemptResult, error) {
	msg, err := n.composer.Compose(kind, recipient, related, data)
	if err != nil {
		return AttemptResult{}, err
	}
	return n.engine.Attempt(ctx, msg, nil), nil
}

// NotifyOnFailure records a first attempt that a caller made itself and saw
// fail with sendErr. The stored record is Failed and due after one retry
// interval. Only composition errors are returned: a failed store write is
// logged and yields a nil record, so the caller's flow is never failed by it.
func (n *Notifier) NotifyOnFailure(
	ctx context.Context,
	kind domain.Kind,
	recipient string,
	related domain.Related,
	data domain.TemplateData,
	sendErr error,
) (*domain.NotificationRecord, error) {
	msg, err := n.composer.Compose(kind, recipient, related, data)
	if err != nil {
		return nil, err
	}

	snapshot, err := domain.EncodeSnapshot(msg)
	if err != nil {
		return nil, err
	}

	if sendErr == nil {
		sendErr = fmt.Errorf("unknown send failure")
	}
	now := n.now().UTC()
	next := now.Add(n.interval)
	lastErr := sendErr.Error()
	record := &domain.NotificationRecord{
		RecipientAddress: msg.Recipient,
		Related:          msg.Related,
		Kind:             msg.Kind,
		Status:           domain.StatusFailed,
		MaxRetries:       n.maxRetries,
		NextRetryAt:      &next,
		LastError:        &lastErr,
		PayloadSnapshot:  snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := n.records.Create(ctx, record); err != nil {
		observability.WithContextLogger(n.logger, ctx).Error("failed to record failed notification",
			zap.String("kind", kind.String()),
			observability.Recipient(msg.Recipient),
			zap.Error(err),
		)
		return nil, nil
	}

	return record, nil
}

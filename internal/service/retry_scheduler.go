package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/observability"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryTickInterval = 15 * time.Minute
	defaultRetryBatchSize    = 50
	defaultInterAttemptDelay = time.Second
)

var ErrSchedulerRunning = errors.New("retry scheduler is already running")

// Attempter is the part of Engine the scheduler drives.
type Attempter interface {
	Attempt(ctx context.Context, msg domain.Message, existing *domain.NotificationRecord) AttemptResult
}

type Options struct {
	Interval          time.Duration
	BatchSize         int
	InterAttemptDelay time.Duration
}

// TickSummary reports what a single retry tick did.
type TickSummary struct {
	Due               int  `json:"due"`
	Attempted         int  `json:"attempted"`
	Sent              int  `json:"sent"`
	Failed            int  `json:"failed"`
	PermanentlyFailed int  `json:"permanentlyFailed"`
	Undecodable       int  `json:"undecodable"`
	QueryFailed       bool `json:"queryFailed"`
	Skipped           bool `json:"skipped"`
	Cancelled         bool `json:"cancelled"`
}

// RetryScheduler periodically replays due failed notifications from their
// stored snapshots. One instance per deployment is assumed.
type RetryScheduler struct {
	records  repository.RecordRepository
	engine   Attempter
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	batch    int
	delay    time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRetryScheduler(
	records repository.RecordRepository,
	engine Attempter,
	opts Options,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("delivery engine is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultRetryTickInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRetryBatchSize
	}
	if opts.InterAttemptDelay <= 0 {
		opts.InterAttemptDelay = defaultInterAttemptDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		records:  records,
		engine:   engine,
		logger:   logger,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		delay:    opts.InterAttemptDelay,
		now:      time.Now,
		sleep:    sleepWithContext,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Start runs an initial tick and then one tick per interval until ctx is
// cancelled or Stop is called.
func (s *RetryScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("retry scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batchSize", s.batch),
		zap.Duration("interAttemptDelay", s.delay),
	)

	// Run an initial tick so already-due retries do not wait for the first ticker edge.
	s.RunRetryTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunRetryTick(ctx)
		}
	}
}

// Stop cancels a running Start and waits for it to return. It is a no-op
// when the scheduler is not running.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunRetryTick retries every due record, at most one batch, sequentially
// with a pause between records. A tick requested while another is running
// returns immediately with Skipped set.
func (s *RetryScheduler) RunRetryTick(ctx context.Context) TickSummary {
	if !s.tickMu.TryLock() {
		s.logger.Info("retry tick already in progress, skipping")
		return TickSummary{Skipped: true}
	}
	defer s.tickMu.Unlock()

	start := s.now()
	logger := observability.WithContextLogger(s.logger, ctx)

	due, err := s.records.FindDue(ctx, start.UTC(), s.batch)
	if err != nil {
		s.metrics.IncRetryTickFailure()
		logger.Error("failed to query due notification records", zap.Error(err))
		return TickSummary{QueryFailed: true}
	}

	summary := TickSummary{Due: len(due)}
	if len(due) == 0 {
		s.metrics.ObserveRetryTick(0, s.now().Sub(start))
		return summary
	}

	logger.Info("processing email retries", zap.Int("due", len(due)))

	for i := range due {
		if i > 0 && s.delay > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				summary.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		record := due[i]
		msg, err := domain.DecodeSnapshot(record.PayloadSnapshot)
		if err != nil {
			summary.Undecodable++
			s.retireUndecodable(ctx, logger, record, err)
			continue
		}

		result := s.engine.Attempt(ctx, msg, &record)
		summary.Attempted++
		switch result.Status {
		case domain.StatusSent:
			summary.Sent++
		case domain.StatusPermanentlyFailed:
			summary.PermanentlyFailed++
		default:
			summary.Failed++
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
	}

	s.metrics.ObserveRetryTick(summary.Due, s.now().Sub(start))
	logger.Info("email retry tick finished",
		zap.Int("due", summary.Due),
		zap.Int("attempted", summary.Attempted),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("permanentlyFailed", summary.PermanentlyFailed),
		zap.Int("undecodable", summary.Undecodable),
		zap.Bool("cancelled", summary.Cancelled),
	)

	return summary
}

// retireUndecodable moves a record whose snapshot cannot be replayed to
// PermanentlyFailed so it stops occupying the head of every due batch.
func (s *RetryScheduler) retireUndecodable(
	ctx context.Context,
	logger *zap.Logger,
	record domain.NotificationRecord,
	decodeErr error,
) {
	maxRetries := max(record.MaxRetries, record.RetryCount)
	lastErr := decodeErr.Error()
	patch := domain.RecordPatch{
		Status:     domain.StatusPermanentlyFailed,
		RetryCount: maxRetries,
		LastError:  &lastErr,
		UpdatedAt:  s.now().UTC(),
	}

	logger = logger.With(zap.String("recordId", record.ID), zap.Error(decodeErr))
	if err := s.records.Update(context.WithoutCancel(ctx), record.ID, patch); err != nil {
		logger.Error("failed to retire record with undecodable snapshot", zap.NamedError("updateError", err))
		return
	}
	s.metrics.IncEmailPermanentlyFailed(record.Kind.String())
	logger.Error("retired record with undecodable snapshot")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

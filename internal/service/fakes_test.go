package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/provider"
	"github.com/kursadbilgin/quickclean-notifier/internal/queue"
	"github.com/kursadbilgin/quickclean-notifier/internal/ratelimit"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRecordRepo wraps the memory store, counts writes and lets a test
// inject failures.
type fakeRecordRepo struct {
	*repository.MemoryRecordRepo

	mu        sync.Mutex
	creates   int
	updates   int
	createFn  func(ctx context.Context, r *domain.NotificationRecord) error
	updateFn  func(ctx context.Context, id string, patch domain.RecordPatch) error
	findDueFn func(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error)
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{MemoryRecordRepo: repository.NewMemoryRecordRepo()}
}

func (f *fakeRecordRepo) Create(ctx context.Context, r *domain.NotificationRecord) error {
	f.mu.Lock()
	f.creates++
	fn := f.createFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, r); err != nil {
			return err
		}
	}
	return f.MemoryRecordRepo.Create(ctx, r)
}

func (f *fakeRecordRepo) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	f.mu.Lock()
	f.updates++
	fn := f.updateFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, id, patch); err != nil {
			return err
		}
	}
	return f.MemoryRecordRepo.Update(ctx, id, patch)
}

func (f *fakeRecordRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	f.mu.Lock()
	fn := f.findDueFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, now, limit)
	}
	return f.MemoryRecordRepo.FindDue(ctx, now, limit)
}

func (f *fakeRecordRepo) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.updates
}

type fakeProvider struct {
	mu     sync.Mutex
	sent   []domain.Message
	sendFn func(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return &provider.ProviderResponse{StatusCode: 202, MessageID: "msg-1"}, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, bucket string) (bool, error)
	waitFn  func(ctx context.Context, bucket string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, bucket)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, bucket string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, bucket)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeDeadLetterPublisher struct {
	mu        sync.Mutex
	published []queue.DeadLetterMessage
	publishFn func(ctx context.Context, msg queue.DeadLetterMessage) error
}

func (f *fakeDeadLetterPublisher) PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	fn := f.publishFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

type fakeAttempter struct {
	attemptFn func(ctx context.Context, msg domain.Message, existing *domain.NotificationRecord) AttemptResult
}

func (f *fakeAttempter) Attempt(ctx context.Context, msg domain.Message, existing *domain.NotificationRecord) AttemptResult {
	if f.attemptFn != nil {
		return f.attemptFn(ctx, msg, existing)
	}
	return AttemptResult{Status: domain.StatusSent}
}

type fakeComposer struct {
	composeFn func(kind domain.Kind, recipient string, related domain.Related, data domain.TemplateData) (domain.Message, error)
}

func (f *fakeComposer) Compose(kind domain.Kind, recipient string, related domain.Related, data domain.TemplateData) (domain.Message, error) {
	if f.composeFn != nil {
		return f.composeFn(kind, recipient, related, data)
	}
	return testMessage(), nil
}

func testMessage() domain.Message {
	userID := "user-1"
	return domain.Message{
		Kind:      domain.KindWelcome,
		Recipient: "jane@example.com",
		Subject:   "Welcome to QuickClean!",
		HTMLBody:  "<p>Hi Jane</p>",
		Related:   domain.Related{UserID: &userID},
		Data:      domain.WelcomeData{Name: "Jane"},
	}
}

// seedFailedRecord stores a Failed record for msg that is due at clock time.
func seedFailedRecord(t *testing.T, repo repository.RecordRepository, clock *fakeClock, msg domain.Message, retryCount int) domain.NotificationRecord {
	t.Helper()

	snapshot, err := domain.EncodeSnapshot(msg)
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}

	now := clock.Now()
	lastErr := "smtp unavailable"
	rec := domain.NotificationRecord{
		RecipientAddress: msg.Recipient,
		Related:          msg.Related,
		Kind:             msg.Kind,
		Status:           domain.StatusFailed,
		RetryCount:       retryCount,
		MaxRetries:       domain.DefaultMaxRetries,
		NextRetryAt:      &now,
		LastError:        &lastErr,
		PayloadSnapshot:  snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := repo.Create(context.Background(), &rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return rec
}

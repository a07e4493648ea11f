package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"github.com/kursadbilgin/quickclean-notifier/internal/provider"
	"go.uber.org/zap"
)

type schedulerFixture struct {
	*engineFixture
	scheduler *RetryScheduler
	sleeps    []time.Duration
}

func newSchedulerFixture(t *testing.T, batchSize int) *schedulerFixture {
	t.Helper()

	ef := newEngineFixture(t, zap.NewNop())
	scheduler, err := NewRetryScheduler(ef.records, ef.engine, Options{
		Interval:          15 * time.Minute,
		BatchSize:         batchSize,
		InterAttemptDelay: time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	f := &schedulerFixture{engineFixture: ef, scheduler: scheduler}
	scheduler.now = ef.clock.Now
	scheduler.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func TestNewRetrySchedulerDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewRetryScheduler(nil, &fakeAttempter{}, Options{}, nil); err == nil {
		t.Fatal("NewRetryScheduler() expected error for nil repository")
	}
	if _, err := NewRetryScheduler(newFakeRecordRepo(), nil, Options{}, nil); err == nil {
		t.Fatal("NewRetryScheduler() expected error for nil engine")
	}

	s, err := NewRetryScheduler(newFakeRecordRepo(), &fakeAttempter{}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	if s.interval != 15*time.Minute || s.batch != 50 || s.delay != time.Second {
		t.Fatalf("defaults = %v/%d/%v, want 15m/50/1s", s.interval, s.batch, s.delay)
	}
}

func TestRunRetryTickNothingDueWritesNothing(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	future := seedFailedRecord(t, f.records, f.clock, testMessage(), 0)
	next := f.clock.Now().Add(time.Hour)
	if err := f.records.MemoryRecordRepo.Update(context.Background(), future.ID, domain.RecordPatch{
		Status:      domain.StatusFailed,
		NextRetryAt: &next,
		LastError:   future.LastError,
		UpdatedAt:   f.clock.Now(),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	writesBefore := f.records.writes()

	for i := 0; i < 3; i++ {
		summary := f.scheduler.RunRetryTick(context.Background())
		if summary != (TickSummary{}) {
			t.Fatalf("summary = %+v, want empty", summary)
		}
	}

	if f.records.writes() != writesBefore {
		t.Fatalf("store writes = %d, want %d", f.records.writes(), writesBefore)
	}
	if f.provider.calls() != 0 {
		t.Fatalf("provider calls = %d, want 0", f.provider.calls())
	}
}

func TestRunRetryTickRespectsBatchSize(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	for i := 0; i < 120; i++ {
		seedFailedRecord(t, f.records, f.clock, testMessage(), 0)
	}

	summary := f.scheduler.RunRetryTick(context.Background())
	if summary.Due != 50 || summary.Attempted != 50 || summary.Sent != 50 {
		t.Fatalf("summary = %+v, want 50 due/attempted/sent", summary)
	}
	if f.provider.calls() != 50 {
		t.Fatalf("provider calls = %d, want 50", f.provider.calls())
	}
	if len(f.sleeps) != 49 {
		t.Fatalf("pauses = %d, want 49", len(f.sleeps))
	}
	for _, d := range f.sleeps {
		if d != time.Second {
			t.Fatalf("pause = %v, want 1s", d)
		}
	}

	remaining, err := f.records.FindDue(context.Background(), f.clock.Now(), 1000)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	if len(remaining) != 70 {
		t.Fatalf("remaining due = %d, want 70", len(remaining))
	}
}

func TestRunRetryTickQueryFailureDoesNotStopLaterTicks(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	seedFailedRecord(t, f.records, f.clock, testMessage(), 0)

	calls := 0
	f.records.findDueFn = func(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return f.records.MemoryRecordRepo.FindDue(ctx, now, limit)
	}

	first := f.scheduler.RunRetryTick(context.Background())
	if !first.QueryFailed || first.Attempted != 0 {
		t.Fatalf("first summary = %+v, want QueryFailed and nothing attempted", first)
	}

	second := f.scheduler.RunRetryTick(context.Background())
	if second.QueryFailed || second.Sent != 1 {
		t.Fatalf("second summary = %+v, want one sent", second)
	}
}

func TestRunRetryTickSkipsUndecodableSnapshots(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	now := f.clock.Now()
	lastErr := "timeout"
	broken := domain.NotificationRecord{
		RecipientAddress: "jane@example.com",
		Kind:             domain.KindWelcome,
		Status:           domain.StatusFailed,
		MaxRetries:       5,
		NextRetryAt:      &now,
		LastError:        &lastErr,
		PayloadSnapshot:  []byte("not json"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := f.records.Create(context.Background(), &broken); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	seedFailedRecord(t, f.records, f.clock, testMessage(), 0)

	summary := f.scheduler.RunRetryTick(context.Background())
	if summary.Undecodable != 1 || summary.Attempted != 1 || summary.Sent != 1 {
		t.Fatalf("summary = %+v, want one undecodable and one sent", summary)
	}

	stored, err := f.records.GetByID(context.Background(), broken.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.StatusPermanentlyFailed || stored.RetryCount != stored.MaxRetries || stored.NextRetryAt != nil {
		t.Fatalf("undecodable record = %s %d/%d next=%v, want retired", stored.Status, stored.RetryCount, stored.MaxRetries, stored.NextRetryAt)
	}
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "snapshot") {
		t.Fatalf("LastError = %v, want the decode error", stored.LastError)
	}
	if err := stored.Validate(); err != nil {
		t.Fatalf("retired record invalid: %v", err)
	}
}

func TestRunRetryTickUndecodableRecordDoesNotStarveBatch(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 1)
	now := f.clock.Now().Add(-time.Minute)
	lastErr := "timeout"
	broken := domain.NotificationRecord{
		RecipientAddress: "jane@example.com",
		Kind:             domain.KindWelcome,
		Status:           domain.StatusFailed,
		MaxRetries:       5,
		NextRetryAt:      &now,
		LastError:        &lastErr,
		PayloadSnapshot:  []byte("{"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := f.records.Create(context.Background(), &broken); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	good := seedFailedRecord(t, f.records, f.clock, testMessage(), 0)

	first := f.scheduler.RunRetryTick(context.Background())
	if first.Undecodable != 1 || first.Attempted != 0 {
		t.Fatalf("first summary = %+v, want only the undecodable record", first)
	}

	f.clock.Advance(15 * time.Minute)
	second := f.scheduler.RunRetryTick(context.Background())
	if second.Undecodable != 0 || second.Sent != 1 {
		t.Fatalf("second summary = %+v, want the valid record sent", second)
	}

	stored, err := f.records.GetByID(context.Background(), good.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.StatusSent {
		t.Fatalf("valid record = %s, want Sent", stored.Status)
	}
}

func TestRunRetryTickResendsSnapshotVerbatim(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	original := testMessage()
	original.HTMLBody = "<p>Hi Jane, your code is <b>4711</b></p>"
	rec := seedFailedRecord(t, f.records, f.clock, original, 1)

	f.scheduler.RunRetryTick(context.Background())

	if f.provider.calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", f.provider.calls())
	}
	sent := f.provider.sent[0]
	if sent.Subject != original.Subject || sent.HTMLBody != original.HTMLBody || sent.Recipient != original.Recipient {
		t.Fatalf("sent = %q/%q/%q, want original content", sent.Subject, sent.HTMLBody, sent.Recipient)
	}

	stored, err := f.records.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !bytes.Equal(stored.PayloadSnapshot, rec.PayloadSnapshot) {
		t.Fatal("payload snapshot changed after retry")
	}
}

func TestRetryLifecycleIsBounded(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	f.provider.sendFn = func(ctx context.Context, msg domain.Message) (*provider.ProviderResponse, error) {
		return nil, transientErr()
	}

	first := f.engine.Attempt(context.Background(), testMessage(), nil)
	if first.Record == nil {
		t.Fatal("first failure should create a record")
	}
	id := first.Record.ID

	if summary := f.scheduler.RunRetryTick(context.Background()); summary.Due != 0 {
		t.Fatalf("record due before its retry interval: %+v", summary)
	}

	for tick := 1; tick <= 10; tick++ {
		f.clock.Advance(15 * time.Minute)
		f.scheduler.RunRetryTick(context.Background())

		stored, err := f.records.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if err := stored.Validate(); err != nil {
			t.Fatalf("tick %d: record invalid: %v", tick, err)
		}
		if tick < 5 && (stored.Status != domain.StatusFailed || stored.RetryCount != tick) {
			t.Fatalf("tick %d: record = %s/%d, want Failed/%d", tick, stored.Status, stored.RetryCount, tick)
		}
		if tick >= 5 && (stored.Status != domain.StatusPermanentlyFailed || stored.RetryCount != 5) {
			t.Fatalf("tick %d: record = %s/%d, want PermanentlyFailed/5", tick, stored.Status, stored.RetryCount)
		}
	}

	if f.provider.calls() != 6 {
		t.Fatalf("provider calls = %d, want 6", f.provider.calls())
	}
	if len(f.deadLetters.published) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(f.deadLetters.published))
	}
}

func TestRunRetryTickCancelledPauseAbandonsBatch(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, 50)
	for i := 0; i < 3; i++ {
		seedFailedRecord(t, f.records, f.clock, testMessage(), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.scheduler.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary := f.scheduler.RunRetryTick(ctx)
	if !summary.Cancelled || summary.Attempted != 1 {
		t.Fatalf("summary = %+v, want cancelled after one attempt", summary)
	}
}

func TestRunRetryTickSkipsWhileAnotherTickRuns(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	records := newFakeRecordRepo()
	seedFailedRecord(t, records, clock, testMessage(), 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	engine := &fakeAttempter{
		attemptFn: func(ctx context.Context, msg domain.Message, existing *domain.NotificationRecord) AttemptResult {
			close(entered)
			<-release
			return AttemptResult{Status: domain.StatusSent}
		},
	}

	s, err := NewRetryScheduler(records, engine, Options{}, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	s.now = clock.Now

	var wg sync.WaitGroup
	var first TickSummary
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = s.RunRetryTick(context.Background())
	}()

	<-entered
	second := s.RunRetryTick(context.Background())
	close(release)
	wg.Wait()

	if !second.Skipped {
		t.Fatalf("second summary = %+v, want Skipped", second)
	}
	if first.Skipped || first.Sent != 1 {
		t.Fatalf("first summary = %+v, want one sent", first)
	}
}

func TestRetrySchedulerStartStop(t *testing.T) {
	t.Parallel()

	records := newFakeRecordRepo()
	ticked := make(chan struct{}, 1)
	records.findDueFn = func(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return nil, nil
	}

	s, err := NewRetryScheduler(records, &fakeAttempter{}, Options{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	s.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(context.Background())
	}()

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("initial tick did not run")
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerRunning) {
		t.Fatalf("second Start() error = %v, want ErrSchedulerRunning", err)
	}

	s.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestRetrySchedulerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s, err := NewRetryScheduler(newFakeRecordRepo(), &fakeAttempter{}, Options{Interval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart after stop error = %v", err)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	if err := sleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepWithContext() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepWithContext() error = %v, want context.Canceled", err)
	}
}

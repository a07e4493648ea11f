package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return db, mock
}

func TestGormRecordRepoCreateAssignsID(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormRecordRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "email_logs"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	next := time.Now().Add(15 * time.Minute)
	lastErr := "smtp timeout"
	rec := &domain.NotificationRecord{
		RecipientAddress: "jane@example.com",
		Kind:             domain.KindWelcome,
		Status:           domain.StatusFailed,
		MaxRetries:       5,
		NextRetryAt:      &next,
		LastError:        &lastErr,
		PayloadSnapshot:  []byte(`{"v":1}`),
	}

	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Create() did not assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormRecordRepoUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "updated", affected: 1},
		{name: "missing record", affected: 0, wantErr: domain.ErrNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, mock := newMockDB(t)
			repo := NewGormRecordRepo(db)

			mock.ExpectExec(`UPDATE "email_logs" SET "error_message"=\$1,"next_retry_at"=\$2,"retry_count"=\$3,"status"=\$4,"updated_at"=\$5 WHERE id = \$6`).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.Update(context.Background(), "rec-1", domain.RecordPatch{
				Status:     domain.StatusSent,
				RetryCount: 3,
				UpdatedAt:  time.Now(),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Update() error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestGormRecordRepoFindDue(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormRecordRepo(db)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	columns := []string{"id", "user_id", "booking_id", "recipient_email", "email_type", "status", "retry_count", "max_retries", "next_retry_at", "error_message", "email_data", "created_at", "updated_at"}
	rows := sqlmock.NewRows(columns).
		AddRow("rec-1", "user-1", nil, "jane@example.com", "Welcome", "Failed", 1, 5, past, "timeout", []byte(`{"v":1}`), past, past).
		AddRow("rec-2", nil, "booking-7", "maid@example.com", "BookingAlert", "Failed", 0, 5, nil, "refused", []byte(`{"v":1}`), past, past)

	mock.ExpectQuery(`SELECT \* FROM "email_logs" WHERE status = \$1 AND retry_count < max_retries AND \(next_retry_at IS NULL OR next_retry_at <= \$2\) ORDER BY next_retry_at ASC NULLS FIRST,created_at ASC LIMIT \$3`).
		WillReturnRows(rows)

	records, err := repo.FindDue(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	first := records[0]
	if first.ID != "rec-1" || first.Kind != domain.KindWelcome || first.Status != domain.StatusFailed {
		t.Fatalf("records[0] = %+v", first)
	}
	if first.Related.UserID == nil || *first.Related.UserID != "user-1" {
		t.Fatalf("records[0].Related.UserID = %v, want user-1", first.Related.UserID)
	}
	if records[1].NextRetryAt != nil {
		t.Fatalf("records[1].NextRetryAt = %v, want nil", records[1].NextRetryAt)
	}
	if string(records[1].PayloadSnapshot) != `{"v":1}` {
		t.Fatalf("records[1].PayloadSnapshot = %s", records[1].PayloadSnapshot)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormRecordRepoFindDueQueryError(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormRecordRepo(db)

	boom := errors.New("connection refused")
	mock.ExpectQuery(`SELECT \* FROM "email_logs"`).WillReturnError(boom)

	if _, err := repo.FindDue(context.Background(), time.Now(), 10); !errors.Is(err, boom) {
		t.Fatalf("FindDue() error = %v, want %v", err, boom)
	}
}

func TestGormRecordRepoGetByIDNotFound(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormRecordRepo(db)

	mock.ExpectQuery(`SELECT \* FROM "email_logs" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestGormRecordRepoList(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormRecordRepo(db)

	status := domain.StatusPermanentlyFailed
	mock.ExpectQuery(`SELECT count\(\*\) FROM "email_logs" WHERE status = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT \* FROM "email_logs" WHERE status = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("rec-3", "PermanentlyFailed"))

	records, total, err := repo.List(context.Background(), ListParams{Status: &status, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(records) != 1 || records[0].ID != "rec-3" {
		t.Fatalf("records = %+v, want rec-3", records)
	}
}

func TestGormAttemptRepoCreate(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormAttemptRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "email_attempts"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	attempt := &domain.NotificationAttempt{RecordID: "rec-1", AttemptNumber: 2, Outcome: domain.StatusSent, CreatedAt: time.Now()}
	if err := repo.Create(context.Background(), attempt); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if attempt.ID == "" {
		t.Fatal("Create() did not assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type ListParams struct {
	Status    *domain.Status
	Kind      *domain.Kind
	Recipient string
	Page      int
	PageSize  int
}

// RecordRepository persists notification records. Records are never deleted
// and only the fields of domain.RecordPatch change after Create.
type RecordRepository interface {
	Create(ctx context.Context, r *domain.NotificationRecord) error
	Update(ctx context.Context, id string, patch domain.RecordPatch) error
	GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error)
	// FindDue returns failed records with retries left whose nextRetryAt is
	// unset or not after now, oldest-due first, at most limit of them.
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error)
	List(ctx context.Context, params ListParams) ([]domain.NotificationRecord, int64, error)
}

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.NotificationAttempt) error
	GetByRecordID(ctx context.Context, recordID string) ([]domain.NotificationAttempt, error)
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
	"gorm.io/gorm"
)

type GormRecordRepo struct {
	db *gorm.DB
}

func NewGormRecordRepo(db *gorm.DB) *GormRecordRepo {
	return &GormRecordRepo{db: db}
}

func (r *GormRecordRepo) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	if rec == nil {
		return domain.ErrValidation
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	model := emailLogModelFromDomain(rec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*rec = *emailLogModelToDomain(model)
	return nil
}

func (r *GormRecordRepo) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	result := r.db.WithContext(ctx).
		Model(&EmailLogModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        patch.Status,
			"retry_count":   patch.RetryCount,
			"next_retry_at": patch.NextRetryAt,
			"error_message": patch.LastError,
			"updated_at":    patch.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecordRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	var model EmailLogModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return emailLogModelToDomain(&model), nil
}

func (r *GormRecordRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	if limit < 1 {
		return nil, nil
	}

	var models []EmailLogModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= ?)", domain.StatusFailed, now).
		Order("next_retry_at ASC NULLS FIRST").
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		records = append(records, *emailLogModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormRecordRepo) List(ctx context.Context, params ListParams) ([]domain.NotificationRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&EmailLogModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Kind != nil {
		query = query.Where("email_type = ?", *params.Kind)
	}
	if params.Recipient != "" {
		query = query.Where("recipient_email = ?", params.Recipient)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []EmailLogModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		records = append(records, *emailLogModelToDomain(&models[i]))
	}

	return records, total, nil
}

package repository

import (
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

// EmailLogModel is the persistence model for the email_logs table.
type EmailLogModel struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	UserID         *string       `gorm:"type:varchar(64)"`
	BookingID      *string       `gorm:"type:varchar(64)"`
	RecipientEmail string        `gorm:"type:varchar(255);not null"`
	EmailType      domain.Kind   `gorm:"type:varchar(32);not null"`
	Status         domain.Status `gorm:"type:varchar(20);not null"`
	RetryCount     int           `gorm:"not null;default:0"`
	MaxRetries     int           `gorm:"not null;default:5"`
	NextRetryAt    *time.Time    `gorm:"type:timestamptz"`
	ErrorMessage   *string       `gorm:"type:text"`
	EmailData      []byte        `gorm:"type:bytea;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (EmailLogModel) TableName() string {
	return "email_logs"
}

// EmailAttemptModel is the persistence model for email_attempts.
type EmailAttemptModel struct {
	ID                string        `gorm:"type:uuid;primaryKey"`
	EmailLogID        string        `gorm:"type:uuid;not null"`
	AttemptNumber     int           `gorm:"not null"`
	Outcome           domain.Status `gorm:"type:varchar(20);not null"`
	StatusCode        *int          `gorm:"type:int"`
	ProviderMessageID *string       `gorm:"type:varchar(255)"`
	Error             *string       `gorm:"type:text"`
	CreatedAt         time.Time
}

func (EmailAttemptModel) TableName() string {
	return "email_attempts"
}

func emailLogModelFromDomain(r *domain.NotificationRecord) *EmailLogModel {
	if r == nil {
		return nil
	}

	return &EmailLogModel{
		ID:             r.ID,
		UserID:         r.Related.UserID,
		BookingID:      r.Related.BookingID,
		RecipientEmail: r.RecipientAddress,
		EmailType:      r.Kind,
		Status:         r.Status,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    r.NextRetryAt,
		ErrorMessage:   r.LastError,
		EmailData:      r.PayloadSnapshot,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func emailLogModelToDomain(m *EmailLogModel) *domain.NotificationRecord {
	if m == nil {
		return nil
	}

	return &domain.NotificationRecord{
		ID:               m.ID,
		RecipientAddress: m.RecipientEmail,
		Related:          domain.Related{UserID: m.UserID, BookingID: m.BookingID},
		Kind:             m.EmailType,
		Status:           m.Status,
		RetryCount:       m.RetryCount,
		MaxRetries:       m.MaxRetries,
		NextRetryAt:      m.NextRetryAt,
		LastError:        m.ErrorMessage,
		PayloadSnapshot:  m.EmailData,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.NotificationAttempt) *EmailAttemptModel {
	if a == nil {
		return nil
	}

	return &EmailAttemptModel{
		ID:                a.ID,
		EmailLogID:        a.RecordID,
		AttemptNumber:     a.AttemptNumber,
		Outcome:           a.Outcome,
		StatusCode:        a.StatusCode,
		ProviderMessageID: a.ProviderMessageID,
		Error:             a.Error,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *EmailAttemptModel) *domain.NotificationAttempt {
	if m == nil {
		return nil
	}

	return &domain.NotificationAttempt{
		ID:                m.ID,
		RecordID:          m.EmailLogID,
		AttemptNumber:     m.AttemptNumber,
		Outcome:           m.Outcome,
		StatusCode:        m.StatusCode,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		CreatedAt:         m.CreatedAt,
	}
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"gorm.io/gorm"
)

func createEmailLogsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_email_logs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailLogModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_email_logs_status_retry_count ON email_logs (status, retry_count)`,
				`CREATE INDEX IF NOT EXISTS idx_email_logs_status_next_retry_at ON email_logs (status, next_retry_at)`,
				`CREATE INDEX IF NOT EXISTS idx_email_logs_user_id ON email_logs (user_id) WHERE user_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_email_logs_recipient_created ON email_logs (recipient_email, created_at DESC)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailLogModel{})
		},
	}
}

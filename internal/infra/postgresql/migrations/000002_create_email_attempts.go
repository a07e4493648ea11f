package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/quickclean-notifier/internal/repository"
	"gorm.io/gorm"
)

func createEmailAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_email_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailAttemptModel{}); err != nil {
				return err
			}
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_email_attempts_log_id ON email_attempts (email_log_id, attempt_number)`,
				`ALTER TABLE email_attempts ADD CONSTRAINT fk_email_attempts_log FOREIGN KEY (email_log_id) REFERENCES email_logs (id)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailAttemptModel{})
		},
	}
}

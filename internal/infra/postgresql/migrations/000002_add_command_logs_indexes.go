package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addCommandLogsIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_command_logs_indexes",
		Migrate: func(tx *gorm.DB) error {
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_command_logs_command_created ON command_logs (command, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_command_logs_channel_created ON command_logs (channel, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_command_logs_correlation_id ON command_logs (correlation_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			for _, name := range []string{
				"idx_command_logs_command_created",
				"idx_command_logs_channel_created",
				"idx_command_logs_correlation_id",
			} {
				if err := tx.Exec("DROP INDEX IF EXISTS " + name).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

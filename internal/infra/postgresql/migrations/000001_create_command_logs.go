package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/dispatch-bot/internal/repository"
	"gorm.io/gorm"
)

func createCommandLogsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_command_logs",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.CommandLogModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CommandLogModel{})
		},
	}
}

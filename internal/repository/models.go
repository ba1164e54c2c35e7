package repository

import (
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/domain"
)

// CommandLogModel is the persistence model for the command_logs table.
type CommandLogModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	CorrelationID string         `gorm:"type:varchar(64);not null"`
	Channel       string         `gorm:"type:varchar(128);not null"`
	User          string         `gorm:"column:user_name;type:varchar(128);not null"`
	Command       string         `gorm:"type:varchar(32);not null"`
	Outcome       domain.Outcome `gorm:"type:varchar(16);not null"`
	DurationMs    int64          `gorm:"not null;default:0"`
	CreatedAt     time.Time
}

func (CommandLogModel) TableName() string {
	return "command_logs"
}

func commandLogModelFromDomain(c *domain.CommandLog) *CommandLogModel {
	if c == nil {
		return nil
	}

	return &CommandLogModel{
		ID:            c.ID,
		CorrelationID: c.CorrelationID,
		Channel:       c.Channel,
		User:          c.User,
		Command:       c.Command,
		Outcome:       c.Outcome,
		DurationMs:    c.DurationMs,
		CreatedAt:     c.CreatedAt,
	}
}

func commandLogModelToDomain(m *CommandLogModel) *domain.CommandLog {
	if m == nil {
		return nil
	}

	return &domain.CommandLog{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Channel:       m.Channel,
		User:          m.User,
		Command:       m.Command,
		Outcome:       m.Outcome,
		DurationMs:    m.DurationMs,
		CreatedAt:     m.CreatedAt,
	}
}

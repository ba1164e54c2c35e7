package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-bot/internal/domain"
	"gorm.io/gorm"
)

type CommandLogRepository interface {
	Create(ctx context.Context, c *domain.CommandLog) error
	CountByCommand(ctx context.Context, command string) (int64, error)
	TopCommands(ctx context.Context, limit int) ([]domain.CommandCount, error)
}

type GormCommandLogRepo struct {
	db *gorm.DB
}

func NewGormCommandLogRepo(db *gorm.DB) *GormCommandLogRepo {
	return &GormCommandLogRepo{db: db}
}

func (r *GormCommandLogRepo) Create(ctx context.Context, c *domain.CommandLog) error {
	if c == nil {
		return fmt.Errorf("%w: command log is required", domain.ErrValidation)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	model := commandLogModelFromDomain(c)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*c = *commandLogModelToDomain(model)
	return nil
}

func (r *GormCommandLogRepo) CountByCommand(ctx context.Context, command string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(command))
	if normalized == "" {
		return 0, fmt.Errorf("%w: command is required", domain.ErrValidation)
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&CommandLogModel{}).
		Where("command = ?", normalized).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *GormCommandLogRepo) TopCommands(ctx context.Context, limit int) ([]domain.CommandCount, error) {
	if limit < 1 {
		limit = 5
	}

	var rows []struct {
		Command string `gorm:"column:command"`
		Count   int64  `gorm:"column:count"`
	}
	err := r.db.WithContext(ctx).
		Model(&CommandLogModel{}).
		Select("command, COUNT(*) AS count").
		Group("command").
		Order("count DESC, command ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make([]domain.CommandCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, domain.CommandCount{Command: row.Command, Count: row.Count})
	}
	return counts, nil
}

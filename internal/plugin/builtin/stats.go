package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/dispatch-bot/internal/plugin"
	"github.com/kursadbilgin/dispatch-bot/internal/repository"
)

const topCommandsLimit = 5

// Stats reports usage counts from the command log.
type Stats struct {
	repo   repository.CommandLogRepository
	prefix string
}

func NewStats(repo repository.CommandLogRepository, prefix string) *Stats {
	return &Stats{repo: repo, prefix: prefix}
}

func (s *Stats) Name() string { return "stats" }

func (s *Stats) Commands() []plugin.Command {
	return []plugin.Command{{Name: "stats", Usage: "stats [command]"}}
}

func (s *Stats) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	if len(req.Args) > 0 {
		command := strings.ToLower(strings.TrimPrefix(req.Args[0], s.prefix))
		count, err := s.repo.CountByCommand(ctx, command)
		if err != nil {
			return nil, fmt.Errorf("failed to count command %q: %w", command, err)
		}
		return []string{fmt.Sprintf("%s%s has been used %d times", s.prefix, command, count)}, nil
	}

	top, err := s.repo.TopCommands(ctx, topCommandsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load top commands: %w", err)
	}
	if len(top) == 0 {
		return []string{"no commands recorded yet"}, nil
	}

	parts := make([]string, 0, len(top))
	for _, entry := range top {
		parts = append(parts, fmt.Sprintf("%s%s (%d)", s.prefix, entry.Command, entry.Count))
	}
	return []string{"top commands: " + strings.Join(parts, ", ")}, nil
}

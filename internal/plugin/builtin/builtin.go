// Package builtin holds the plugins that ship with the bot.
package builtin

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/kursadbilgin/dispatch-bot/internal/plugin"
)

// Ping answers !ping with pong.
type Ping struct{}

func (Ping) Name() string { return "ping" }

func (Ping) Commands() []plugin.Command {
	return []plugin.Command{{Name: "ping", Usage: "ping"}}
}

func (Ping) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	return []string{"pong"}, nil
}

// CommandLister is the read side of plugin.Registry.
type CommandLister interface {
	Commands() []plugin.Command
}

// Help lists registered commands or the usage of one command.
type Help struct {
	commands CommandLister
	prefix   string
}

func NewHelp(commands CommandLister, prefix string) *Help {
	return &Help{commands: commands, prefix: prefix}
}

func (h *Help) Name() string { return "help" }

func (h *Help) Commands() []plugin.Command {
	return []plugin.Command{{Name: "help", Usage: "help [command]"}}
}

func (h *Help) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	commands := h.commands.Commands()

	if len(req.Args) > 0 {
		wanted := strings.ToLower(strings.TrimPrefix(req.Args[0], h.prefix))
		for _, cmd := range commands {
			if cmd.Name != wanted {
				continue
			}
			usage := cmd.Usage
			if usage == "" {
				usage = cmd.Name
			}
			return []string{"usage: " + h.prefix + usage}, nil
		}
		return nil, plugin.UsageError("unknown command %q", wanted)
	}

	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, h.prefix+cmd.Name)
	}
	return []string{"commands: " + strings.Join(names, ", ")}, nil
}

const (
	maxDice  = 100
	maxSides = 1000
)

// Roll rolls NdM dice, e.g. !roll 2d6. The default is 1d6.
type Roll struct {
	randIntn func(n int) int
}

func NewRoll() *Roll {
	return &Roll{randIntn: rand.Intn}
}

func (r *Roll) Name() string { return "dice" }

func (r *Roll) Commands() []plugin.Command {
	return []plugin.Command{{Name: "roll", Usage: "roll [NdM]"}}
}

func (r *Roll) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	notation := "1d6"
	if len(req.Args) > 0 {
		notation = strings.ToLower(req.Args[0])
	}

	dice, sides, err := parseDice(notation)
	if err != nil {
		return nil, err
	}

	rolls := make([]string, 0, dice)
	total := 0
	for i := 0; i < dice; i++ {
		value := r.randIntn(sides) + 1
		total += value
		rolls = append(rolls, strconv.Itoa(value))
	}

	if dice == 1 {
		return []string{fmt.Sprintf("%s rolled %s: %d", req.User, notation, total)}, nil
	}
	return []string{fmt.Sprintf("%s rolled %s: %s = %d", req.User, notation, strings.Join(rolls, " + "), total)}, nil
}

func parseDice(notation string) (int, int, error) {
	countPart, sidesPart, ok := strings.Cut(notation, "d")
	if !ok {
		return 0, 0, plugin.UsageError("usage: roll NdM, e.g. roll 2d6")
	}

	dice := 1
	if countPart != "" {
		n, err := strconv.Atoi(countPart)
		if err != nil {
			return 0, 0, plugin.UsageError("usage: roll NdM, e.g. roll 2d6")
		}
		dice = n
	}
	sides, err := strconv.Atoi(sidesPart)
	if err != nil {
		return 0, 0, plugin.UsageError("usage: roll NdM, e.g. roll 2d6")
	}

	if dice < 1 || dice > maxDice {
		return 0, 0, plugin.UsageError("dice count must be between 1 and %d", maxDice)
	}
	if sides < 2 || sides > maxSides {
		return 0, 0, plugin.UsageError("sides must be between 2 and %d", maxSides)
	}
	return dice, sides, nil
}

// Choose picks one of the options separated by |.
type Choose struct {
	randIntn func(n int) int
}

func NewChoose() *Choose {
	return &Choose{randIntn: rand.Intn}
}

func (c *Choose) Name() string { return "choose" }

func (c *Choose) Commands() []plugin.Command {
	return []plugin.Command{{Name: "choose", Usage: "choose a | b | c"}}
}

func (c *Choose) Handle(ctx context.Context, req plugin.Request) ([]string, error) {
	options := make([]string, 0, 4)
	for _, option := range strings.Split(req.ArgString(), "|") {
		if option = strings.TrimSpace(option); option != "" {
			options = append(options, option)
		}
	}
	if len(options) < 2 {
		return nil, plugin.UsageError("usage: choose a | b, at least two options")
	}

	return []string{fmt.Sprintf("%s: %s", req.User, options[c.randIntn(len(options))])}, nil
}

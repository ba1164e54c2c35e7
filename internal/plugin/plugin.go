// Package plugin routes chat commands to the plugins that serve them.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command describes one chat command served by a plugin.
type Command struct {
	Name  string
	Usage string
}

// Request is one parsed command invocation.
type Request struct {
	Command       string
	Args          []string
	Channel       string
	User          string
	CorrelationID string
}

// ArgString returns the arguments joined by single spaces.
func (r Request) ArgString() string {
	return strings.Join(r.Args, " ")
}

// Plugin serves one or more commands. Handle returns reply lines for the source channel.
type Plugin interface {
	Name() string
	Commands() []Command
	Handle(ctx context.Context, req Request) ([]string, error)
}

// Registry maps command names to plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]Plugin
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{
		plugins:  make(map[string]Plugin),
		commands: make(map[string]Command),
	}
}

// Register adds every command of p. Nothing is registered if any command is taken.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is required")
	}

	commands := p.Commands()
	if len(commands) == 0 {
		return fmt.Errorf("plugin %q has no commands", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(commands))
	for _, cmd := range commands {
		name := normalizeCommand(cmd.Name)
		if name == "" {
			return fmt.Errorf("plugin %q has a blank command", p.Name())
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("plugin %q lists command %q twice", p.Name(), name)
		}
		if owner, taken := r.plugins[name]; taken {
			return fmt.Errorf("command %q of plugin %q is already registered by %q", name, p.Name(), owner.Name())
		}
		seen[name] = struct{}{}
	}

	for _, cmd := range commands {
		name := normalizeCommand(cmd.Name)
		r.plugins[name] = p
		r.commands[name] = Command{Name: name, Usage: strings.TrimSpace(cmd.Usage)}
	}
	return nil
}

func (r *Registry) Lookup(command string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[normalizeCommand(command)]
	return p, ok
}

// Commands returns every registered command sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

func normalizeCommand(command string) string {
	return strings.ToLower(strings.TrimSpace(command))
}

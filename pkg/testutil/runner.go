// pkg/testutil/runner.go - scripted installer runner.

package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/windowsadmins/cimiscan/pkg/installer"
)

// Script decides the outcome of a command. Hook runs before the result is
// returned, which is where tests simulate the installer's registry writes.
type Script struct {
	ExitCode int
	Err      error
	Hook     func(cmd installer.Command)
}

// Runner records every command and answers from scripts keyed by a substring
// of the command line. Unmatched commands exit 0.
type Runner struct {
	mu       sync.Mutex
	scripts  []scriptEntry
	commands []installer.Command
}

type scriptEntry struct {
	substr string
	script Script
}

// NewRunner returns a runner with no scripts.
func NewRunner() *Runner { return &Runner{} }

// On scripts commands whose line contains substr. Earlier scripts win.
func (r *Runner) On(substr string, s Script) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, scriptEntry{substr: strings.ToLower(substr), script: s})
	return r
}

// Commands returns the commands run so far.
func (r *Runner) Commands() []installer.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]installer.Command(nil), r.commands...)
}

// Lines returns the command lines run so far.
func (r *Runner) Lines() []string {
	var out []string
	for _, c := range r.Commands() {
		out = append(out, c.Line)
	}
	return out
}

func (r *Runner) Run(ctx context.Context, cmd installer.Command) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	var s Script
	lower := strings.ToLower(cmd.Line)
	for _, e := range r.scripts {
		if strings.Contains(lower, e.substr) {
			s = e.script
			break
		}
	}
	r.mu.Unlock()

	if s.Err != nil {
		return -1, s.Err
	}
	if cmd.Started != nil {
		cmd.Started(1234)
	}
	if s.Hook != nil {
		s.Hook(cmd)
	}
	return s.ExitCode, nil
}

// pkg/blocking/blocking.go - detects running applications that block an installer.

package blocking

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// Proc is the part of a running process that app names are matched against.
type Proc struct {
	Name string
	Exe  string
}

// listProcesses is swapped in tests.
var listProcesses = func(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		out = append(out, Proc{Name: name, Exe: exe})
	}
	return out, nil
}

// Matches reports whether app names proc. An app is a full path (compared
// with the executable path), an executable name, or a bare name that also
// matches with .exe appended. Comparison ignores case.
func Matches(app string, proc Proc) bool {
	clean := strings.ToLower(strings.TrimSpace(app))
	if clean == "" {
		return false
	}
	name := strings.ToLower(proc.Name)

	switch {
	case strings.ContainsAny(clean, `\/`):
		return proc.Exe != "" && strings.EqualFold(proc.Exe, app)
	case strings.HasSuffix(clean, ".exe"):
		return name == clean
	default:
		return name == clean || name == clean+".exe"
	}
}

// Running returns the apps from the list that currently have a process.
func Running(ctx context.Context, apps []string) ([]string, error) {
	if len(apps) == 0 {
		return nil, nil
	}
	procs, err := listProcesses(ctx)
	if err != nil {
		logging.Error("Failed to get process list", "error", err)
		return nil, err
	}

	var running []string
	for _, app := range apps {
		for _, p := range procs {
			if Matches(app, p) {
				logging.Debug("Found running blocking app", "app", app, "process", p.Name)
				running = append(running, app)
				break
			}
		}
	}
	return running, nil
}

// pkg/installer/runner.go - launching installer processes.

package installer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// Command is one process launch.
type Command struct {
	// Line is the full command line, executable first.
	Line string
	// Interactive shows the program's own UI and returns as soon as it starts.
	Interactive bool
	// Timeout bounds the wait for exit. Zero waits indefinitely.
	Timeout       time.Duration
	KillOnTimeout bool
	// Started, when set, receives the process id once the process runs.
	Started func(pid int)
}

// Runner launches a Command and returns its exit code. An error means the
// process could not be started or its exit was not observed.
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// LaunchError reports a process that could not be started. It is fatal for
// the single operation that hit it.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launching %q: %v", e.Command, e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError reports an installer that outlived its timeout.
type TimeoutError struct {
	Command string
	After   time.Duration
	Killed  bool
	// Exited, when set, is closed once the process has exited.
	Exited  <-chan struct{}
}

func (e *TimeoutError) Error() string {
	if e.Killed {
		return fmt.Sprintf("%q timed out after %s and was terminated", e.Command, e.After)
	}
	return fmt.Sprintf("%q timed out after %s and was left running", e.Command, e.After)
}

// ExecRunner runs commands as child processes. Once a process has started,
// cancelling ctx no longer affects it.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	cmd, err := newCmd(c.Line, !c.Interactive)
	if err != nil {
		return -1, &LaunchError{Command: c.Line, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return -1, &LaunchError{Command: c.Line, Err: err}
	}
	pid := cmd.Process.Pid
	logging.Debug("Process started", "pid", pid, "command", c.Line)
	if c.Started != nil {
		c.Started(pid)
	}

	if c.Interactive {
		go func() {
			if err := cmd.Wait(); err != nil {
				logging.Debug("Interactive installer exited", "pid", pid, "error", err)
			}
		}()
		return 0, nil
	}

	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-done:
		return exitCode(err)
	case <-timeout:
		terr := &TimeoutError{Command: c.Line, After: c.Timeout, Exited: exited}
		if c.KillOnTimeout {
			if err := terminateProcessTree(pid); err != nil {
				logging.Warn("Failed to terminate timed-out installer", "pid", pid, "error", err)
			} else {
				terr.Killed = true
			}
		}
		logging.Error("Installer timed out", "command", c.Line, "timeout", c.Timeout, "killed", terr.Killed)
		return -1, terr
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// pkg/installer/exit.go - installer exit codes and operation states.

package installer

import "fmt"

// Exit codes with a meaning shared by MSI and most EXE installers.
const (
	ExitCodeSuccess         = 0
	ExitCodeRebootRequired  = 3010
	ExitCodeRebootInitiated = 1641
)

// ExitClass is the meaning of an exit code.
type ExitClass int

const (
	ExitFailure ExitClass = iota
	ExitSuccess
	ExitRebootRequired
	ExitRebootInitiated
)

func (c ExitClass) String() string {
	switch c {
	case ExitSuccess:
		return "success"
	case ExitRebootRequired:
		return "success, reboot required"
	case ExitRebootInitiated:
		return "success, reboot initiated"
	default:
		return "failure"
	}
}

// Succeeded reports whether c is one of the success variants.
func (c ExitClass) Succeeded() bool { return c != ExitFailure }

// ClassifyExit maps an exit code to its class. Unknown codes are failures.
func ClassifyExit(code int) ExitClass {
	switch code {
	case ExitCodeSuccess:
		return ExitSuccess
	case ExitCodeRebootRequired:
		return ExitRebootRequired
	case ExitCodeRebootInitiated:
		return ExitRebootInitiated
	default:
		return ExitFailure
	}
}

// State is the progress of one install or uninstall invocation:
// Idle, Launching, Running, then one terminal state.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateSucceeded
	StateSucceededRebootRequired
	StateFailed
	StateInstalledButUnverified
	// StateLaunched ends a manual-mode launch, which is not awaited.
	StateLaunched
)

var stateNames = map[State]string{
	StateIdle:                    "Idle",
	StateLaunching:               "Launching",
	StateRunning:                 "Running",
	StateSucceeded:               "Succeeded",
	StateSucceededRebootRequired: "SucceededRebootRequired",
	StateFailed:                  "Failed",
	StateInstalledButUnverified:  "InstalledButUnverified",
	StateLaunched:                "Launched",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s ends an invocation.
func (s State) Terminal() bool { return s >= StateSucceeded }

// successState maps a success class to its terminal state.
func successState(c ExitClass) State {
	if c == ExitRebootRequired || c == ExitRebootInitiated {
		return StateSucceededRebootRequired
	}
	return StateSucceeded
}

//go:build windows

package installer

import (
	"fmt"
	"os/exec"
	"syscall"
)

// execCommand is abstracted for testing
var execCommand = exec.Command

// newCmd passes line to CreateProcess untouched so vendor switches and the
// quoted installer path reach the installer exactly as written.
func newCmd(line string, hidden bool) (*exec.Cmd, error) {
	exe, _ := ResolveExecutable(line, isRegularFile)
	path, err := exec.LookPath(exe)
	if err != nil {
		return nil, err
	}
	cmd := execCommand(path)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       line,
		HideWindow:    hidden,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	return cmd, nil
}

// terminateProcessTree ends an installer and the processes it spawned.
func terminateProcessTree(pid int) error {
	cmd := execCommand("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid))
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd.Run()
}

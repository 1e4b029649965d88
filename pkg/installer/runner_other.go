//go:build !windows

package installer

import (
	"os"
	"os/exec"
)

// newCmd runs line through the shell so quoting behaves as on Windows.
func newCmd(line string, _ bool) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", line), nil
}

func terminateProcessTree(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// pkg/preflight/preflight.go - checks run before an installer is launched.

package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/windowsadmins/cimiscan/pkg/blocking"
	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// ErrInstallerMissing is returned when the installer file is gone or is a directory.
var ErrInstallerMissing = errors.New("installer file not found")

// BlockedError lists blocking applications that are running.
type BlockedError struct {
	Apps []string
}

func (e *BlockedError) Error() string {
	return "blocking applications are running: " + strings.Join(e.Apps, ", ")
}

// Report describes a passed preflight.
type Report struct {
	InstallerSize int64
	FreeBytes     uint64
	LowDisk       bool
}

// Checker validates the environment before a launch.
type Checker struct {
	// DiskMultiplier is how many times the installer size should be free.
	// Zero disables the disk check.
	DiskMultiplier int

	running  func(ctx context.Context, apps []string) ([]string, error)
	freeDisk func(ctx context.Context, path string) (uint64, error)
}

// New returns a Checker using live process and disk information.
func New(diskMultiplier int) *Checker {
	return &Checker{
		DiskMultiplier: diskMultiplier,
		running:        blocking.Running,
		freeDisk: func(ctx context.Context, path string) (uint64, error) {
			u, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}
			return u.Free, nil
		},
	}
}

// Check verifies the installer exists and no blocking app runs. Low free
// space only logs a warning.
func (c *Checker) Check(ctx context.Context, installerPath string, blockingApps []string) (Report, error) {
	var rep Report

	info, err := os.Stat(installerPath)
	if err != nil {
		return rep, fmt.Errorf("%w: %s: %v", ErrInstallerMissing, installerPath, err)
	}
	if info.IsDir() {
		return rep, fmt.Errorf("%w: %s is a directory", ErrInstallerMissing, installerPath)
	}
	rep.InstallerSize = info.Size()

	if c.DiskMultiplier > 0 && c.freeDisk != nil {
		target := diskTarget(installerPath)
		free, err := c.freeDisk(ctx, target)
		if err != nil {
			logging.Warn("Unable to read free disk space", "path", target, "error", err)
		} else {
			rep.FreeBytes = free
			need := uint64(rep.InstallerSize) * uint64(c.DiskMultiplier)
			if free < need {
				rep.LowDisk = true
				logging.Warn("Low free disk space for installer",
					"installer", installerPath,
					"free", humanize.IBytes(free),
					"recommended", humanize.IBytes(need),
				)
			}
		}
	}

	if len(blockingApps) > 0 && c.running != nil {
		running, err := c.running(ctx, blockingApps)
		if err != nil {
			logging.Warn("Unable to check blocking applications", "error", err)
		} else if len(running) > 0 {
			return rep, &BlockedError{Apps: running}
		}
	}
	return rep, nil
}

// diskTarget is the system drive, where installers write most of their payload.
func diskTarget(installerPath string) string {
	if sd := os.Getenv("SystemDrive"); sd != "" {
		return sd + `\`
	}
	return filepath.Dir(installerPath)
}

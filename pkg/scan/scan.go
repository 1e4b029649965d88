// pkg/scan/scan.go - finds candidate installer files under a directory tree.

package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// CandidateFile is a file that passed the detection filters.
type CandidateFile struct {
	Path      string
	SizeBytes int64
	Class     catalog.ExtensionClass
}

// Name returns the base file name.
func (c CandidateFile) Name() string { return filepath.Base(c.Path) }

// IOError is a directory or file that could not be read. Walks skip it and continue.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("scan %s: %v", e.Path, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// Stats summarizes one walk.
type Stats struct {
	Directories int
	Files       int
	Candidates  int
	Filtered    int
	Warnings    int
}

// Scanner applies DetectionSettings to a directory tree.
type Scanner struct {
	settings catalog.DetectionSettings
	ignore   map[string]struct{}

	// OnWarning, when set, receives every skipped unreadable path.
	OnWarning func(*IOError)
}

// New returns a Scanner for settings.
func New(settings catalog.DetectionSettings) *Scanner {
	ignore := make(map[string]struct{}, len(settings.IgnoreDirNames))
	for _, d := range settings.IgnoreDirNames {
		ignore[strings.ToLower(d)] = struct{}{}
	}
	return &Scanner{settings: settings, ignore: ignore}
}

// Ignored reports whether a directory with this name is never entered.
func (s *Scanner) Ignored(dirName string) bool {
	_, ok := s.ignore[strings.ToLower(dirName)]
	return ok
}

// RejectReason returns why a file with this name and size is dropped, or ""
// when it passes the size and name filters.
func (s *Scanner) RejectReason(name string, size int64) string {
	return RejectReason(s.settings, name, size)
}

// RejectReason applies the size and name filters of settings.
func RejectReason(settings catalog.DetectionSettings, name string, size int64) string {
	if size < settings.MinFileSizeBytes {
		return fmt.Sprintf("smaller than minimum size (%d < %d bytes)", size, settings.MinFileSizeBytes)
	}
	lower := strings.ToLower(name)
	for _, hint := range settings.ExcludeUninstallerHints {
		if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
			return fmt.Sprintf("name contains uninstaller hint %q", hint)
		}
	}
	for _, sub := range settings.ExcludeNameSubstrings {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return fmt.Sprintf("name contains excluded term %q", sub)
		}
	}
	return ""
}

// Walk visits root in lexical order and calls fn for each candidate. A non-nil
// error from fn stops the walk and is returned. Unreadable entries below root
// are reported through OnWarning and skipped; an unreadable root is an error.
func (s *Scanner) Walk(ctx context.Context, root string, fn func(CandidateFile) error) (Stats, error) {
	var stats Stats

	info, err := os.Stat(root)
	if err != nil {
		return stats, &IOError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return stats, &IOError{Path: root, Err: errors.New("not a directory")}
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return &IOError{Path: path, Err: walkErr}
			}
			s.warn(&stats, &IOError{Path: path, Err: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && s.Ignored(d.Name()) {
				logging.Debug("Skipping ignored directory", "path", path)
				return filepath.SkipDir
			}
			stats.Directories++
			return nil
		}

		class, ok := catalog.ClassOf(d.Name())
		if !ok {
			return nil
		}
		stats.Files++

		var size int64
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				s.warn(&stats, &IOError{Path: path, Err: err})
				return nil
			}
			if target.IsDir() {
				// Directory links are never followed.
				return nil
			}
			size = target.Size()
		} else {
			fi, err := d.Info()
			if err != nil {
				s.warn(&stats, &IOError{Path: path, Err: err})
				return nil
			}
			size = fi.Size()
		}

		if reason := s.RejectReason(d.Name(), size); reason != "" {
			stats.Filtered++
			logging.Debug("Filtered file", "path", path, "reason", reason)
			return nil
		}

		stats.Candidates++
		return fn(CandidateFile{Path: path, SizeBytes: size, Class: class})
	})
	return stats, err
}

func (s *Scanner) warn(stats *Stats, e *IOError) {
	stats.Warnings++
	logging.Warn("Skipping unreadable path", "path", e.Path, "error", e.Err)
	if s.OnWarning != nil {
		s.OnWarning(e)
	}
}

// Candidates returns a lazy sequence over root. Each range starts a fresh walk;
// walk errors are logged and end the sequence.
func (s *Scanner) Candidates(ctx context.Context, root string) iter.Seq[CandidateFile] {
	return func(yield func(CandidateFile) bool) {
		_, err := s.Walk(ctx, root, func(c CandidateFile) error {
			if !yield(c) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			logging.Warn("Scan ended early", "root", root, "error", err)
		}
	}
}

var errStop = errors.New("stop")

// Collect walks root and returns all candidates.
func (s *Scanner) Collect(ctx context.Context, root string) ([]CandidateFile, Stats, error) {
	var out []CandidateFile
	stats, err := s.Walk(ctx, root, func(c CandidateFile) error {
		out = append(out, c)
		return nil
	})
	return out, stats, err
}

// pkg/ledger/ledger.go - durable record of installs performed by cimiscan.
//
// The ledger is a JSON array rewritten as a whole on every change: the new
// content goes to a temp file in the same directory which then replaces the
// original, so a failed write leaves the previous file intact. A sibling
// .lock file serializes writers across processes.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// ErrCorrupt reports a ledger file that exists but cannot be decoded. Readers
// treat the ledger as empty; the file is left untouched until the next
// successful write, which first copies it to <path>.corrupt.
var ErrCorrupt = errors.New("ledger file is corrupt")

// Entry is one install performed by this system. In well-formed entries exactly
// one of UninstallString and ProductCode is set; both nil means no uninstall
// path is known.
type Entry struct {
	ProgramID       string    `json:"program_id"`
	DisplayName     string    `json:"display_name"`
	Timestamp       time.Time `json:"timestamp"`
	InstallerPath   string    `json:"installer_path"`
	UninstallString *string   `json:"uninstall_string"`
	ProductCode     *string   `json:"product_code"`
	Version         *string   `json:"version"`
}

// HasUninstallPath reports whether the entry can drive an uninstall.
func (e Entry) HasUninstallPath() bool {
	return nonEmpty(e.ProductCode) || nonEmpty(e.UninstallString)
}

// StringPtr returns nil for "" and a pointer to s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nonEmpty(p *string) bool { return p != nil && *p != "" }

// Timestamps are written as RFC 3339 in UTC. Reading also accepts ISO 8601
// values without a zone, which are taken as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO 8601", s)
}

type isoTime time.Time

func (t isoTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *isoTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = isoTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := parseTimestamp(s)
	if err != nil {
		return err
	}
	*t = isoTime(parsed)
	return nil
}

type entryFields Entry

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		entryFields
		Timestamp isoTime `json:"timestamp"`
	}{entryFields(e), isoTime(e.Timestamp)})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	v := struct {
		*entryFields
		Timestamp isoTime `json:"timestamp"`
	}{entryFields: (*entryFields)(e)}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	e.Timestamp = time.Time(v.Timestamp)
	return nil
}

// Ledger maps program ids to their latest Entry. It is safe for concurrent use.
type Ledger struct {
	path string
	lock *flock.Flock

	mu  sync.Mutex
	now func() time.Time
}

// Open returns the ledger stored at path. The file is created on first write.
func Open(path string) *Ledger {
	return &Ledger{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// List returns all entries ordered by program id. A corrupt file yields no
// entries and an error wrapping ErrCorrupt.
func (l *Ledger) List() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return nil, err
	}
	return sorted(entries), nil
}

// Get returns the entry for programID.
func (l *Ledger) Get(programID string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[programID]
	return e, ok, nil
}

// Put records e, replacing any entry for the same program. A zero Timestamp is
// set to the current UTC time.
func (l *Ledger) Put(ctx context.Context, e Entry) error {
	if e.ProgramID == "" {
		return errors.New("ledger entry without program id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	return l.update(ctx, func(entries map[string]Entry) bool {
		entries[e.ProgramID] = e
		return true
	})
}

// Remove deletes the entry for programID and reports whether one existed.
func (l *Ledger) Remove(ctx context.Context, programID string) (bool, error) {
	var found bool
	err := l.update(ctx, func(entries map[string]Entry) bool {
		if _, found = entries[programID]; found {
			delete(entries, programID)
		}
		return found
	})
	return found, err
}

// update runs one read-modify-write cycle. fn reports whether it changed anything.
func (l *Ledger) update(ctx context.Context, fn func(map[string]Entry) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	locked, err := l.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking ledger: %w", err)
	}
	if !locked {
		return fmt.Errorf("locking ledger: %s is held by another process", l.lock.Path())
	}
	defer l.lock.Unlock()

	entries, err := l.read()
	corrupt := errors.Is(err, ErrCorrupt)
	if err != nil && !corrupt {
		return err
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	if !fn(entries) {
		return nil
	}
	if corrupt {
		if err := copyFile(l.path, l.path+".corrupt"); err != nil {
			return fmt.Errorf("preserving corrupt ledger: %w", err)
		}
		logging.Warn("Replacing corrupt ledger", "path", l.path, "backup", l.path+".corrupt")
	}
	return l.write(sorted(entries))
}

// read loads the file. Missing means empty.
func (l *Ledger) read() (map[string]Entry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", l.path, err)
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		logging.Warn("Ledger is corrupt, treating as empty", "path", l.path, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.path, err)
	}
	entries := make(map[string]Entry, len(list))
	for _, e := range list {
		if e.ProgramID == "" {
			continue
		}
		entries[e.ProgramID] = e
	}
	return entries, nil
}

func (l *Ledger) write(list []Entry) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	committed = true
	return nil
}

func sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramID < out[j].ProgramID })
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

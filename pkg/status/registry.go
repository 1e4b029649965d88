// pkg/status/registry.go - read-only registry access used by the inspector.

package status

import (
	"errors"
	"fmt"
	"strings"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
)

var (
	// ErrNotExist is returned for a missing key or value.
	ErrNotExist = errors.New("registry key or value does not exist")
	// ErrAccessDenied is returned when a key cannot be opened for reading.
	ErrAccessDenied = errors.New("registry access denied")
)

// Key is an open registry key.
type Key interface {
	// GetStringValue reads a REG_SZ or REG_EXPAND_SZ value.
	GetStringValue(name string) (string, error)
	// SubKeyNames lists the immediate subkeys.
	SubKeyNames() ([]string, error)
	Close() error
}

// Registry opens keys for reading. Implementations map a missing key to
// ErrNotExist and a permission failure to ErrAccessDenied.
type Registry interface {
	OpenKey(hive catalog.Hive, view catalog.View, path string) (Key, error)
}

// AccessError aggregates the permission failures of a program whose rules
// all failed that way. It is a warning; the program is reported as not installed.
type AccessError struct {
	ProgramID string
	Rules     []string
	Errs      []error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("registry access denied for every check rule of %s: %s", e.ProgramID, strings.Join(e.Rules, "; "))
}

func (e *AccessError) Unwrap() []error { return e.Errs }

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + `\` + child
}

// readString returns the trimmed value or "" when it is absent or unreadable.
func readString(k Key, name string) string {
	v, err := k.GetStringValue(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

//go:build !windows

package status

import (
	"errors"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
)

var errNoRegistry = errors.New("the Windows registry is not available on this platform")

type unavailableRegistry struct{}

// NewWindowsRegistry returns a registry where every key is missing.
func NewWindowsRegistry() Registry { return unavailableRegistry{} }

func (unavailableRegistry) OpenKey(catalog.Hive, catalog.View, string) (Key, error) {
	return nil, errors.Join(ErrNotExist, errNoRegistry)
}

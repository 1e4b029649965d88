//go:build windows

package status

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
)

// WindowsRegistry reads the live registry.
type WindowsRegistry struct{}

// NewWindowsRegistry returns the live registry.
func NewWindowsRegistry() Registry { return WindowsRegistry{} }

func (WindowsRegistry) OpenKey(hive catalog.Hive, view catalog.View, path string) (Key, error) {
	var root registry.Key
	switch hive {
	case catalog.HKLM:
		root = registry.LOCAL_MACHINE
	case catalog.HKCU:
		root = registry.CURRENT_USER
	default:
		return nil, fmt.Errorf("unsupported hive %q", hive)
	}

	access := uint32(registry.QUERY_VALUE | registry.ENUMERATE_SUB_KEYS)
	if view == catalog.View32 {
		access |= registry.WOW64_32KEY
	} else {
		access |= registry.WOW64_64KEY
	}

	k, err := registry.OpenKey(root, path, access)
	if err != nil {
		return nil, mapError(err)
	}
	return windowsKey{k}, nil
}

type windowsKey struct {
	k registry.Key
}

func (w windowsKey) GetStringValue(name string) (string, error) {
	v, _, err := w.k.GetStringValue(name)
	if err != nil {
		return "", mapError(err)
	}
	return v, nil
}

func (w windowsKey) SubKeyNames() ([]string, error) {
	names, err := w.k.ReadSubKeyNames(0)
	if err != nil {
		return nil, mapError(err)
	}
	return names, nil
}

func (w windowsKey) Close() error { return w.k.Close() }

func mapError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}

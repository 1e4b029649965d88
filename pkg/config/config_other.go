//go:build !windows

package config

import "errors"

func loadCSPFromRegistryPath(string, *Configuration) error {
	return errors.New("CSP registry settings are only available on Windows")
}

//go:build windows

package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// loadCSPFromRegistryPath loads configuration values from a specific registry path.
func loadCSPFromRegistryPath(registryPath string, cfg *Configuration) error {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, registryPath, registry.READ)
	if err != nil {
		return fmt.Errorf("failed to open CSP registry key %s: %w", registryPath, err)
	}
	defer key.Close()

	loadStringFromRegistry(key, "LedgerPath", &cfg.LedgerPath)
	loadStringFromRegistry(key, "LogsPath", &cfg.LogsPath)
	loadStringFromRegistry(key, "LogLevel", &cfg.LogLevel)
	loadStringFromRegistry(key, "ReportDatabase", &cfg.ReportDatabase)

	loadIntFromRegistry(key, "Workers", &cfg.Workers)
	loadIntFromRegistry(key, "InstallerTimeoutMinutes", &cfg.InstallerTimeoutMinutes)
	loadIntFromRegistry(key, "MinFreeDiskMultiplier", &cfg.MinFreeDiskMultiplier)

	loadBoolFromRegistry(key, "Debug", &cfg.Debug)
	loadBoolFromRegistry(key, "Verbose", &cfg.Verbose)
	loadBoolFromRegistry(key, "KillOnTimeout", &cfg.KillOnTimeout)

	loadStringArrayFromRegistry(key, "CatalogPaths", &cfg.CatalogPaths)
	loadStringArrayFromRegistry(key, "ScanRoots", &cfg.ScanRoots)
	return nil
}

func loadStringFromRegistry(key registry.Key, valueName string, target *string) {
	if val, _, err := key.GetStringValue(valueName); err == nil && val != "" {
		*target = val
		log.Printf("CSP: Loaded %s = %s", valueName, val)
	}
}

// loadBoolFromRegistry accepts "true"/"false", "1"/"0" or a DWORD.
func loadBoolFromRegistry(key registry.Key, valueName string, target *bool) {
	if val, _, err := key.GetStringValue(valueName); err == nil {
		if parsed, parseErr := strconv.ParseBool(val); parseErr == nil {
			*target = parsed
			return
		}
	}
	if val, _, err := key.GetIntegerValue(valueName); err == nil {
		*target = val != 0
	}
}

func loadIntFromRegistry(key registry.Key, valueName string, target *int) {
	if val, _, err := key.GetStringValue(valueName); err == nil {
		if parsed, parseErr := strconv.Atoi(val); parseErr == nil {
			*target = parsed
			return
		}
	}
	if val, _, err := key.GetIntegerValue(valueName); err == nil {
		*target = int(val)
	}
}

// loadStringArrayFromRegistry reads REG_MULTI_SZ or a comma-separated string.
func loadStringArrayFromRegistry(key registry.Key, valueName string, target *[]string) {
	var raw []string
	if vals, _, err := key.GetStringsValue(valueName); err == nil {
		raw = vals
	} else if val, _, err := key.GetStringValue(valueName); err == nil {
		raw = strings.Split(val, ",")
	}
	filtered := make([]string, 0, len(raw))
	for _, v := range raw {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			filtered = append(filtered, trimmed)
		}
	}
	if len(filtered) > 0 {
		*target = filtered
		log.Printf("CSP: Loaded %s = %v", valueName, filtered)
	}
}

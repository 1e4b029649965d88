// pkg/config/config.go - configuration settings for cimiscan.

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const ConfigPath = `C:\ProgramData\ManagedInstalls\cimiscan\Config.yaml`

// CSP OMA-URI registry path for enterprise policy configuration
const CSPRegistryPath = `SOFTWARE\Cimian\cimiscan`

// Configuration holds the configurable options for cimiscan in YAML format
type Configuration struct {
	CatalogPaths   []string `yaml:"CatalogPaths"`
	LedgerPath     string   `yaml:"LedgerPath"`
	LogsPath       string   `yaml:"LogsPath"`
	LogLevel       string   `yaml:"LogLevel"`
	ReportDatabase string   `yaml:"ReportDatabase"`
	ScanRoots      []string `yaml:"ScanRoots"`
	Workers        int      `yaml:"Workers"`
	Debug          bool     `yaml:"Debug"`
	Verbose        bool     `yaml:"Verbose"`

	// Installer execution
	InstallerTimeoutMinutes int  `yaml:"InstallerTimeoutMinutes"`
	KillOnTimeout           bool `yaml:"KillOnTimeout"`
	MinFreeDiskMultiplier   int  `yaml:"MinFreeDiskMultiplier"`

	// Templates for installers identified only heuristically, keyed by
	// extension class then mode.
	GenericCommands map[string]map[string]string `yaml:"GenericCommands"`
}

// LoadConfig loads the configuration from the YAML file at ConfigPath.
// If the file doesn't exist, it falls back to CSP registry settings, then defaults.
func LoadConfig() (*Configuration, error) {
	return LoadConfigFrom(ConfigPath)
}

// LoadConfigFrom loads the configuration from path with the same fallbacks as LoadConfig.
func LoadConfigFrom(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Configuration file does not exist: %s", path)
		cfg, cspErr := LoadConfigFromCSP()
		if cspErr == nil {
			log.Printf("Loaded configuration from CSP registry settings")
			return cfg, nil
		}
		log.Printf("No CSP configuration available (%v); using defaults", cspErr)
		return GetDefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// SaveConfig saves the configuration to path as YAML.
func SaveConfig(cfg *Configuration, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating configuration directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// GetDefaultConfig provides default configuration values.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		CatalogPaths:            []string{`C:\ProgramData\ManagedInstalls\cimiscan\catalog.yaml`},
		LedgerPath:              defaultLedgerPath(),
		LogsPath:                `C:\ProgramData\ManagedInstalls\cimiscan\logs`,
		LogLevel:                "INFO",
		ReportDatabase:          `C:\ProgramData\ManagedInstalls\cimiscan\reports.db`,
		Workers:                 4,
		InstallerTimeoutMinutes: 15,
		MinFreeDiskMultiplier:   10,
		GenericCommands: map[string]map[string]string{
			"exe": {
				"auto":       "{installer_path} /S",
				"semiSilent": "{installer_path} /passive",
			},
			"msi": {
				"auto":       `msiexec /i "{installer_path}" /qn /norestart`,
				"semiSilent": `msiexec /i "{installer_path}" /passive /norestart`,
			},
		},
	}
}

// defaultLedgerPath places the ledger in the roaming profile of the running user.
func defaultLedgerPath() string {
	base := os.Getenv("APPDATA")
	if base == "" {
		base, _ = os.UserConfigDir()
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "cimiscan", "program_installer_log.json")
}

// applyDefaults fills values left empty or zero by a partial file.
func (c *Configuration) applyDefaults() {
	def := GetDefaultConfig()
	if len(c.CatalogPaths) == 0 {
		c.CatalogPaths = def.CatalogPaths
	}
	if c.LedgerPath == "" {
		c.LedgerPath = def.LedgerPath
	}
	if c.LogsPath == "" {
		c.LogsPath = def.LogsPath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.InstallerTimeoutMinutes < 0 {
		c.InstallerTimeoutMinutes = def.InstallerTimeoutMinutes
	}
	if c.MinFreeDiskMultiplier <= 0 {
		c.MinFreeDiskMultiplier = def.MinFreeDiskMultiplier
	}
	if c.GenericCommands == nil {
		c.GenericCommands = def.GenericCommands
	}
}

// LoadConfigFromCSP loads configuration from Windows CSP OMA-URI registry settings.
func LoadConfigFromCSP() (*Configuration, error) {
	cfg := GetDefaultConfig()
	if err := loadCSPFromRegistryPath(CSPRegistryPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load from CSP registry path: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// pkg/catalog/catalog.go - program definitions and detection settings.

package catalog

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// InstallerPathPlaceholder is substituted with the quoted installer path.
const InstallerPathPlaceholder = "{installer_path}"

// ExtensionClass is the installer kind derived from the file extension.
type ExtensionClass string

const (
	ExtExe ExtensionClass = "exe"
	ExtMsi ExtensionClass = "msi"
)

// ClassOf returns the extension class of path, or false when it is neither .exe nor .msi.
func ClassOf(path string) (ExtensionClass, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe":
		return ExtExe, true
	case ".msi":
		return ExtMsi, true
	default:
		return "", false
	}
}

// Mode selects how much UI an installer shows.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeSemiSilent Mode = "semiSilent"
	ModeManual     Mode = "manual"
)

// ParseMode accepts the canonical mode names and a few common spellings.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "silent":
		return ModeAuto, nil
	case "semisilent", "semi", "semi_silent", "passive":
		return ModeSemiSilent, nil
	case "manual", "interactive":
		return ModeManual, nil
	default:
		return "", fmt.Errorf("unknown install mode %q", s)
	}
}

// Hive is a registry root.
type Hive string

const (
	HKLM Hive = "HKLM"
	HKCU Hive = "HKCU"
)

// ParseHive accepts short and long hive names. Empty means HKLM.
func ParseHive(s string) (Hive, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "HKLM", "HKEY_LOCAL_MACHINE":
		return HKLM, nil
	case "HKCU", "HKEY_CURRENT_USER":
		return HKCU, nil
	default:
		return "", fmt.Errorf("unsupported hive %q", s)
	}
}

// View selects the 64-bit or 32-bit registry view.
type View int

const (
	View64 View = iota
	View32
)

func (v View) String() string {
	if v == View32 {
		return "32"
	}
	return "64"
}

// RuleKind is the pass/fail test a RegistryRule performs.
type RuleKind int

const (
	// RuleExistence passes when the key opens.
	RuleExistence RuleKind = iota + 1
	// RuleMatch passes when a string value matches a pattern.
	RuleMatch
)

func (k RuleKind) String() string {
	switch k {
	case RuleExistence:
		return "existence"
	case RuleMatch:
		return "match"
	default:
		return "invalid"
	}
}

// RegistryRule is one alternative installation footprint. Build it with
// ExistenceRule or MatchRule so Kind always agrees with the populated fields.
type RegistryRule struct {
	Kind           RuleKind
	Hive           Hive
	Path           string
	View           View
	MatchValueName string
	MatchPattern   *regexp.Regexp
	GetValueName   string
}

// ExistenceRule passes when hive\path exists.
func ExistenceRule(hive Hive, path string) RegistryRule {
	return RegistryRule{Kind: RuleExistence, Hive: hive, Path: path}
}

// MatchRule passes when valueName under hive\path matches pattern. The pattern
// is compiled case-insensitively and anchored at the start of the value.
func MatchRule(hive Hive, path, valueName, pattern string) (RegistryRule, error) {
	if valueName == "" {
		return RegistryRule{}, fmt.Errorf("match rule for %s needs a value name", path)
	}
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)`)
	if err != nil {
		return RegistryRule{}, fmt.Errorf("match rule for %s: %w", path, err)
	}
	return RegistryRule{Kind: RuleMatch, Hive: hive, Path: path, MatchValueName: valueName, MatchPattern: re}, nil
}

// WithValue returns a copy that reports valueName as the installed version.
func (r RegistryRule) WithValue(valueName string) RegistryRule {
	r.GetValueName = valueName
	return r
}

// InView returns a copy evaluated against the given registry view.
func (r RegistryRule) InView(v View) RegistryRule {
	r.View = v
	return r
}

// Validate reports rules whose fields disagree with their Kind.
func (r RegistryRule) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("registry rule has no path")
	}
	if r.Hive != HKLM && r.Hive != HKCU {
		return fmt.Errorf("registry rule %s has unsupported hive %q", r.Path, r.Hive)
	}
	switch r.Kind {
	case RuleExistence:
		if r.MatchValueName != "" || r.MatchPattern != nil {
			return fmt.Errorf("existence rule %s must not carry a match test", r.Path)
		}
	case RuleMatch:
		if r.MatchValueName == "" || r.MatchPattern == nil {
			return fmt.Errorf("match rule %s needs both a value name and a pattern", r.Path)
		}
	default:
		return fmt.Errorf("registry rule %s has no test", r.Path)
	}
	return nil
}

func (r RegistryRule) String() string {
	s := fmt.Sprintf("%s %s\\%s", r.Kind, r.Hive, r.Path)
	if r.View == View32 {
		s += " (32-bit)"
	}
	return s
}

// Identity lists the ways a file is recognized as a program's installer.
type Identity struct {
	ProductNames     []string
	Descriptions     []string
	FilenamePatterns []string
}

// ProgramDefinition describes one catalog title.
type ProgramDefinition struct {
	ID              string
	DisplayName     string
	Identity        Identity
	CheckRules      []RegistryRule
	InstallCommands map[ExtensionClass]map[Mode]string
	BlockingApps    []string
}

// Command returns the install command template for ext and mode.
func (p ProgramDefinition) Command(ext ExtensionClass, mode Mode) (string, bool) {
	modes, ok := p.InstallCommands[ext]
	if !ok {
		return "", false
	}
	tmpl, ok := modes[mode]
	return tmpl, ok && tmpl != ""
}

// DetectionSettings tunes scanning and heuristic scoring.
type DetectionSettings struct {
	ExcludeNameSubstrings     []string `yaml:"exclude_name_substrings"`
	ExcludePropertySubstrings []string `yaml:"exclude_property_substrings"`
	ExcludeUninstallerHints   []string `yaml:"exclude_uninstaller_hints"`
	MinFileSizeBytes          int64    `yaml:"min_file_size_bytes"`
	SubstantialSizeBytes      int64    `yaml:"substantial_size_bytes"`
	IgnoreDirNames            []string `yaml:"ignore_dirs"`
}

// DefaultDetectionSettings returns the built-in tuning.
func DefaultDetectionSettings() DetectionSettings {
	return DetectionSettings{
		ExcludeNameSubstrings: []string{
			"driver", "redist", "runtime", "package", "library", "component",
		},
		ExcludePropertySubstrings: []string{
			".net framework", "visual c++", "vcredist", "directx", "webview2",
			"redistributable", "runtime", "driver",
		},
		ExcludeUninstallerHints: []string{
			"uninstall", "uninst", "remove", "cleanup", "unins000",
		},
		MinFileSizeBytes:     512 * 1024,
		SubstantialSizeBytes: 10 * 1024 * 1024,
		IgnoreDirNames: []string{
			"$recycle.bin", "system volume information", "windows", "winsxs", "temp", "tmp",
			"node_modules", ".git", ".svn", "__pycache__", "cache",
		},
	}
}

// Validate rejects settings that cannot be applied.
func (d DetectionSettings) Validate() error {
	if d.MinFileSizeBytes < 0 {
		return fmt.Errorf("min_file_size_bytes must be >= 0, got %d", d.MinFileSizeBytes)
	}
	if d.SubstantialSizeBytes < 0 {
		return fmt.Errorf("substantial_size_bytes must be >= 0, got %d", d.SubstantialSizeBytes)
	}
	return nil
}

// Store is an immutable snapshot of the catalog. Programs keep their
// declaration order. Callers must treat returned definitions as read-only.
type Store struct {
	programs []ProgramDefinition
	index    map[string]int
	settings DetectionSettings
}

// NewStore validates programs and settings and builds a Store.
func NewStore(programs []ProgramDefinition, settings DetectionSettings) (*Store, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		programs: make([]ProgramDefinition, 0, len(programs)),
		index:    make(map[string]int, len(programs)),
		settings: settings,
	}
	for _, p := range programs {
		if err := validateProgram(p); err != nil {
			return nil, err
		}
		if _, dup := s.index[p.ID]; dup {
			return nil, fmt.Errorf("duplicate program id %q", p.ID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		s.index[p.ID] = len(s.programs)
		s.programs = append(s.programs, p)
	}
	return s, nil
}

func validateProgram(p ProgramDefinition) error {
	if p.ID == "" {
		return fmt.Errorf("program definition without id")
	}
	for _, pattern := range p.Identity.FilenamePatterns {
		if _, err := filepath.Match(strings.ToLower(pattern), ""); err != nil {
			return fmt.Errorf("program %s: bad filename pattern %q: %w", p.ID, pattern, err)
		}
	}
	for i, r := range p.CheckRules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("program %s: check rule %d: %w", p.ID, i, err)
		}
	}
	for ext, modes := range p.InstallCommands {
		if ext != ExtExe && ext != ExtMsi {
			return fmt.Errorf("program %s: unsupported installer class %q", p.ID, ext)
		}
		for mode, tmpl := range modes {
			if !strings.Contains(tmpl, InstallerPathPlaceholder) {
				return fmt.Errorf("program %s: %s/%s command lacks %s", p.ID, ext, mode, InstallerPathPlaceholder)
			}
		}
	}
	return nil
}

// Programs returns the definitions in declaration order.
func (s *Store) Programs() []ProgramDefinition {
	out := make([]ProgramDefinition, len(s.programs))
	copy(out, s.programs)
	return out
}

// Get looks up a definition by id.
func (s *Store) Get(id string) (ProgramDefinition, bool) {
	i, ok := s.index[id]
	if !ok {
		return ProgramDefinition{}, false
	}
	return s.programs[i], true
}

// Len returns the number of programs.
func (s *Store) Len() int { return len(s.programs) }

// Settings returns the detection settings.
func (s *Store) Settings() DetectionSettings { return s.settings }

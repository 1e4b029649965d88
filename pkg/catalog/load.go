// pkg/catalog/load.go - reading catalog files.
//
// A catalog file is YAML (JSON documents parse too):
//
//	detection:
//	  min_file_size_bytes: 524288
//	programs:
//	  demo_app:
//	    display_name: Demo App
//	    identity:
//	      filename_patterns: ["DEMO_*.exe"]
//	    check_rules:
//	      - hive: HKLM
//	        path: SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\DemoApp
//	        existence: true
//	    install_commands:
//	      exe:
//	        auto: "{installer_path} /S"
//
// Programs keep the order in which they are declared, across files.

package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/cimiscan/pkg/utils"
)

// LoadError reports a catalog that cannot be used. It is fatal for a pipeline run.
type LoadError struct {
	Path    string
	Program string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Program != "" {
		return fmt.Sprintf("catalog %s: program %s: %v", e.Path, e.Program, e.Err)
	}
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type fileDoc struct {
	Detection yaml.Node `yaml:"detection"`
	Programs  yaml.Node `yaml:"programs"`
}

type programDoc struct {
	DisplayName     string                       `yaml:"display_name"`
	Identity        identityDoc                  `yaml:"identity"`
	CheckRules      []ruleDoc                    `yaml:"check_rules"`
	InstallCommands map[string]map[string]string `yaml:"install_commands"`
	BlockingApps    []string                     `yaml:"blocking_apps"`
}

type identityDoc struct {
	ProductNames     []string `yaml:"product_names"`
	Descriptions     []string `yaml:"descriptions"`
	FilenamePatterns []string `yaml:"filename_patterns"`
}

type ruleDoc struct {
	Hive      string    `yaml:"hive"`
	Path      string    `yaml:"path"`
	View      string    `yaml:"view"`
	Existence bool      `yaml:"existence"`
	Match     *matchDoc `yaml:"match"`
	GetValue  string    `yaml:"get_value"`
}

type matchDoc struct {
	Value   string `yaml:"value"`
	Pattern string `yaml:"pattern"`
}

// LoadFiles reads each catalog file in order and builds one Store. The last
// file with a detection block sets the detection settings; fields it omits
// keep their defaults.
func LoadFiles(paths ...string) (*Store, error) {
	if len(paths) == 0 {
		return nil, &LoadError{Err: errors.New("no catalog files configured")}
	}
	var programs []ProgramDefinition
	settings := DefaultDetectionSettings()
	seen := make(map[string]string)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		progs, det, err := parse(path, data)
		if err != nil {
			return nil, err
		}
		for _, p := range progs {
			if prev, dup := seen[p.ID]; dup {
				return nil, &LoadError{Path: path, Program: p.ID, Err: fmt.Errorf("already declared in %s", prev)}
			}
			seen[p.ID] = path
		}
		programs = append(programs, progs...)
		if det != nil {
			settings = DefaultDetectionSettings()
			if err := det.Decode(&settings); err != nil {
				return nil, &LoadError{Path: path, Err: fmt.Errorf("detection: %w", err)}
			}
		}
	}

	store, err := NewStore(programs, settings)
	if err != nil {
		return nil, &LoadError{Path: strings.Join(paths, ","), Err: err}
	}
	return store, nil
}

// Parse builds a Store from a single in-memory document.
func Parse(name string, data []byte) (*Store, error) {
	progs, det, err := parse(name, data)
	if err != nil {
		return nil, err
	}
	settings := DefaultDetectionSettings()
	if det != nil {
		if err := det.Decode(&settings); err != nil {
			return nil, &LoadError{Path: name, Err: fmt.Errorf("detection: %w", err)}
		}
	}
	store, err := NewStore(progs, settings)
	if err != nil {
		return nil, &LoadError{Path: name, Err: err}
	}
	return store, nil
}

func parse(name string, data []byte) ([]ProgramDefinition, *yaml.Node, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, &LoadError{Path: name, Err: err}
	}

	var det *yaml.Node
	if doc.Detection.Kind != 0 {
		det = &doc.Detection
	}

	if doc.Programs.Kind == 0 {
		return nil, det, nil
	}
	if doc.Programs.Kind != yaml.MappingNode {
		return nil, nil, &LoadError{Path: name, Err: fmt.Errorf("programs must be a mapping (line %d)", doc.Programs.Line)}
	}

	var programs []ProgramDefinition
	content := doc.Programs.Content
	for i := 0; i+1 < len(content); i += 2 {
		id := strings.TrimSpace(content[i].Value)
		var pd programDoc
		if err := content[i+1].Decode(&pd); err != nil {
			return nil, nil, &LoadError{Path: name, Program: id, Err: err}
		}
		p, err := pd.build(id)
		if err != nil {
			return nil, nil, &LoadError{Path: name, Program: id, Err: err}
		}
		programs = append(programs, p)
	}
	return programs, det, nil
}

func (pd programDoc) build(id string) (ProgramDefinition, error) {
	p := ProgramDefinition{
		ID:          id,
		DisplayName: pd.DisplayName,
		Identity: Identity{
			ProductNames:     pd.Identity.ProductNames,
			Descriptions:     pd.Identity.Descriptions,
			FilenamePatterns: pd.Identity.FilenamePatterns,
		},
		BlockingApps: pd.BlockingApps,
	}

	for i, rd := range pd.CheckRules {
		r, err := rd.build()
		if err != nil {
			return p, fmt.Errorf("check rule %d: %w", i, err)
		}
		p.CheckRules = append(p.CheckRules, r)
	}

	if len(pd.InstallCommands) > 0 {
		p.InstallCommands = make(map[ExtensionClass]map[Mode]string, len(pd.InstallCommands))
		for ext, modes := range pd.InstallCommands {
			class := ExtensionClass(strings.ToLower(strings.TrimPrefix(ext, ".")))
			cmds := make(map[Mode]string, len(modes))
			for m, tmpl := range modes {
				mode, err := ParseMode(m)
				if err != nil {
					return p, fmt.Errorf("install_commands.%s: %w", ext, err)
				}
				cmds[mode] = tmpl
			}
			p.InstallCommands[class] = cmds
		}
	}
	return p, nil
}

func (rd ruleDoc) build() (RegistryRule, error) {
	hive, err := ParseHive(rd.Hive)
	if err != nil {
		return RegistryRule{}, err
	}
	path := utils.NormalizeRegistryPath(rd.Path)

	var r RegistryRule
	switch {
	case rd.Existence && rd.Match != nil:
		return r, fmt.Errorf("%s: existence and match are mutually exclusive", path)
	case rd.Existence:
		r = ExistenceRule(hive, path)
	case rd.Match != nil:
		r, err = MatchRule(hive, path, rd.Match.Value, rd.Match.Pattern)
		if err != nil {
			return r, err
		}
	default:
		return r, fmt.Errorf("%s: rule needs either existence: true or a match block", path)
	}

	switch strings.TrimSpace(rd.View) {
	case "", "64":
	case "32":
		r = r.InView(View32)
	default:
		return r, fmt.Errorf("%s: view must be 32 or 64, got %q", path, rd.View)
	}
	return r.WithValue(rd.GetValue), nil
}

// pkg/status/status.go - installation state of catalog programs from registry rules.

package status

import (
	"context"
	"errors"

	version "github.com/hashicorp/go-version"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// InstallationStatus is recomputed on every check and never cached.
type InstallationStatus struct {
	ProgramID       string `json:"program_id"`
	Installed       bool   `json:"installed"`
	Version         string `json:"version,omitempty"`
	UninstallString string `json:"uninstall_string,omitempty"`
	ProductCode     string `json:"product_code,omitempty"`
	// MatchedRule is the index of the first succeeding rule, or -1.
	MatchedRule int `json:"matched_rule"`
	// KeyPath is the key the first succeeding rule resolved to.
	KeyPath string `json:"key_path,omitempty"`
}

// Inspector evaluates check rules against a Registry.
type Inspector struct {
	reg Registry
}

// NewInspector returns an Inspector reading reg.
func NewInspector(reg Registry) *Inspector {
	return &Inspector{reg: reg}
}

type ruleOutcome struct {
	ok      bool
	keyPath string
	key     Key
}

// Check evaluates every rule of def in declared order. The program is
// installed when any rule succeeds; the version comes from the first
// succeeding rule whose value read is non-empty. Missing keys and permission
// failures fail only their rule. The returned error is non-nil only for a
// cancelled context or an *AccessError when every rule was denied.
func (in *Inspector) Check(ctx context.Context, def catalog.ProgramDefinition) (InstallationStatus, error) {
	st := InstallationStatus{ProgramID: def.ID, MatchedRule: -1}

	var denied AccessError
	for i, rule := range def.CheckRules {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		out, err := in.evaluate(rule)
		if err != nil {
			if errors.Is(err, ErrAccessDenied) {
				logging.Warn("Registry rule not readable, treating as failed",
					"program", def.ID, "rule", rule.String(), "error", err)
				denied.Rules = append(denied.Rules, rule.String())
				denied.Errs = append(denied.Errs, err)
			} else if !errors.Is(err, ErrNotExist) {
				logging.Warn("Registry rule failed", "program", def.ID, "rule", rule.String(), "error", err)
			}
			continue
		}
		if !out.ok {
			closeKey(out.key)
			continue
		}

		logging.Debug("Registry rule matched", "program", def.ID, "rule", rule.String(), "key", out.keyPath)
		if !st.Installed {
			st.Installed = true
			st.MatchedRule = i
			st.KeyPath = out.keyPath
			st.UninstallString = readString(out.key, "UninstallString")
			st.ProductCode = ProductCode(lastSegment(out.keyPath), st.UninstallString)
		}
		if st.Version == "" && rule.GetValueName != "" {
			st.Version = readString(out.key, rule.GetValueName)
		}
		closeKey(out.key)
	}

	if !st.Installed && len(def.CheckRules) > 0 && len(denied.Errs) == len(def.CheckRules) {
		denied.ProgramID = def.ID
		return st, &denied
	}
	return st, nil
}

// evaluate returns the open key the rule resolved to; the caller closes it.
func (in *Inspector) evaluate(rule catalog.RegistryRule) (ruleOutcome, error) {
	k, err := in.reg.OpenKey(rule.Hive, rule.View, rule.Path)
	if err != nil {
		return ruleOutcome{}, err
	}

	switch rule.Kind {
	case catalog.RuleExistence:
		return ruleOutcome{ok: true, keyPath: rule.Path, key: k}, nil

	case catalog.RuleMatch:
		if v, err := k.GetStringValue(rule.MatchValueName); err == nil {
			if rule.MatchPattern.MatchString(v) {
				return ruleOutcome{ok: true, keyPath: rule.Path, key: k}, nil
			}
		}
		// An Uninstall-style root: test each immediate subkey.
		defer k.Close()
		names, err := k.SubKeyNames()
		if err != nil {
			return ruleOutcome{}, err
		}
		for _, name := range names {
			path := joinPath(rule.Path, name)
			sub, err := in.reg.OpenKey(rule.Hive, rule.View, path)
			if err != nil {
				logging.Debug("Skipping unreadable subkey", "key", path, "error", err)
				continue
			}
			v, err := sub.GetStringValue(rule.MatchValueName)
			if err == nil && rule.MatchPattern.MatchString(v) {
				return ruleOutcome{ok: true, keyPath: path, key: sub}, nil
			}
			sub.Close()
		}
		return ruleOutcome{}, nil

	default:
		k.Close()
		return ruleOutcome{}, rule.Validate()
	}
}

func closeKey(k Key) {
	if k != nil {
		k.Close()
	}
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// Compare orders an installed version against an installer's version: -1 when
// installed is older, 0 when equal, 1 when newer. ok is false when either
// side does not parse.
func Compare(installed, candidate string) (cmp int, ok bool) {
	vi, errI := version.NewVersion(installed)
	vc, errC := version.NewVersion(candidate)
	if errI != nil || errC != nil {
		logging.Debug("Version parse error, skipping comparison",
			"installed", installed,
			"candidate", candidate,
			"errInstalled", errI,
			"errCandidate", errC,
		)
		return 0, false
	}
	return vi.Compare(vc), true
}

// IsOlderVersion reports whether local is strictly older than remote.
func IsOlderVersion(local, remote string) bool {
	cmp, ok := Compare(local, remote)
	return ok && cmp < 0
}

// pkg/identify/heuristics.go - scored signals for files the catalog does not know.

package identify

import (
	"path/filepath"
	"regexp"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
)

// DefaultThreshold is the minimum score of a Heuristic result.
const DefaultThreshold = 50

// Rule is one weighted signal. Rules are evaluated in order and every rule
// that applies adds its weight and reason.
type Rule struct {
	Name    string
	Weight  int
	Reason  string
	Applies func(Input) bool
}

// DefaultRules returns the built-in heuristic table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "substantial-size",
			Weight:  30,
			Reason:  "file size suggests a full installer",
			Applies: func(in Input) bool { return in.Candidate.SizeBytes > in.Settings.SubstantialSizeBytes },
		},
		{
			Name:    "has-metadata",
			Weight:  25,
			Reason:  "file carries product metadata",
			Applies: func(in Input) bool { return in.Metadata.ProductName != "" || in.Metadata.Description != "" },
		},
		{
			Name:    "version-token",
			Weight:  20,
			Reason:  "file name contains a version number",
			Applies: func(in Input) bool { return VersionToken(filepath.Base(in.Candidate.Path)) != "" },
		},
		{
			Name:    "no-exclusion-hint",
			Weight:  15,
			Reason:  "file name has no generic, dependency or uninstaller hint",
			Applies: func(in Input) bool { return !hasExclusionHint(filepath.Base(in.Candidate.Path), in.Settings) },
		},
		{
			Name:    "msi-package",
			Weight:  10,
			Reason:  "MSI package",
			Applies: func(in Input) bool { return in.Candidate.Class == catalog.ExtMsi },
		},
	}
}

// Score evaluates rules against in and clamps the total to [0, 100].
func Score(rules []Rule, in Input) (int, []string) {
	score := 0
	var reasons []string
	for _, r := range rules {
		if r.Applies(in) {
			score += r.Weight
			reasons = append(reasons, r.Reason)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

var versionTokenRe = regexp.MustCompile(`(?i)(?:^|[^0-9a-z])(v?\d+(?:[._]\d+)+|v\d+)(?:[^0-9]|$)`)

// VersionToken returns the first version-like token in a file name, or "".
func VersionToken(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, m := range versionTokenRe.FindAllStringSubmatch(stem, -1) {
		token := strings.ReplaceAll(m[1], "_", ".")
		if _, err := version.NewVersion(token); err == nil {
			return m[1]
		}
	}
	return ""
}

func hasExclusionHint(name string, settings catalog.DetectionSettings) bool {
	lower := strings.ToLower(name)
	for _, set := range [][]string{settings.ExcludeNameSubstrings, settings.ExcludePropertySubstrings, settings.ExcludeUninstallerHints} {
		for _, hint := range set {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				return true
			}
		}
	}
	return false
}

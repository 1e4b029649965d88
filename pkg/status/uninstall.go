// pkg/status/uninstall.go - Uninstall registry entries and MSI product codes.

package status

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/utils"
)

// UninstallRoot is the canonical parent of per-product uninstall keys.
const UninstallRoot = `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`

var guidRe = regexp.MustCompile(`\{[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}\}`)

// NormalizeProductCode returns s as an upper-case braced GUID, or "" when s is not a GUID.
func NormalizeProductCode(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return ""
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return ""
	}
	return "{" + strings.ToUpper(id.String()) + "}"
}

// ProductCode derives an MSI product code from an uninstall key name (MSI
// products register under their GUID) or an msiexec uninstall string.
func ProductCode(keyName, uninstallString string) string {
	if code := NormalizeProductCode(keyName); code != "" {
		return code
	}
	if !strings.Contains(strings.ToLower(uninstallString), "msiexec") {
		return ""
	}
	return NormalizeProductCode(guidRe.FindString(uninstallString))
}

// UninstallEntry is one product under an Uninstall root.
type UninstallEntry struct {
	Hive            catalog.Hive
	View            catalog.View
	KeyPath         string
	DisplayName     string
	DisplayVersion  string
	UninstallString string
	InstallLocation string
	ProductCode     string
	Score           int
}

type uninstallRoot struct {
	hive catalog.Hive
	view catalog.View
}

var uninstallRoots = []uninstallRoot{
	{catalog.HKLM, catalog.View64},
	{catalog.HKLM, catalog.View32},
	{catalog.HKCU, catalog.View64},
}

// FindUninstallEntry scores every entry under the Uninstall roots against a
// display name and the directory the installer ran from: +5 when either name
// contains the other, +3 when InstallLocation equals installerDir, and +2 more
// when both hold. Entries without DisplayName or UninstallString are skipped.
// It returns false when nothing scores.
func (in *Inspector) FindUninstallEntry(ctx context.Context, displayName, installerDir string) (UninstallEntry, bool) {
	nameHint := strings.ToLower(strings.TrimSpace(displayName))

	var best UninstallEntry
	for _, root := range uninstallRoots {
		if ctx.Err() != nil {
			break
		}
		k, err := in.reg.OpenKey(root.hive, root.view, UninstallRoot)
		if err != nil {
			logging.Debug("Uninstall root not readable", "hive", root.hive, "view", root.view.String(), "error", err)
			continue
		}
		names, err := k.SubKeyNames()
		k.Close()
		if err != nil {
			logging.Warn("Unable to list uninstall entries", "hive", root.hive, "error", err)
			continue
		}

		for _, name := range names {
			path := joinPath(UninstallRoot, name)
			sub, err := in.reg.OpenKey(root.hive, root.view, path)
			if err != nil {
				continue
			}
			e := UninstallEntry{
				Hive:            root.hive,
				View:            root.view,
				KeyPath:         path,
				DisplayName:     readString(sub, "DisplayName"),
				DisplayVersion:  readString(sub, "DisplayVersion"),
				UninstallString: readString(sub, "UninstallString"),
				InstallLocation: readString(sub, "InstallLocation"),
			}
			sub.Close()
			if e.DisplayName == "" || e.UninstallString == "" {
				continue
			}
			e.ProductCode = ProductCode(name, e.UninstallString)
			e.Score = scoreEntry(e, nameHint, installerDir)
			if e.Score > best.Score {
				best = e
			}
		}
	}

	if best.Score == 0 {
		return UninstallEntry{}, false
	}
	logging.Info("Found uninstall entry", "displayName", best.DisplayName, "key", best.KeyPath, "score", best.Score)
	return best, true
}

func scoreEntry(e UninstallEntry, nameHint, installerDir string) int {
	score := 0
	dn := strings.ToLower(e.DisplayName)
	nameMatch := nameHint != "" && (strings.Contains(dn, nameHint) || strings.Contains(nameHint, dn))
	dirMatch := utils.SameDir(e.InstallLocation, installerDir)
	if nameMatch {
		score += 5
	}
	if dirMatch {
		score += 3
	}
	if nameMatch && dirMatch {
		score += 2
	}
	return score
}

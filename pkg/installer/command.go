// pkg/installer/command.go - command lines built from catalog templates.

package installer

import (
	"os"
	"strings"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
)

// BuildCommand substitutes the installer path into tmpl. The path is always
// quoted; a placeholder the template already quotes is not quoted twice.
func BuildCommand(tmpl, installerPath string) string {
	quoted := `"` + installerPath + `"`
	line := strings.ReplaceAll(tmpl, `"`+catalog.InstallerPathPlaceholder+`"`, quoted)
	return strings.ReplaceAll(line, catalog.InstallerPathPlaceholder, quoted)
}

// ManualTemplate launches an installer with no switches.
func ManualTemplate(class catalog.ExtensionClass) string {
	if class == catalog.ExtMsi {
		return `msiexec /i "` + catalog.InstallerPathPlaceholder + `"`
	}
	return catalog.InstallerPathPlaceholder
}

// MsiUninstallCommand is the unattended uninstall of an MSI product.
func MsiUninstallCommand(productCode string) string {
	return "msiexec /x " + productCode + " /qn /norestart"
}

// SplitExecutable returns the program of a command line and the rest of it.
// A leading quoted token may contain spaces.
func SplitExecutable(line string) (exe, args string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, `"`) {
		if end := strings.Index(line[1:], `"`); end >= 0 {
			return line[1 : end+1], strings.TrimSpace(line[end+2:])
		}
		return strings.Trim(line, `"`), ""
	}
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

// ResolveExecutable finds the program of a command line the way CreateProcess
// does. An unquoted line is cut at each space in turn, shortest first, and
// the first prefix naming an existing file (with or without .exe) is the
// program. Quoted lines and lines with no such prefix fall back to
// SplitExecutable.
func ResolveExecutable(line string, isFile func(path string) bool) (exe, args string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, `"`) || !strings.ContainsAny(line, " \t") {
		return SplitExecutable(line)
	}
	for i := 0; i < len(line); i++ {
		if line[i] != ' ' && line[i] != '\t' {
			continue
		}
		prefix := line[:i]
		switch {
		case isFile(prefix):
			return prefix, strings.TrimSpace(line[i+1:])
		case !strings.HasSuffix(strings.ToLower(prefix), ".exe") && isFile(prefix+".exe"):
			return prefix + ".exe", strings.TrimSpace(line[i+1:])
		}
	}
	if isFile(line) {
		return line, ""
	}
	return SplitExecutable(line)
}

// isRegularFile reports whether path exists and is not a directory.
func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

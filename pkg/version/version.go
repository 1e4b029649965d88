// pkg/version/version.go - functions for displaying version information about a Go application.

package version

import (
	"fmt"
	"io"
	"runtime"
)

// These values are private which ensures they can only be set with the build flags.
var (
	version   = "unknown"
	branch    = "unknown"
	revision  = "unknown"
	goVersion = ""
	buildDate = "unknown"
	appName   = "cimiscan"
)

// Info is a structure with version build information about the current application.
type Info struct {
	AppName   string `json:"app_name"`
	Version   string `json:"version"`
	Branch    string `json:"branch"`
	Revision  string `json:"revision"`
	GoVersion string `json:"go_version"`
	BuildDate string `json:"build_date"`
}

// Version returns a structure with the current version information.
func Version() Info {
	gv := goVersion
	if gv == "" {
		gv = runtime.Version()
	}
	return Info{
		AppName:   appName,
		Version:   version,
		Branch:    branch,
		Revision:  revision,
		GoVersion: gv,
		BuildDate: buildDate,
	}
}

func (i Info) String() string {
	return i.AppName + " " + i.Version
}

// Print writes the application name and version string.
func Print(w io.Writer) {
	fmt.Fprintln(w, Version())
}

// PrintFull writes the application name and detailed version information.
func PrintFull(w io.Writer) {
	v := Version()
	fmt.Fprintln(w, v)
	fmt.Fprintf(w, "  branch: \t%s\n", v.Branch)
	fmt.Fprintf(w, "  revision: \t%s\n", v.Revision)
	fmt.Fprintf(w, "  build date: \t%s\n", v.BuildDate)
	fmt.Fprintf(w, "  go version: \t%s\n", v.GoVersion)
}

// pkg/reporting/facts.go - host facts recorded with every run.

package reporting

import (
	"os"
	"runtime"
)

// HostFacts describes the machine a run happened on.
type HostFacts struct {
	Hostname     string
	OSCaption    string
	OSVersion    string
	Architecture string
	Manufacturer string
	Model        string
	Domain       string
}

// CollectFacts gathers host facts. Missing values are left empty; it never fails.
func CollectFacts() HostFacts {
	hostname, _ := os.Hostname()
	f := HostFacts{Hostname: hostname, Architecture: runtime.GOARCH}
	collectPlatformFacts(&f)
	return f
}

//go:build !windows

package reporting

import "runtime"

func collectPlatformFacts(f *HostFacts) {
	f.OSCaption = runtime.GOOS
}

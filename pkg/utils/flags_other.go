//go:build !windows

package utils

// PatchWindowsArgs leaves os.Args untouched outside Windows.
func PatchWindowsArgs() {}

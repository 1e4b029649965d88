//go:build windows

package reporting

import (
	"github.com/yusufpapurcu/wmi"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

type Win32_OperatingSystem struct {
	Caption        string `wmi:"Caption"`
	Version        string `wmi:"Version"`
	OSArchitecture string `wmi:"OSArchitecture"`
}

type Win32_ComputerSystem struct {
	Domain       string `wmi:"Domain"`
	Model        string `wmi:"Model"`
	Manufacturer string `wmi:"Manufacturer"`
}

func collectPlatformFacts(f *HostFacts) {
	var oses []Win32_OperatingSystem
	if err := wmi.Query("SELECT Caption, Version, OSArchitecture FROM Win32_OperatingSystem", &oses); err != nil {
		logging.Warn("Failed to query operating system information", "error", err)
	} else if len(oses) > 0 {
		f.OSCaption = oses[0].Caption
		f.OSVersion = oses[0].Version
		if oses[0].OSArchitecture != "" {
			f.Architecture = oses[0].OSArchitecture
		}
	}

	var systems []Win32_ComputerSystem
	if err := wmi.Query("SELECT Domain, Model, Manufacturer FROM Win32_ComputerSystem", &systems); err != nil {
		logging.Warn("Failed to query computer system information", "error", err)
	} else if len(systems) > 0 {
		f.Domain = systems[0].Domain
		f.Model = systems[0].Model
		f.Manufacturer = systems[0].Manufacturer
	}
}

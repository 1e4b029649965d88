//go:build windows

package extract

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// VSFixedFileInfo mirrors VS_FIXEDFILEINFO.
type VSFixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateMS       uint32
	FileDateLS       uint32
}

// Language/codepage blocks tried when the resource has no translation table.
var fallbackTranslations = []string{"040904b0", "040904e4", "000004b0"}

// exeMetadata reads ProductName, FileDescription, ProductVersion and
// CompanyName from the version resource of an executable.
func exeMetadata(path string) (FileMetadata, error) {
	size, err := windows.GetFileVersionInfoSize(path, nil)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("GetFileVersionInfoSize: %w", err)
	}
	if size == 0 {
		return FileMetadata{}, fmt.Errorf("no version resource")
	}
	info := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&info[0])); err != nil {
		return FileMetadata{}, fmt.Errorf("GetFileVersionInfo: %w", err)
	}

	var md FileMetadata
	for _, lc := range translations(info) {
		md.ProductName = stringValue(info, lc, "ProductName")
		md.Description = stringValue(info, lc, "FileDescription")
		md.Version = stringValue(info, lc, "ProductVersion")
		md.Manufacturer = stringValue(info, lc, "CompanyName")
		if md.ProductName != "" || md.Description != "" {
			break
		}
	}
	if md.Version == "" {
		md.Version = fixedProductVersion(info)
	}
	return md, nil
}

func translations(info []byte) []string {
	var ptr unsafe.Pointer
	var n uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&info[0]), `\VarFileInfo\Translation`, unsafe.Pointer(&ptr), &n); err != nil || n < 4 {
		return fallbackTranslations
	}
	pairs := unsafe.Slice((*uint16)(ptr), n/2)
	out := make([]string, 0, len(pairs)/2+len(fallbackTranslations))
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, fmt.Sprintf("%04x%04x", pairs[i], pairs[i+1]))
	}
	return append(out, fallbackTranslations...)
}

func stringValue(info []byte, langCodepage, name string) string {
	var ptr unsafe.Pointer
	var n uint32
	sub := `\StringFileInfo\` + langCodepage + `\` + name
	if err := windows.VerQueryValue(unsafe.Pointer(&info[0]), sub, unsafe.Pointer(&ptr), &n); err != nil || n == 0 || ptr == nil {
		return ""
	}
	return windows.UTF16PtrToString((*uint16)(ptr))
}

func fixedProductVersion(info []byte) string {
	var ptr unsafe.Pointer
	var n uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&info[0]), `\`, unsafe.Pointer(&ptr), &n); err != nil || n == 0 {
		return ""
	}
	fixed := (*VSFixedFileInfo)(ptr)
	if fixed.ProductVersionMS == 0 && fixed.ProductVersionLS == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d",
		fixed.ProductVersionMS>>16, fixed.ProductVersionMS&0xffff,
		fixed.ProductVersionLS>>16, fixed.ProductVersionLS&0xffff)
}

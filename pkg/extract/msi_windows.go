//go:build windows

package extract

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

const (
	msiOpenDatabaseModeReadOnly = 0
	pidComments                 = 6
	sFalse                      = 0x1
)

// msiMetadata opens the package read-only through the WindowsInstaller.Installer
// automation object and reads its Property table.
func msiMetadata(path string) (FileMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		return FileMetadata{}, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return FileMetadata{}, fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WindowsInstaller.Installer")
	if err != nil {
		return FileMetadata{}, fmt.Errorf("creating WindowsInstaller.Installer: %w", err)
	}
	defer unknown.Release()
	installer, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return FileMetadata{}, err
	}
	defer installer.Release()

	dbVar, err := oleutil.CallMethod(installer, "OpenDatabase", path, msiOpenDatabaseModeReadOnly)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("OpenDatabase: %w", err)
	}
	db := dbVar.ToIDispatch()
	if db == nil {
		return FileMetadata{}, errors.New("OpenDatabase returned no database")
	}
	defer db.Release()

	props, err := readProperties(db)
	if err != nil {
		return FileMetadata{}, err
	}

	md := FileMetadata{
		ProductName:  props["ProductName"],
		Version:      props["ProductVersion"],
		ProductCode:  props["ProductCode"],
		Manufacturer: props["Manufacturer"],
		Description:  props["ARPCOMMENTS"],
	}
	if md.Description == "" {
		md.Description = summaryComments(db)
	}
	return md, nil
}

func readProperties(db *ole.IDispatch) (map[string]string, error) {
	viewVar, err := oleutil.CallMethod(db, "OpenView", "SELECT `Property`, `Value` FROM `Property`")
	if err != nil {
		return nil, fmt.Errorf("OpenView: %w", err)
	}
	view := viewVar.ToIDispatch()
	if view == nil {
		return nil, errors.New("OpenView returned no view")
	}
	defer view.Release()

	if _, err := oleutil.CallMethod(view, "Execute"); err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	defer oleutil.CallMethod(view, "Close")

	props := make(map[string]string)
	for {
		recVar, err := oleutil.CallMethod(view, "Fetch")
		if err != nil {
			return nil, fmt.Errorf("Fetch: %w", err)
		}
		rec := recVar.ToIDispatch()
		if rec == nil {
			break
		}
		name, nameErr := oleutil.GetProperty(rec, "StringData", 1)
		value, valueErr := oleutil.GetProperty(rec, "StringData", 2)
		if nameErr == nil && valueErr == nil {
			props[name.ToString()] = value.ToString()
		}
		rec.Release()
	}
	return props, nil
}

func summaryComments(db *ole.IDispatch) string {
	siVar, err := oleutil.GetProperty(db, "SummaryInformation", 0)
	if err != nil {
		return ""
	}
	si := siVar.ToIDispatch()
	if si == nil {
		return ""
	}
	defer si.Release()
	v, err := oleutil.GetProperty(si, "Property", pidComments)
	if err != nil {
		return ""
	}
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

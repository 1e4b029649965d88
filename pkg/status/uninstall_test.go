package status_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/status"
	"github.com/windowsadmins/cimiscan/pkg/testutil"
)

func TestProductCode(t *testing.T) {
	cases := []struct {
		key, uninstall, want string
	}{
		{"{23170F69-40C1-2702-2301-000001000000}", "", "{23170F69-40C1-2702-2301-000001000000}"},
		{"{23170f69-40c1-2702-2301-000001000000}", "", "{23170F69-40C1-2702-2301-000001000000}"},
		{"7-Zip", `MsiExec.exe /I{23170F69-40C1-2702-2301-000001000000}`, "{23170F69-40C1-2702-2301-000001000000}"},
		{"7-Zip", `msiexec /x {23170F69-40C1-2702-2301-000001000000} /qn`, "{23170F69-40C1-2702-2301-000001000000}"},
		{"7-Zip", `"C:\Program Files\7-Zip\Uninstall.exe" {23170F69-40C1-2702-2301-000001000000}`, ""},
		{"7-Zip", `"C:\Program Files\7-Zip\Uninstall.exe"`, ""},
		{"{not-a-guid}", "", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.ProductCode(tc.key, tc.uninstall), "%s / %s", tc.key, tc.uninstall)
	}
}

func addEntry(reg *testutil.Registry, hive catalog.Hive, view catalog.View, name string, values map[string]string) {
	reg.AddKey(hive, view, status.UninstallRoot+`\`+name, values)
}

func TestFindUninstallEntryPrefersNameAndLocation(t *testing.T) {
	reg := testutil.NewRegistry()
	addEntry(reg, catalog.HKLM, catalog.View64, "DemoApp", map[string]string{
		"DisplayName":     "Demo App",
		"UninstallString": `"C:\Program Files\Demo\uninst.exe"`,
	})
	addEntry(reg, catalog.HKLM, catalog.View32, "DemoApp2", map[string]string{
		"DisplayName":     "Demo App Tools",
		"UninstallString": `"C:\Downloads\uninst.exe"`,
		"InstallLocation": `C:\Downloads\`,
	})
	addEntry(reg, catalog.HKCU, catalog.View64, "NoUninstall", map[string]string{
		"DisplayName": "Demo App",
	})
	in := status.NewInspector(reg)

	e, ok := in.FindUninstallEntry(context.Background(), "Demo App", `C:\Downloads`)
	require.True(t, ok)
	assert.Equal(t, "Demo App Tools", e.DisplayName)
	assert.Equal(t, 10, e.Score)
	assert.Equal(t, catalog.View32, e.View)
}

func TestFindUninstallEntryNameOnly(t *testing.T) {
	reg := testutil.NewRegistry()
	addEntry(reg, catalog.HKCU, catalog.View64, "{11111111-2222-3333-4444-555555555555}", map[string]string{
		"DisplayName":     "Tool",
		"UninstallString": `MsiExec.exe /X{11111111-2222-3333-4444-555555555555}`,
	})
	in := status.NewInspector(reg)

	e, ok := in.FindUninstallEntry(context.Background(), "Tool Suite", "")
	require.True(t, ok)
	assert.Equal(t, 5, e.Score)
	assert.Equal(t, "{11111111-2222-3333-4444-555555555555}", e.ProductCode)
	assert.Equal(t, catalog.HKCU, e.Hive)
}

func TestFindUninstallEntryNothingScores(t *testing.T) {
	reg := testutil.NewRegistry()
	addEntry(reg, catalog.HKLM, catalog.View64, "Other", map[string]string{
		"DisplayName":     "Something Else",
		"UninstallString": "x.exe",
	})
	in := status.NewInspector(reg)

	_, ok := in.FindUninstallEntry(context.Background(), "Demo App", "")
	assert.False(t, ok)
}

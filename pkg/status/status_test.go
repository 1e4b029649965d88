package status_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/status"
	"github.com/windowsadmins/cimiscan/pkg/testutil"
)

const demoKey = status.UninstallRoot + `\DemoApp`

func matchRule(t *testing.T, hive catalog.Hive, path, value, pattern string) catalog.RegistryRule {
	t.Helper()
	r, err := catalog.MatchRule(hive, path, value, pattern)
	require.NoError(t, err)
	return r
}

func TestExistenceRuleFlipsWhenKeyAppears(t *testing.T) {
	reg := testutil.NewRegistry()
	in := status.NewInspector(reg)
	def := catalog.ProgramDefinition{
		ID:         "demo_app",
		CheckRules: []catalog.RegistryRule{catalog.ExistenceRule(catalog.HKLM, demoKey)},
	}

	st, err := in.Check(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, st.Installed)
	assert.Equal(t, -1, st.MatchedRule)

	reg.AddKey(catalog.HKLM, catalog.View64, demoKey, map[string]string{"UninstallString": `"C:\Demo\uninst.exe" /S`})

	st, err = in.Check(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, 0, st.MatchedRule)
	assert.Equal(t, `"C:\Demo\uninst.exe" /S`, st.UninstallString)
	assert.Empty(t, st.ProductCode)
}

func TestHivesAreNotInterchangeable(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKCU, catalog.View64, demoKey, nil)
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID:         "demo_app",
		CheckRules: []catalog.RegistryRule{catalog.ExistenceRule(catalog.HKLM, demoKey)},
	})
	require.NoError(t, err)
	assert.False(t, st.Installed)
}

func TestViewsAreNotInterchangeable(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKLM, catalog.View32, demoKey, nil)
	in := status.NewInspector(reg)

	rule := catalog.ExistenceRule(catalog.HKLM, demoKey)
	st, _ := in.Check(context.Background(), catalog.ProgramDefinition{ID: "a", CheckRules: []catalog.RegistryRule{rule}})
	assert.False(t, st.Installed)

	st, _ = in.Check(context.Background(), catalog.ProgramDefinition{ID: "a", CheckRules: []catalog.RegistryRule{rule.InView(catalog.View32)}})
	assert.True(t, st.Installed)
}

func TestMatchRuleOnKeyItself(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKLM, catalog.View64, `SOFTWARE\Vendor\Tool`, map[string]string{"Edition": "Professional 2024", "Version": "4.1"})
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID: "tool",
		CheckRules: []catalog.RegistryRule{
			matchRule(t, catalog.HKLM, `SOFTWARE\Vendor\Tool`, "Edition", "professional").WithValue("Version"),
		},
	})
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, "4.1", st.Version)
	assert.Equal(t, `SOFTWARE\Vendor\Tool`, st.KeyPath)
}

func TestMatchRulePatternIsAnchored(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKLM, catalog.View64, `SOFTWARE\Vendor\Tool`, map[string]string{"Edition": "Not Professional"})
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID:         "tool",
		CheckRules: []catalog.RegistryRule{matchRule(t, catalog.HKLM, `SOFTWARE\Vendor\Tool`, "Edition", "professional")},
	})
	require.NoError(t, err)
	assert.False(t, st.Installed)
}

func TestMatchRuleScansUninstallSubkeys(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKLM, catalog.View64, status.UninstallRoot+`\Other`, map[string]string{"DisplayName": "Other App"})
	reg.AddKey(catalog.HKLM, catalog.View64, status.UninstallRoot+`\{6f8b2a1c-1111-4222-8333-944455556666}`, map[string]string{
		"DisplayName":     "Petrel 2023",
		"DisplayVersion":  "2023.4",
		"UninstallString": `MsiExec.exe /X{6F8B2A1C-1111-4222-8333-944455556666}`,
	})
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID: "petrel",
		CheckRules: []catalog.RegistryRule{
			matchRule(t, catalog.HKLM, status.UninstallRoot, "DisplayName", `Petrel.*`).WithValue("DisplayVersion"),
		},
	})
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, "2023.4", st.Version)
	assert.Equal(t, "{6F8B2A1C-1111-4222-8333-944455556666}", st.ProductCode)
	assert.Contains(t, st.KeyPath, "{6f8b2a1c")
}

func TestVersionFromFirstSucceedingRuleWithValue(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.AddKey(catalog.HKLM, catalog.View64, `SOFTWARE\A`, map[string]string{"Version": ""})
	reg.AddKey(catalog.HKLM, catalog.View32, `SOFTWARE\A`, map[string]string{"Version": "2.0"})
	reg.AddKey(catalog.HKCU, catalog.View64, `SOFTWARE\A`, map[string]string{"Version": "3.0"})
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID: "a",
		CheckRules: []catalog.RegistryRule{
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\Missing`).WithValue("Version"),
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\A`).WithValue("Version"),
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\A`).InView(catalog.View32).WithValue("Version"),
			catalog.ExistenceRule(catalog.HKCU, `SOFTWARE\A`).WithValue("Version"),
		},
	})
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, 1, st.MatchedRule)
	assert.Equal(t, "2.0", st.Version)
}

func TestAccessDeniedIsRuleFailure(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.Deny(catalog.HKLM, catalog.View64, `SOFTWARE\Locked`)
	reg.AddKey(catalog.HKCU, catalog.View64, `SOFTWARE\Open`, nil)
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID: "a",
		CheckRules: []catalog.RegistryRule{
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\Locked`),
			catalog.ExistenceRule(catalog.HKCU, `SOFTWARE\Open`),
		},
	})
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.Equal(t, 1, st.MatchedRule)
}

func TestAccessDeniedOnEveryRuleIsAggregated(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.Deny(catalog.HKLM, catalog.View64, `SOFTWARE\One`)
	reg.Deny(catalog.HKLM, catalog.View64, `SOFTWARE\Two`)
	in := status.NewInspector(reg)

	st, err := in.Check(context.Background(), catalog.ProgramDefinition{
		ID: "locked",
		CheckRules: []catalog.RegistryRule{
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\One`),
			catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\Two`),
		},
	})
	assert.False(t, st.Installed)

	var accessErr *status.AccessError
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "locked", accessErr.ProgramID)
	assert.Len(t, accessErr.Rules, 2)
	assert.ErrorIs(t, err, status.ErrAccessDenied)
}

func TestCheckHonoursCancellation(t *testing.T) {
	reg := testutil.NewRegistry()
	in := status.NewInspector(reg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.Check(ctx, catalog.ProgramDefinition{
		ID:         "a",
		CheckRules: []catalog.RegistryRule{catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\A`)},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, reg.Opens())
}

func TestNoRulesMeansNotInstalled(t *testing.T) {
	in := status.NewInspector(testutil.NewRegistry())
	st, err := in.Check(context.Background(), catalog.ProgramDefinition{ID: "a"})
	require.NoError(t, err)
	assert.False(t, st.Installed)
}

func TestCompare(t *testing.T) {
	cmp, ok := status.Compare("1.2.0", "1.10")
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = status.Compare("2.0", "2.0.0")
	assert.True(t, ok)
	assert.Equal(t, 0, cmp)

	_, ok = status.Compare("latest", "1.0")
	assert.False(t, ok)

	assert.True(t, status.IsOlderVersion("1.0", "1.0.1"))
	assert.False(t, status.IsOlderVersion("garbage", "1.0"))
}

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/installer"
)

func TestVerifyInstaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Demo Setup.exe")
	data := []byte("MZ demo installer")
	require.NoError(t, os.WriteFile(path, data, 0644))
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	assert.NoError(t, verifyInstaller(path, ""))
	assert.NoError(t, verifyInstaller(path, digest))
	assert.NoError(t, verifyInstaller(path, strings.ToUpper(digest)))
	assert.Error(t, verifyInstaller(path, strings.Repeat("0", 64)))
	assert.Error(t, verifyInstaller(filepath.Join(t.TempDir(), "missing.exe"), digest))
}

func TestUninstallTargetFallsBackToLedgerOnly(t *testing.T) {
	rule := catalog.ExistenceRule(catalog.HKLM, `SOFTWARE\Demo`)
	store, err := catalog.NewStore([]catalog.ProgramDefinition{
		{ID: "demo_app", CheckRules: []catalog.RegistryRule{rule}},
	}, catalog.DefaultDetectionSettings())
	require.NoError(t, err)

	def, known := uninstallTarget(store, "demo_app")
	assert.True(t, known)
	assert.Len(t, def.CheckRules, 1)

	def, known = uninstallTarget(store, "retired_tool")
	assert.False(t, known)
	assert.Equal(t, "retired_tool", def.ID)
	assert.Empty(t, def.CheckRules)
}

func TestFailedCountsLostLedgerUpdates(t *testing.T) {
	lost := errors.New("recording install: disk full")
	cases := []struct {
		name string
		res  installer.Result
		want bool
	}{
		{"succeeded", installer.Result{State: installer.StateSucceeded}, false},
		{"reboot", installer.Result{State: installer.StateSucceededRebootRequired}, false},
		{"succeeded without ledger", installer.Result{State: installer.StateSucceeded, Err: lost}, true},
		{"reboot without ledger", installer.Result{State: installer.StateSucceededRebootRequired, Err: lost}, true},
		{"unverified", installer.Result{State: installer.StateInstalledButUnverified}, false},
		{"launched", installer.Result{State: installer.StateLaunched}, false},
		{"failed", installer.Result{State: installer.StateFailed, Err: lost}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, failed(tc.res))
		})
	}
}

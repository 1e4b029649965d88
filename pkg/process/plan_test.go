package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/identify"
	"github.com/windowsadmins/cimiscan/pkg/process"
	"github.com/windowsadmins/cimiscan/pkg/scan"
	"github.com/windowsadmins/cimiscan/pkg/status"
)

func item(path, program, ver string) process.ScanItem {
	kind := identify.Configured
	if program == "" {
		kind = identify.Heuristic
	}
	return process.ScanItem{
		Candidate: scan.CandidateFile{Path: path, Class: catalog.ExtExe},
		Metadata:  extract.FileMetadata{Version: ver},
		Result:    identify.Result{Kind: kind, ProgramID: program},
	}
}

func planStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.NewStore([]catalog.ProgramDefinition{{ID: "a"}, {ID: "b"}}, catalog.DefaultDetectionSettings())
	require.NoError(t, err)
	return store
}

func TestPlanPicksNewestInstallerPerProgram(t *testing.T) {
	rep := process.ScanReport{Items: []process.ScanItem{
		item(`C:\dl\b.exe`, "b", ""),
		item(`C:\dl\a_1.0.exe`, "a", "1.0"),
		item(`C:\dl\a_2.0.exe`, "a", "2.0"),
		item(`C:\dl\a_1.5.exe`, "a", "1.5"),
		item(`C:\dl\setup.exe`, "", ""),
	}}

	jobs := process.PlanInstalls(rep, planStore(t), process.PlanOptions{Mode: catalog.ModeAuto})
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Request.Program.ID)
	assert.Equal(t, `C:\dl\a_2.0.exe`, jobs[0].Request.InstallerPath)
	assert.Equal(t, "b", jobs[1].Request.Program.ID)

	jobs = process.PlanInstalls(rep, planStore(t), process.PlanOptions{
		Mode:      catalog.ModeAuto,
		Match:     func(id string) bool { return id == "b" },
		Heuristic: true,
	})
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].Request.Program.ID)
	assert.True(t, jobs[1].Heuristic)
	assert.Equal(t, `C:\dl\setup.exe`, jobs[1].Request.InstallerPath)
}

func TestSkipInstalledKeepsUpgrades(t *testing.T) {
	store := planStore(t)
	a, _ := store.Get("a")
	b, _ := store.Get("b")
	jobs := []process.Job{
		{Request: process.ScanItemRequest(item(`C:\dl\a.exe`, "a", "2.0"), a, catalog.ModeAuto)},
		{Request: process.ScanItemRequest(item(`C:\dl\b.exe`, "b", "1.0"), b, catalog.ModeAuto)},
	}
	checks := []process.CheckResult{
		{Program: a, Status: status.InstallationStatus{ProgramID: "a", Installed: true, Version: "1.0"}},
		{Program: b, Status: status.InstallationStatus{ProgramID: "b", Installed: true, Version: "1.0"}},
	}

	keep, skipped := process.SkipInstalled(jobs, checks)
	require.Len(t, keep, 1)
	assert.Equal(t, "a", keep[0].Request.Program.ID)
	assert.Equal(t, []string{"b"}, skipped)
}

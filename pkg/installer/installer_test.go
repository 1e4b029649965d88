package installer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/config"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/ledger"
	"github.com/windowsadmins/cimiscan/pkg/preflight"
	"github.com/windowsadmins/cimiscan/pkg/status"
	"github.com/windowsadmins/cimiscan/pkg/testutil"
)

const (
	demoKey  = status.UninstallRoot + `\DemoApp`
	toolCode = "{23170F69-40C1-2702-2301-000001000000}"
)

type fixture struct {
	reg    *testutil.Registry
	runner *testutil.Runner
	ledger *ledger.Ledger
	exec   *installer.Executor
	dir    string

	mu          sync.Mutex
	transitions []installer.State
}

func newFixture(t *testing.T, opts ...installer.Option) *fixture {
	t.Helper()
	f := &fixture{
		reg:    testutil.NewRegistry(),
		runner: testutil.NewRunner(),
		dir:    t.TempDir(),
	}
	f.ledger = ledger.Open(filepath.Join(f.dir, "ledger.json"))
	opts = append([]installer.Option{installer.WithObserver(func(tr installer.Transition) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.transitions = append(f.transitions, tr.State)
	})}, opts...)
	f.exec = installer.NewExecutor(f.runner, status.NewInspector(f.reg), f.ledger, opts...)
	return f
}

func (f *fixture) installer(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0644))
	return path
}

func (f *fixture) addDemoKey(values map[string]string) func(installer.Command) {
	return func(installer.Command) {
		f.reg.AddKey(catalog.HKLM, catalog.View64, demoKey, values)
	}
}

func demoProgram() catalog.ProgramDefinition {
	return catalog.ProgramDefinition{
		ID:          "demo_app",
		DisplayName: "Demo App",
		Identity:    catalog.Identity{FilenamePatterns: []string{"DEMO_*.exe"}},
		CheckRules:  []catalog.RegistryRule{catalog.ExistenceRule(catalog.HKLM, demoKey).WithValue("DisplayVersion")},
		InstallCommands: map[catalog.ExtensionClass]map[catalog.Mode]string{
			catalog.ExtExe: {catalog.ModeAuto: "{installer_path} /S"},
			catalog.ExtMsi: {
				catalog.ModeAuto:       `msiexec /i "{installer_path}" /qn /norestart`,
				catalog.ModeSemiSilent: `msiexec /i "{installer_path}" /passive /norestart`,
			},
		},
	}
}

func TestInstallVerifiedCreatesLedgerEntry(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	f.runner.On("DEMO_1.2.exe", testutil.Script{Hook: f.addDemoKey(map[string]string{
		"DisplayVersion":  "1.2",
		"UninstallString": `"C:\Program Files\Demo\uninst.exe"`,
	})})

	inspector := status.NewInspector(f.reg)
	before, err := inspector.Check(context.Background(), demoProgram())
	require.NoError(t, err)
	require.False(t, before.Installed)

	res := f.exec.Install(context.Background(), installer.InstallRequest{
		Program:       demoProgram(),
		InstallerPath: path,
		Mode:          catalog.ModeAuto,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, installer.StateSucceeded, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, `"`+path+`" /S`, res.Command)
	require.NotNil(t, res.Status)
	assert.True(t, res.Status.Installed)

	require.NotNil(t, res.Entry)
	entry, ok, err := f.ledger.Get("demo_app")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Demo App", entry.DisplayName)
	assert.Equal(t, path, entry.InstallerPath)
	assert.Equal(t, `"C:\Program Files\Demo\uninst.exe"`, ledger.Deref(entry.UninstallString))
	assert.Nil(t, entry.ProductCode)
	assert.Equal(t, "1.2", ledger.Deref(entry.Version))

	assert.Equal(t, []installer.State{installer.StateLaunching, installer.StateRunning, installer.StateSucceeded}, f.transitions)
}

func TestInstallRebootCodes(t *testing.T) {
	for _, code := range []int{3010, 1641} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			f := newFixture(t)
			path := f.installer(t, "DEMO_1.2.exe")
			f.runner.On("DEMO", testutil.Script{ExitCode: code, Hook: f.addDemoKey(nil)})

			res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

			assert.Equal(t, installer.StateSucceededRebootRequired, res.State)
			assert.Equal(t, code, res.ExitCode)
			assert.NotNil(t, res.Entry)
		})
	}
}

func TestInstallFailureKeepsExitCodeAndSkipsLedger(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	f.runner.On("DEMO", testutil.Script{ExitCode: 1603, Hook: f.addDemoKey(nil)})

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	assert.Equal(t, installer.StateFailed, res.State)
	assert.Equal(t, 1603, res.ExitCode)
	assert.Equal(t, installer.ExitFailure, res.Exit)
	assert.Nil(t, res.Entry)

	entries, err := f.ledger.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallUnverified(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	assert.Equal(t, installer.StateInstalledButUnverified, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Nil(t, res.Entry)
	entries, err := f.ledger.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallMsiRecordsProductCodeFromMetadata(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "tool 2.0.msi")
	f.runner.On("tool 2.0.msi", testutil.Script{Hook: f.addDemoKey(nil)})

	res := f.exec.Install(context.Background(), installer.InstallRequest{
		Program:       demoProgram(),
		InstallerPath: path,
		Mode:          catalog.ModeSemiSilent,
		Metadata:      extract.FileMetadata{ProductCode: "{23170f69-40c1-2702-2301-000001000000}", Version: "2.0"},
	})

	require.Equal(t, installer.StateSucceeded, res.State)
	assert.Equal(t, `msiexec /i "`+path+`" /passive /norestart`, res.Command)
	require.NotNil(t, res.Entry)
	assert.Equal(t, toolCode, ledger.Deref(res.Entry.ProductCode))
	assert.Nil(t, res.Entry.UninstallString)
	assert.Equal(t, "2.0", ledger.Deref(res.Entry.Version))
}

func TestInstallFallsBackToUninstallEntrySearch(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	f.runner.On("DEMO", testutil.Script{Hook: func(installer.Command) {
		f.reg.AddKey(catalog.HKLM, catalog.View64, demoKey, nil)
		f.reg.AddKey(catalog.HKLM, catalog.View32, status.UninstallRoot+`\Demo App 1.2`, map[string]string{
			"DisplayName":     "Demo App 1.2",
			"UninstallString": `"C:\Demo\unins.exe"`,
		})
	}})

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	require.NotNil(t, res.Entry)
	assert.Equal(t, `"C:\Demo\unins.exe"`, ledger.Deref(res.Entry.UninstallString))
}

func TestInstallWithoutCommand(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeSemiSilent})

	assert.Equal(t, installer.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, installer.ErrNoCommand)
	assert.Empty(t, f.runner.Commands())
}

func TestInstallRejectsOtherFileTypes(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: "setup.zip", Mode: catalog.ModeAuto})
	assert.ErrorIs(t, res.Err, installer.ErrUnsupportedInstaller)
}

func TestManualInstallIsLaunchedOnly(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	f.runner.On("DEMO", testutil.Script{Hook: f.addDemoKey(nil)})

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeManual})

	assert.Equal(t, installer.StateLaunched, res.State)
	assert.Nil(t, res.Entry)
	cmds := f.runner.Commands()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Interactive)
	assert.Equal(t, `"`+path+`"`, cmds[0].Line)
	assert.Zero(t, cmds[0].Timeout)
}

func TestLaunchError(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	f.runner.On("DEMO", testutil.Script{Err: &installer.LaunchError{Command: "x", Err: os.ErrPermission}})

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	assert.Equal(t, installer.StateFailed, res.State)
	var le *installer.LaunchError
	assert.True(t, errors.As(res.Err, &le))
	assert.ErrorIs(t, res.Err, os.ErrPermission)
}

type blockedPreflight struct{}

func (blockedPreflight) Check(context.Context, string, []string) (preflight.Report, error) {
	return preflight.Report{}, &preflight.BlockedError{Apps: []string{"demo.exe"}}
}

func TestPreflightFailureDoesNotLaunch(t *testing.T) {
	f := newFixture(t, installer.WithPreflight(blockedPreflight{}))
	path := f.installer(t, "DEMO_1.2.exe")

	res := f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	assert.Equal(t, installer.StateFailed, res.State)
	var le *installer.LaunchError
	require.True(t, errors.As(res.Err, &le))
	var blocked *preflight.BlockedError
	assert.True(t, errors.As(res.Err, &blocked))
	assert.Empty(t, f.runner.Commands())
}

func TestTimeoutIsPassedToRunner(t *testing.T) {
	f := newFixture(t, installer.WithTimeout(15*time.Minute, true))
	path := f.installer(t, "DEMO_1.2.exe")

	f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	cmds := f.runner.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, 15*time.Minute, cmds[0].Timeout)
	assert.True(t, cmds[0].KillOnTimeout)
}

func TestTimedOutInstallerBlocksProgramUntilExit(t *testing.T) {
	f := newFixture(t, installer.WithTimeout(time.Minute, false))
	path := f.installer(t, "DEMO_1.2.exe")
	exited := make(chan struct{})
	f.runner.On("DEMO_1.2.exe", testutil.Script{Err: &installer.TimeoutError{
		Command: "DEMO_1.2.exe", After: time.Minute, Exited: exited,
	}})
	require.NoError(t, f.ledger.Put(context.Background(), ledger.Entry{
		ProgramID:   "demo_app",
		ProductCode: ledger.StringPtr(toolCode),
	}))
	req := installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto}

	res := f.exec.Install(context.Background(), req)
	var terr *installer.TimeoutError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, installer.StateFailed, res.State)

	again := f.exec.Install(context.Background(), req)
	assert.Equal(t, installer.StateFailed, again.State)
	assert.ErrorIs(t, again.Err, installer.ErrStillRunning)

	un := f.exec.Uninstall(context.Background(), catalog.ProgramDefinition{ID: "demo_app"})
	assert.ErrorIs(t, un.Err, installer.ErrStillRunning)
	assert.Len(t, f.runner.Commands(), 1)

	close(exited)
	res = f.exec.Install(context.Background(), req)
	assert.NotErrorIs(t, res.Err, installer.ErrStillRunning)
	assert.ErrorAs(t, res.Err, &terr)
	assert.Len(t, f.runner.Commands(), 2)
}

func TestKilledInstallerDoesNotBlockProgram(t *testing.T) {
	f := newFixture(t, installer.WithTimeout(time.Minute, true))
	path := f.installer(t, "DEMO_1.2.exe")
	exited := make(chan struct{})
	close(exited)
	f.runner.On("DEMO_1.2.exe", testutil.Script{Err: &installer.TimeoutError{
		Command: "DEMO_1.2.exe", After: time.Minute, Killed: true, Exited: exited,
	}})
	req := installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto}

	f.exec.Install(context.Background(), req)
	res := f.exec.Install(context.Background(), req)

	assert.NotErrorIs(t, res.Err, installer.ErrStillRunning)
	assert.Len(t, f.runner.Commands(), 2)
}

func TestCancelledBeforeLaunch(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.exec.Install(ctx, installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})

	assert.Equal(t, installer.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, f.runner.Commands())
}

func TestUninstallPrefersProductCode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Put(context.Background(), ledger.Entry{
		ProgramID:       "demo_app",
		ProductCode:     ledger.StringPtr(toolCode),
		UninstallString: ledger.StringPtr(`"C:\Demo\uninst.exe" /S`),
	}))

	res := f.exec.Uninstall(context.Background(), catalog.ProgramDefinition{ID: "demo_app"})

	assert.Equal(t, installer.StateSucceeded, res.State)
	assert.Equal(t, []string{"msiexec /x " + toolCode + " /qn /norestart"}, f.runner.Lines())
	_, ok, err := f.ledger.Get("demo_app")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUninstallStringRunsAsWritten(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Put(context.Background(), ledger.Entry{
		ProgramID:       "demo_app",
		UninstallString: ledger.StringPtr(`"C:\Demo\uninst.exe"`),
	}))
	f.reg.AddKey(catalog.HKLM, catalog.View64, demoKey, nil)

	res := f.exec.Uninstall(context.Background(), demoProgram())

	assert.Equal(t, installer.StateSucceeded, res.State)
	assert.Equal(t, []string{`"C:\Demo\uninst.exe"`}, f.runner.Lines())
	require.NotNil(t, res.Status)
	assert.True(t, res.Status.Installed)
	_, ok, _ := f.ledger.Get("demo_app")
	assert.False(t, ok)
}

func TestUninstallFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Put(context.Background(), ledger.Entry{
		ProgramID:       "demo_app",
		UninstallString: ledger.StringPtr(`"C:\Demo\uninst.exe"`),
	}))
	f.runner.On("uninst.exe", testutil.Script{ExitCode: 5})

	res := f.exec.Uninstall(context.Background(), catalog.ProgramDefinition{ID: "demo_app"})

	assert.Equal(t, installer.StateFailed, res.State)
	assert.Equal(t, 5, res.ExitCode)
	_, ok, _ := f.ledger.Get("demo_app")
	assert.True(t, ok)
}

func TestUninstallInfoMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Put(context.Background(), ledger.Entry{ProgramID: "demo_app"}))

	res := f.exec.Uninstall(context.Background(), catalog.ProgramDefinition{ID: "demo_app"})

	assert.Equal(t, installer.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, installer.ErrUninstallInfoMissing)
	assert.Empty(t, f.runner.Commands())
}

func TestUninstallNotInLedger(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Uninstall(context.Background(), catalog.ProgramDefinition{ID: "demo_app"})
	assert.ErrorIs(t, res.Err, installer.ErrNotInLedger)
}

func TestInstallHeuristicUsesGenericCommands(t *testing.T) {
	generic, err := installer.GenericCommandsFrom(config.GetDefaultConfig().GenericCommands)
	require.NoError(t, err)
	f := newFixture(t, installer.WithGenericCommands(generic))
	path := f.installer(t, "unknown_3.1.msi")

	res := f.exec.InstallHeuristic(context.Background(), path, catalog.ModeAuto)

	assert.Equal(t, installer.StateSucceeded, res.State)
	assert.Equal(t, []string{`msiexec /i "` + path + `" /qn /norestart`}, f.runner.Lines())
	assert.Nil(t, res.Entry)
	assert.Nil(t, res.Status)
	entries, err := f.ledger.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenericCommandsFromRejectsUnknownClass(t *testing.T) {
	_, err := installer.GenericCommandsFrom(map[string]map[string]string{"zip": {"auto": "{installer_path}"}})
	assert.Error(t, err)
}

func TestSameProgramNeverOverlaps(t *testing.T) {
	f := newFixture(t)
	path := f.installer(t, "DEMO_1.2.exe")
	var inFlight, maxInFlight int32
	f.runner.On("DEMO", testutil.Script{Hook: func(installer.Command) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.exec.Install(context.Background(), installer.InstallRequest{Program: demoProgram(), InstallerPath: path, Mode: catalog.ModeAuto})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, f.runner.Commands(), 4)
}

func TestDifferentProgramsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	a := f.installer(t, "a.exe")
	b := f.installer(t, "b.exe")
	both := make(chan struct{})
	var arrived int32
	wait := func(installer.Command) {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(both)
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
		}
	}
	f.runner.On("a.exe", testutil.Script{Hook: wait}).On("b.exe", testutil.Script{Hook: wait})

	progA := demoProgram()
	progA.ID = "a"
	progB := demoProgram()
	progB.ID = "b"

	start := time.Now()
	var wg sync.WaitGroup
	for _, req := range []installer.InstallRequest{
		{Program: progA, InstallerPath: a, Mode: catalog.ModeAuto},
		{Program: progB, InstallerPath: b, Mode: catalog.ModeAuto},
	} {
		wg.Add(1)
		go func(req installer.InstallRequest) {
			defer wg.Done()
			f.exec.Install(context.Background(), req)
		}(req)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
}

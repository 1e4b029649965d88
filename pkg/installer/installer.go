// pkg/installer/installer.go - runs catalog install and uninstall commands.
//
// Installs and uninstalls for the same program never overlap; different
// programs run concurrently. Nothing is retried automatically.

package installer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/locker"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/ledger"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/preflight"
	"github.com/windowsadmins/cimiscan/pkg/status"
)

var (
	// ErrNoCommand is returned when no template exists for the installer class and mode.
	ErrNoCommand = errors.New("no install command for this installer type and mode")
	// ErrUninstallInfoMissing is returned for a ledger entry with neither a product code nor an uninstall string.
	ErrUninstallInfoMissing = errors.New("no uninstall string or product code recorded")
	// ErrNotInLedger is returned when uninstalling a program this system did not install.
	ErrNotInLedger = errors.New("program has no ledger entry")
	// ErrUnsupportedInstaller is returned for files that are neither .exe nor .msi.
	ErrUnsupportedInstaller = errors.New("installer must be an .exe or .msi file")
	// ErrStillRunning is returned while an installer left running after a timeout has not exited.
	ErrStillRunning = errors.New("a previous installer for this program is still running")
)

// Operation names what an invocation does.
type Operation string

const (
	OpInstall   Operation = "install"
	OpUninstall Operation = "uninstall"
)

// Result is the outcome of one invocation. A non-success exit code is a
// Failed result with ExitCode preserved, not a Go error.
type Result struct {
	ProgramID string
	Operation Operation
	Mode      catalog.Mode
	Command   string
	State     State
	ExitCode  int
	Exit      ExitClass
	// Err is the launch, timeout or ledger error behind a Failed state.
	Err error
	// Entry is the ledger entry written by a verified install.
	Entry *ledger.Entry
	// Status is the post-run registry check, when one was made.
	Status   *status.InstallationStatus
	Started  time.Time
	Duration time.Duration
}

// Transition is a state change reported to an Executor's observer.
type Transition struct {
	ProgramID string
	Operation Operation
	State     State
}

// Preflight validates an installer before it is launched.
type Preflight interface {
	Check(ctx context.Context, installerPath string, blockingApps []string) (preflight.Report, error)
}

// Executor runs installs and uninstalls and keeps the ledger.
type Executor struct {
	runner    Runner
	inspector *status.Inspector
	ledger    *ledger.Ledger
	locks     *locker.Locker

	busyMu sync.Mutex
	busy   map[string]<-chan struct{}

	preflight     Preflight
	timeout       time.Duration
	killOnTimeout bool
	generic       map[catalog.ExtensionClass]map[catalog.Mode]string
	observe       func(Transition)
	now           func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithPreflight checks installers before launch.
func WithPreflight(p Preflight) Option { return func(e *Executor) { e.preflight = p } }

// WithTimeout bounds the wait for an installer. kill terminates it on expiry.
func WithTimeout(d time.Duration, kill bool) Option {
	return func(e *Executor) { e.timeout, e.killOnTimeout = d, kill }
}

// WithGenericCommands sets the templates used for heuristic installs.
func WithGenericCommands(cmds map[catalog.ExtensionClass]map[catalog.Mode]string) Option {
	return func(e *Executor) { e.generic = cmds }
}

// WithObserver receives every state transition.
func WithObserver(fn func(Transition)) Option { return func(e *Executor) { e.observe = fn } }

// NewExecutor returns an Executor.
func NewExecutor(runner Runner, inspector *status.Inspector, l *ledger.Ledger, opts ...Option) *Executor {
	e := &Executor{
		runner:    runner,
		inspector: inspector,
		ledger:    l,
		locks:     locker.New(),
		busy:      make(map[string]<-chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenericCommandsFrom converts configuration templates keyed by strings.
func GenericCommandsFrom(raw map[string]map[string]string) (map[catalog.ExtensionClass]map[catalog.Mode]string, error) {
	out := make(map[catalog.ExtensionClass]map[catalog.Mode]string, len(raw))
	for ext, modes := range raw {
		class, ok := catalog.ClassOf("x." + ext)
		if !ok {
			return nil, fmt.Errorf("generic command for unsupported installer class %q", ext)
		}
		out[class] = make(map[catalog.Mode]string, len(modes))
		for m, tmpl := range modes {
			mode, err := catalog.ParseMode(m)
			if err != nil {
				return nil, err
			}
			out[class][mode] = tmpl
		}
	}
	return out, nil
}

// InstallRequest names a program, the installer to run and how.
type InstallRequest struct {
	Program       catalog.ProgramDefinition
	InstallerPath string
	Mode          catalog.Mode
	// Metadata of the installer, used for the MSI product code and version.
	Metadata extract.FileMetadata
}

// Install runs the program's command for the installer's class and mode.
// A successful auto or semi-silent run is verified against the program's
// check rules: verified installs are recorded in the ledger, unverified ones
// end in StateInstalledButUnverified. Manual launches end in StateLaunched.
func (e *Executor) Install(ctx context.Context, req InstallRequest) Result {
	def := req.Program
	res := Result{ProgramID: def.ID, Operation: OpInstall, Mode: req.Mode, ExitCode: -1}

	e.locks.Lock(def.ID)
	defer e.locks.Unlock(def.ID)
	if err := e.stillRunning(def.ID); err != nil {
		return e.fail(res, err)
	}

	class, ok := catalog.ClassOf(req.InstallerPath)
	if !ok {
		return e.fail(res, fmt.Errorf("%w: %s", ErrUnsupportedInstaller, req.InstallerPath))
	}
	tmpl, ok := def.Command(class, req.Mode)
	if !ok {
		if req.Mode != catalog.ModeManual {
			return e.fail(res, fmt.Errorf("%w: %s %s/%s", ErrNoCommand, def.ID, class, req.Mode))
		}
		tmpl = ManualTemplate(class)
	}
	res.Command = BuildCommand(tmpl, req.InstallerPath)

	res = e.launch(ctx, res, req.InstallerPath, def.BlockingApps)
	e.track(def.ID, res)
	if res.State.Terminal() {
		return res
	}

	// The installer has run; finish the bookkeeping even if ctx is cancelled.
	ctx = context.WithoutCancel(ctx)
	st, err := e.inspector.Check(ctx, def)
	if err != nil {
		logging.Warn("Post-install check incomplete", "program", def.ID, "error", err)
	}
	res.Status = &st
	if !st.Installed {
		logging.Warn("Installer reported success but the program is not detected",
			"program", def.ID, "exitCode", res.ExitCode)
		return e.finish(res, StateInstalledButUnverified)
	}

	entry := e.ledgerEntry(ctx, def, req, st)
	if err := e.ledger.Put(ctx, entry); err != nil {
		logging.Error("Failed to record install in ledger", "program", def.ID, "error", err)
		res.Err = fmt.Errorf("recording install: %w", err)
	} else {
		res.Entry = &entry
	}
	return e.finish(res, successState(res.Exit))
}

// InstallHeuristic runs a generic template for an installer that has no
// catalog entry. Without check rules nothing is verified or recorded.
func (e *Executor) InstallHeuristic(ctx context.Context, installerPath string, mode catalog.Mode) Result {
	id := filepath.Base(installerPath)
	res := Result{ProgramID: id, Operation: OpInstall, Mode: mode, ExitCode: -1}

	e.locks.Lock(installerPath)
	defer e.locks.Unlock(installerPath)
	if err := e.stillRunning(installerPath); err != nil {
		return e.fail(res, err)
	}

	class, ok := catalog.ClassOf(installerPath)
	if !ok {
		return e.fail(res, fmt.Errorf("%w: %s", ErrUnsupportedInstaller, installerPath))
	}
	tmpl := e.generic[class][mode]
	if tmpl == "" {
		if mode != catalog.ModeManual {
			return e.fail(res, fmt.Errorf("%w: generic %s/%s", ErrNoCommand, class, mode))
		}
		tmpl = ManualTemplate(class)
	}
	res.Command = BuildCommand(tmpl, installerPath)

	res = e.launch(ctx, res, installerPath, nil)
	e.track(installerPath, res)
	if res.State.Terminal() {
		return res
	}
	return e.finish(res, successState(res.Exit))
}

// Uninstall removes a program installed by this system. The MSI product code
// is preferred over a recorded uninstall string, which runs as written. On
// success the ledger entry is removed. def supplies check rules for a
// post-uninstall check; a definition without rules skips it.
func (e *Executor) Uninstall(ctx context.Context, def catalog.ProgramDefinition) Result {
	res := Result{ProgramID: def.ID, Operation: OpUninstall, ExitCode: -1}

	e.locks.Lock(def.ID)
	defer e.locks.Unlock(def.ID)
	if err := e.stillRunning(def.ID); err != nil {
		return e.fail(res, err)
	}

	entry, ok, err := e.ledger.Get(def.ID)
	if err != nil {
		return e.fail(res, fmt.Errorf("reading ledger: %w", err))
	}
	if !ok {
		return e.fail(res, fmt.Errorf("%w: %s", ErrNotInLedger, def.ID))
	}

	switch {
	case ledger.Deref(entry.ProductCode) != "":
		res.Command = MsiUninstallCommand(*entry.ProductCode)
	case ledger.Deref(entry.UninstallString) != "":
		res.Command = *entry.UninstallString
	default:
		return e.fail(res, fmt.Errorf("%w: %s", ErrUninstallInfoMissing, def.ID))
	}

	res = e.launch(ctx, res, "", nil)
	e.track(def.ID, res)
	if res.State.Terminal() {
		return res
	}

	ctx = context.WithoutCancel(ctx)
	if _, err := e.ledger.Remove(ctx, def.ID); err != nil {
		logging.Error("Failed to remove ledger entry", "program", def.ID, "error", err)
		res.Err = fmt.Errorf("removing ledger entry: %w", err)
	}

	if len(def.CheckRules) > 0 {
		st, err := e.inspector.Check(ctx, def)
		if err == nil && st.Installed {
			logging.Warn("Program still detected after uninstall", "program", def.ID, "key", st.KeyPath)
		}
		res.Status = &st
	}
	return e.finish(res, successState(res.Exit))
}

// launch runs res.Command. It returns a terminal result for failures and
// manual launches, and a non-terminal one after a success exit code.
func (e *Executor) launch(ctx context.Context, res Result, installerPath string, blockingApps []string) Result {
	if err := ctx.Err(); err != nil {
		return e.fail(res, err)
	}
	e.transition(res, StateLaunching)

	if e.preflight != nil && installerPath != "" {
		if _, err := e.preflight.Check(ctx, installerPath, blockingApps); err != nil {
			return e.fail(res, &LaunchError{Command: res.Command, Err: err})
		}
	}

	interactive := res.Mode == catalog.ModeManual
	cmd := Command{
		Line:        res.Command,
		Interactive: interactive,
		Started:     func(int) { e.transition(res, StateRunning) },
	}
	if !interactive {
		cmd.Timeout = e.timeout
		cmd.KillOnTimeout = e.killOnTimeout
	}

	logging.Info("Launching", "program", res.ProgramID, "operation", string(res.Operation), "command", res.Command)
	res.Started = e.now()
	code, err := e.runner.Run(ctx, cmd)
	res.Duration = e.now().Sub(res.Started)
	if err != nil {
		return e.fail(res, err)
	}
	if interactive {
		return e.finish(res, StateLaunched)
	}

	res.ExitCode = code
	res.Exit = ClassifyExit(code)
	if !res.Exit.Succeeded() {
		logging.Error("Installer failed", "program", res.ProgramID, "operation", string(res.Operation), "exitCode", code)
		res.Err = fmt.Errorf("exit code %d", code)
		return e.finish(res, StateFailed)
	}
	logging.Info("Installer finished", "program", res.ProgramID, "exitCode", code, "result", res.Exit.String())
	return res
}

// stillRunning rejects key while an installer it timed out on is alive.
// Callers hold the key's lock.
func (e *Executor) stillRunning(key string) error {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	exited, ok := e.busy[key]
	if !ok {
		return nil
	}
	select {
	case <-exited:
		delete(e.busy, key)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrStillRunning, key)
	}
}

// track remembers a timed-out installer that was left running.
func (e *Executor) track(key string, res Result) {
	var terr *TimeoutError
	if !errors.As(res.Err, &terr) || terr.Exited == nil {
		return
	}
	select {
	case <-terr.Exited:
		return
	default:
	}
	e.busyMu.Lock()
	e.busy[key] = terr.Exited
	e.busyMu.Unlock()
	logging.Warn("Installer left running after timeout; further runs are refused until it exits",
		"program", res.ProgramID, "command", terr.Command)
}

func (e *Executor) ledgerEntry(ctx context.Context, def catalog.ProgramDefinition, req InstallRequest, st status.InstallationStatus) ledger.Entry {
	productCode := st.ProductCode
	if productCode == "" {
		productCode = status.NormalizeProductCode(req.Metadata.ProductCode)
	}
	uninstall := st.UninstallString

	if productCode == "" && uninstall == "" {
		if found, ok := e.inspector.FindUninstallEntry(ctx, def.DisplayName, filepath.Dir(req.InstallerPath)); ok {
			productCode, uninstall = found.ProductCode, found.UninstallString
		}
	}
	if productCode != "" {
		uninstall = ""
	}

	ver := st.Version
	if ver == "" {
		ver = req.Metadata.Version
	}
	return ledger.Entry{
		ProgramID:       def.ID,
		DisplayName:     def.DisplayName,
		Timestamp:       e.now().UTC(),
		InstallerPath:   req.InstallerPath,
		UninstallString: ledger.StringPtr(uninstall),
		ProductCode:     ledger.StringPtr(productCode),
		Version:         ledger.StringPtr(ver),
	}
}

func (e *Executor) fail(res Result, err error) Result {
	res.Err = err
	logging.Error("Operation failed", "program", res.ProgramID, "operation", string(res.Operation), "error", err)
	return e.finish(res, StateFailed)
}

func (e *Executor) finish(res Result, s State) Result {
	res.State = s
	e.transition(res, s)
	return res
}

func (e *Executor) transition(res Result, s State) {
	if e.observe != nil {
		e.observe(Transition{ProgramID: res.ProgramID, Operation: res.Operation, State: s})
	}
}

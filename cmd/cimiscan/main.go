// cmd/cimiscan/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/config"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/filter"
	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/ledger"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/preflight"
	"github.com/windowsadmins/cimiscan/pkg/process"
	"github.com/windowsadmins/cimiscan/pkg/reporting"
	"github.com/windowsadmins/cimiscan/pkg/status"
	"github.com/windowsadmins/cimiscan/pkg/utils"
	"github.com/windowsadmins/cimiscan/pkg/version"
)

var logger *logging.Logger

type options struct {
	scanDir       string
	jsonOut       bool
	hash          bool
	status        bool
	installID     string
	installerPath string
	sha256        string
	installScan   string
	heuristic     bool
	mode          string
	uninstallID   string
	ledger        bool
	programs      *filter.ProgramFilter
}

func main() {
	utils.PatchWindowsArgs()

	var opts options
	opts.programs = filter.NewProgramFilter()

	// Define command-line flags.
	pflag.StringVar(&opts.scanDir, "scan", "", "Identify installers under DIR.")
	pflag.BoolVar(&opts.jsonOut, "json", false, "Print scan or status results as JSON.")
	pflag.BoolVar(&opts.hash, "hash", false, "Record a SHA-256 for every identified installer.")
	pflag.BoolVar(&opts.status, "status", false, "Show the registry status of catalog programs.")
	pflag.StringVar(&opts.installID, "install", "", "Install the given program id (requires --installer).")
	pflag.StringVar(&opts.installerPath, "installer", "", "Installer file for --install.")
	pflag.StringVar(&opts.sha256, "sha256", "", "Refuse --install unless the installer has this SHA-256.")
	pflag.StringVar(&opts.installScan, "install-scan", "", "Scan DIR and install every identified program that is not installed.")
	pflag.BoolVar(&opts.heuristic, "heuristic", false, "With --install-scan, also install heuristically identified installers.")
	pflag.StringVar(&opts.mode, "mode", "auto", "Install mode: auto, semiSilent or manual.")
	pflag.StringVar(&opts.uninstallID, "uninstall", "", "Uninstall the given program id using the ledger.")
	pflag.BoolVar(&opts.ledger, "ledger", false, "List programs installed by this tool.")
	configPath := pflag.String("config", config.ConfigPath, "Configuration file.")
	showConfig := pflag.Bool("show-config", false, "Display the current configuration and exit.")
	writeConfig := pflag.Bool("write-config", false, "Write the effective configuration to --config and exit.")
	versionFlag := pflag.Bool("version", false, "Print the version and exit.")
	var verbosity int
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (e.g. -v, -vv, -vvv)")
	opts.programs.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	if *versionFlag {
		version.PrintFull(os.Stdout)
		os.Exit(0)
	}

	cfg, err := config.LoadConfigFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 0 => ERROR, 1 => WARN, 2 => INFO, 3+ => DEBUG
	switch verbosity {
	case 0:
		cfg.LogLevel = "ERROR"
	case 1:
		cfg.LogLevel = "WARN"
	case 2:
		cfg.LogLevel = "INFO"
	default:
		cfg.LogLevel = "DEBUG"
	}

	logger = logging.New(verbosity > 0)
	if err := logging.Init(cfg); err != nil {
		logger.Fatal("Error initializing logger: %v", err)
	}
	defer logging.CloseLogger()

	if *showConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			logger.Error("Failed to render configuration: %v", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		os.Exit(0)
	}
	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			logger.Error("Failed to write configuration: %v", err)
			os.Exit(1)
		}
		logger.Success("Configuration written to %s", *configPath)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, opts))
}

type app struct {
	cfg      *config.Configuration
	store    *catalog.Store
	ledger   *ledger.Ledger
	pipeline *process.Pipeline
	history  *reporting.History
	reporter utils.Reporter
}

func run(ctx context.Context, cfg *config.Configuration, opts options) int {
	mode, err := catalog.ParseMode(opts.mode)
	if err != nil {
		logger.Error("%v", err)
		return 2
	}

	led := ledger.Open(cfg.LedgerPath)
	if opts.ledger {
		return printLedger(led)
	}

	a, err := newApp(ctx, cfg, led, opts)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	defer a.close()

	switch {
	case opts.scanDir != "":
		return a.scan(ctx, opts.scanDir, opts.jsonOut)
	case opts.status:
		return a.status(ctx, opts)
	case opts.installID != "":
		return a.install(ctx, opts.installID, opts.installerPath, opts.sha256, mode)
	case opts.installScan != "":
		return a.installScan(ctx, opts, mode)
	case opts.uninstallID != "":
		return a.uninstall(ctx, opts.uninstallID)
	default:
		pflag.Usage()
		return 2
	}
}

func newApp(ctx context.Context, cfg *config.Configuration, led *ledger.Ledger, opts options) (*app, error) {
	store, err := catalog.LoadFiles(cfg.CatalogPaths...)
	if err != nil {
		return nil, err
	}
	logging.Info("Catalog loaded", "programs", store.Len(), "files", len(cfg.CatalogPaths))

	generic, err := installer.GenericCommandsFrom(cfg.GenericCommands)
	if err != nil {
		return nil, fmt.Errorf("GenericCommands: %w", err)
	}

	inspector := status.NewInspector(status.NewWindowsRegistry())
	exec := installer.NewExecutor(installer.ExecRunner{}, inspector, led,
		installer.WithPreflight(preflight.New(cfg.MinFreeDiskMultiplier)),
		installer.WithTimeout(time.Duration(cfg.InstallerTimeoutMinutes)*time.Minute, cfg.KillOnTimeout),
		installer.WithGenericCommands(generic),
		installer.WithObserver(func(tr installer.Transition) {
			logging.Debug("State change", "program", tr.ProgramID, "operation", string(tr.Operation), "state", tr.State.String())
		}),
	)

	a := &app{
		cfg:    cfg,
		store:  store,
		ledger: led,
		pipeline: &process.Pipeline{
			Store:     store,
			Reader:    extract.NewReader(),
			Inspector: inspector,
			Executor:  exec,
			Workers:   cfg.Workers,
			HashFiles: opts.hash,
		},
		reporter: utils.NewNoOpReporter(),
	}
	if !opts.jsonOut {
		a.reporter = utils.NewConsoleReporter(os.Stderr, cfg.LogLevel == "DEBUG")
	}

	if cfg.ReportDatabase != "" {
		h, err := reporting.Open(ctx, cfg.ReportDatabase, commandName(opts), reporting.CollectFacts())
		if err != nil {
			logging.Warn("Run history unavailable", "path", cfg.ReportDatabase, "error", err)
		} else {
			a.history = h
		}
	}
	return a, nil
}

func (a *app) close() {
	a.reporter.Stop()
	if a.history != nil {
		if err := a.history.Close(context.Background()); err != nil {
			logging.Warn("Failed to close run history", "error", err)
		}
	}
}

// record writes to the run history. History is best-effort and never fails a command.
func (a *app) record(what string, fn func(context.Context, *reporting.History) error) {
	if a.history == nil {
		return
	}
	if err := fn(context.Background(), a.history); err != nil {
		logging.Warn("Failed to record run history", "what", what, "error", err)
	}
}

func commandName(opts options) string {
	switch {
	case opts.scanDir != "":
		return "scan"
	case opts.status:
		return "status"
	case opts.installID != "":
		return "install"
	case opts.installScan != "":
		return "install-scan"
	case opts.uninstallID != "":
		return "uninstall"
	default:
		return "none"
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

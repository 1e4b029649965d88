// cmd/cimiscan/commands.go - command implementations and output.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/filter"
	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/ledger"
	"github.com/windowsadmins/cimiscan/pkg/process"
	"github.com/windowsadmins/cimiscan/pkg/reporting"
	"github.com/windowsadmins/cimiscan/pkg/utils"
)

func (a *app) scan(ctx context.Context, dir string, jsonOut bool) int {
	rep, err := a.runScan(ctx, dir)
	if err != nil && len(rep.Items) == 0 {
		logger.Error("Scan of %s failed: %v", dir, err)
		return exitCodeFor(err)
	}

	if jsonOut {
		if err := writeJSON(scanJSON(rep)); err != nil {
			logger.Error("%v", err)
			return 1
		}
		return exitCodeFor(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESULT\tPROGRAM\tSIZE\tFILE\tDETAIL")
	for _, it := range rep.Items {
		detail := it.Result.Reason
		if it.Result.MatchedBy != "" {
			detail = "matched by " + string(it.Result.MatchedBy)
		} else if it.Result.Score > 0 && detail == "" {
			detail = fmt.Sprintf("score %d", it.Result.Score)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.Result.Kind, dash(it.Result.ProgramID),
			humanize.IBytes(uint64(it.Candidate.SizeBytes)), it.Candidate.Path, detail)
	}
	w.Flush()
	logger.Info("%d candidate(s), %d configured, %d heuristic, %d unreadable path(s)",
		len(rep.Items), len(rep.Configured()), len(rep.Heuristic()), len(rep.Warnings))
	return exitCodeFor(err)
}

func (a *app) runScan(ctx context.Context, dir string) (process.ScanReport, error) {
	a.reporter.Message("Scanning " + dir)
	task := a.pipeline.Scan(ctx, dir)
	process.Forward(task.Events(), a.reporter)
	rep, err := task.Wait()
	a.record("scan", func(ctx context.Context, h *reporting.History) error { return h.RecordScan(ctx, rep) })
	return rep, err
}

type scanItemJSON struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Version     string `json:"version,omitempty"`
	Result      any    `json:"result"`
}

func scanJSON(rep process.ScanReport) []scanItemJSON {
	out := make([]scanItemJSON, 0, len(rep.Items))
	for _, it := range rep.Items {
		out = append(out, scanItemJSON{
			Path:        it.Candidate.Path,
			SizeBytes:   it.Candidate.SizeBytes,
			SHA256:      it.SHA256,
			ProductName: it.Metadata.ProductName,
			Version:     it.Metadata.Version,
			Result:      it.Result,
		})
	}
	return out
}

func (a *app) status(ctx context.Context, opts options) int {
	defs, err := opts.programs.Apply(a.store)
	if err != nil {
		logger.Error("%v", err)
		return 2
	}
	results, err := a.check(ctx, filter.IDs(defs))
	if err != nil {
		logger.Error("Status check failed: %v", err)
		return exitCodeFor(err)
	}

	if opts.jsonOut {
		statuses := make([]any, len(results))
		for i, r := range results {
			statuses[i] = r.Status
		}
		if err := writeJSON(statuses); err != nil {
			logger.Error("%v", err)
			return 1
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROGRAM\tINSTALLED\tVERSION\tKEY")
	for _, r := range results {
		installed := "no"
		switch {
		case r.Err != nil:
			installed = "unknown"
		case r.Status.Installed:
			installed = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Program.ID, installed, dash(r.Status.Version), dash(r.Status.KeyPath))
	}
	w.Flush()
	for _, r := range results {
		if r.Err != nil {
			logger.Warning("%s: %v", r.Program.ID, r.Err)
		}
	}
	return 0
}

func (a *app) check(ctx context.Context, ids []string) ([]process.CheckResult, error) {
	task := a.pipeline.CheckAll(ctx, ids)
	process.Forward(task.Events(), a.reporter)
	results, err := task.Wait()
	a.record("status", func(ctx context.Context, h *reporting.History) error { return h.RecordStatuses(ctx, results) })
	return results, err
}

func (a *app) install(ctx context.Context, id, path, digest string, mode catalog.Mode) int {
	def, ok := a.store.Get(id)
	if !ok {
		logger.Error("Unknown program %q", id)
		return 2
	}
	if path == "" {
		logger.Error("--install needs --installer PATH")
		return 2
	}
	if err := verifyInstaller(path, digest); err != nil {
		logger.Error("%v", err)
		return 1
	}

	md, err := a.pipeline.Reader.Read(ctx, path)
	if err != nil {
		logger.Debug("No metadata for %s: %v", path, err)
	}
	res := a.pipeline.Executor.Install(ctx, installer.InstallRequest{
		Program: def, InstallerPath: path, Mode: mode, Metadata: md,
	})
	return a.outcomes([]installer.Result{res})
}

// verifyInstaller checks path against an expected SHA-256. An empty digest
// skips the check.
func verifyInstaller(path, digest string) error {
	if digest == "" {
		return nil
	}
	if !utils.Verify(path, digest) {
		return fmt.Errorf("%s does not match SHA-256 %s", path, digest)
	}
	return nil
}

func (a *app) installScan(ctx context.Context, opts options, mode catalog.Mode) int {
	if _, err := opts.programs.Apply(a.store); err != nil {
		logger.Error("%v", err)
		return 2
	}
	rep, err := a.runScan(ctx, opts.installScan)
	if err != nil {
		logger.Error("Scan of %s failed: %v", opts.installScan, err)
		return exitCodeFor(err)
	}

	jobs := process.PlanInstalls(rep, a.store, process.PlanOptions{
		Mode:      mode,
		Match:     opts.programs.Match,
		Heuristic: opts.heuristic,
	})
	var ids []string
	for _, j := range jobs {
		if !j.Heuristic {
			ids = append(ids, j.Request.Program.ID)
		}
	}
	if len(ids) > 0 {
		checks, err := a.check(ctx, ids)
		if err != nil {
			logger.Error("Status check failed: %v", err)
			return exitCodeFor(err)
		}
		var skipped []string
		jobs, skipped = process.SkipInstalled(jobs, checks)
		for _, id := range skipped {
			logger.Info("%s is already installed", id)
		}
	}
	if len(jobs) == 0 {
		logger.Success("Nothing to install.")
		return 0
	}

	a.reporter.Message(fmt.Sprintf("Installing %d program(s)", len(jobs)))
	task := a.pipeline.InstallBatch(ctx, jobs)
	process.Forward(task.Events(), a.reporter)
	results, _ := task.Wait()
	return a.outcomes(results)
}

func (a *app) uninstall(ctx context.Context, id string) int {
	def, known := uninstallTarget(a.store, id)
	if !known {
		logger.Warning("%s is not in the catalog; uninstalling from the ledger without a post-uninstall check", id)
	}
	task := a.pipeline.UninstallBatch(ctx, []catalog.ProgramDefinition{def})
	process.Forward(task.Events(), a.reporter)
	results, _ := task.Wait()
	return a.outcomes(results)
}

// uninstallTarget returns the catalog definition for id. A program that is
// only in the ledger gets a bare definition with no check rules.
func uninstallTarget(store *catalog.Store, id string) (catalog.ProgramDefinition, bool) {
	if def, ok := store.Get(id); ok {
		return def, true
	}
	return catalog.ProgramDefinition{ID: id}, false
}

// failed reports whether r fails the command. A success whose ledger update
// failed counts as failed.
func failed(r installer.Result) bool {
	switch r.State {
	case installer.StateSucceeded, installer.StateSucceededRebootRequired:
		return r.Err != nil
	case installer.StateInstalledButUnverified, installer.StateLaunched:
		return false
	default:
		return true
	}
}

// outcomes prints results and returns 1 if any failed.
func (a *app) outcomes(results []installer.Result) int {
	a.record("outcomes", func(ctx context.Context, h *reporting.History) error { return h.RecordOutcomes(ctx, results) })

	code := 0
	for _, r := range results {
		if failed(r) {
			code = 1
		}
		switch r.State {
		case installer.StateSucceeded, installer.StateSucceededRebootRequired:
			switch {
			case r.Err != nil:
				logger.Error("%s %s succeeded but the ledger was not updated: %v", r.ProgramID, r.Operation, r.Err)
			case r.State == installer.StateSucceeded:
				logger.Success("%s %s succeeded", r.ProgramID, r.Operation)
			default:
				logger.Warning("%s %s succeeded; a reboot is required (exit code %d)", r.ProgramID, r.Operation, r.ExitCode)
			}
		case installer.StateInstalledButUnverified:
			logger.Warning("%s installer finished but the program was not detected", r.ProgramID)
		case installer.StateLaunched:
			logger.Info("%s installer launched", r.ProgramID)
		default:
			logger.Error("%s %s failed (exit code %d): %v", r.ProgramID, r.Operation, r.ExitCode, r.Err)
		}
	}
	return code
}

func printLedger(led *ledger.Ledger) int {
	entries, err := led.List()
	if err != nil {
		logger.Error("Reading ledger %s: %v", led.Path(), err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROGRAM\tVERSION\tINSTALLED\tUNINSTALL")
	for _, e := range entries {
		how := ledger.Deref(e.ProductCode)
		if how == "" {
			how = ledger.Deref(e.UninstallString)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ProgramID, dash(ledger.Deref(e.Version)),
			humanize.Time(e.Timestamp), dash(how))
	}
	w.Flush()
	return 0
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

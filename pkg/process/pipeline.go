// pkg/process/pipeline.go - scan, check, install and uninstall as background tasks.

package process

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/identify"
	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/scan"
	"github.com/windowsadmins/cimiscan/pkg/status"
	"github.com/windowsadmins/cimiscan/pkg/utils"
)

// Pipeline wires the engine components for one catalog snapshot.
type Pipeline struct {
	Store     *catalog.Store
	Reader    extract.Reader
	Inspector *status.Inspector
	Executor  *installer.Executor
	// Workers bounds parallel identification, checks and installs.
	Workers int
	// HashFiles adds a SHA-256 to every scanned candidate.
	HashFiles bool

	engine *identify.Engine
}

func (p *Pipeline) workers() int {
	if p.Workers <= 0 {
		return 1
	}
	return p.Workers
}

func (p *Pipeline) identifier() *identify.Engine {
	if p.engine == nil {
		p.engine = identify.New(p.Store)
	}
	return p.engine
}

// ScanItem is one identified candidate.
type ScanItem struct {
	Candidate         scan.CandidateFile
	Metadata          extract.FileMetadata
	MetadataAvailable bool
	Result            identify.Result
	SHA256            string
}

// ScanReport is the outcome of a scan task. Items keep walk order.
type ScanReport struct {
	Root     string
	Items    []ScanItem
	Stats    scan.Stats
	Warnings []*scan.IOError
}

// Configured returns the items matched to catalog programs.
func (r ScanReport) Configured() []ScanItem { return r.byKind(identify.Configured) }

// Heuristic returns the items flagged as likely installers.
func (r ScanReport) Heuristic() []ScanItem { return r.byKind(identify.Heuristic) }

func (r ScanReport) byKind(k identify.Kind) []ScanItem {
	var out []ScanItem
	for _, it := range r.Items {
		if it.Result.Kind == k {
			out = append(out, it)
		}
	}
	return out
}

// Scan walks root and identifies every candidate. Files are identified in
// parallel; an unreadable file or directory is reported and skipped.
func (p *Pipeline) Scan(ctx context.Context, root string) *Task[ScanReport] {
	return start(ctx, KindScan, func(ctx context.Context, emit func(Event)) (ScanReport, error) {
		rep := ScanReport{Root: root}
		var mu sync.Mutex

		scanner := scan.New(p.Store.Settings())
		scanner.OnWarning = func(e *scan.IOError) {
			mu.Lock()
			rep.Warnings = append(rep.Warnings, e)
			mu.Unlock()
			emit(Event{Item: e.Path, Message: "skipped unreadable path", Err: e})
		}

		var g errgroup.Group
		g.SetLimit(p.workers())
		done := 0

		stats, walkErr := scanner.Walk(ctx, root, func(c scan.CandidateFile) error {
			mu.Lock()
			idx := len(rep.Items)
			rep.Items = append(rep.Items, ScanItem{Candidate: c})
			mu.Unlock()

			g.Go(func() error {
				item := p.identifyOne(ctx, c)
				mu.Lock()
				rep.Items[idx] = item
				done++
				emit(Event{Done: done, Item: c.Path, Message: item.Result.String()})
				mu.Unlock()
				return nil
			})
			return nil
		})
		g.Wait()
		rep.Stats = stats

		if walkErr != nil {
			return rep, walkErr
		}
		logging.Info("Scan finished", "root", root,
			"candidates", stats.Candidates, "filtered", stats.Filtered, "warnings", stats.Warnings)
		return rep, nil
	})
}

func (p *Pipeline) identifyOne(ctx context.Context, c scan.CandidateFile) ScanItem {
	item := ScanItem{Candidate: c}

	md, err := p.Reader.Read(ctx, c.Path)
	switch {
	case err == nil:
		item.Metadata, item.MetadataAvailable = md, true
	case errors.Is(err, extract.ErrMetadataUnavailable):
		logging.Debug("No metadata", "path", c.Path, "error", err)
	default:
		logging.Debug("Metadata read interrupted", "path", c.Path, "error", err)
	}

	item.Result = p.identifier().Identify(c, item.Metadata)

	if p.HashFiles && item.Result.Kind != identify.Rejected {
		sum, err := utils.FileSHA256(c.Path)
		if err != nil {
			logging.Warn("Unable to hash candidate", "path", c.Path, "error", err)
		}
		item.SHA256 = sum
	}
	return item
}

// CheckResult is the registry status of one program.
type CheckResult struct {
	Program catalog.ProgramDefinition
	Status  status.InstallationStatus
	// Err is an aggregated *status.AccessError or a cancellation.
	Err error
}

// CheckAll evaluates the given programs, or every catalog program when ids
// is empty. Results keep catalog order.
func (p *Pipeline) CheckAll(ctx context.Context, ids []string) *Task[[]CheckResult] {
	return start(ctx, KindCheck, func(ctx context.Context, emit func(Event)) ([]CheckResult, error) {
		defs, err := p.programs(ids)
		if err != nil {
			return nil, err
		}
		results := make([]CheckResult, len(defs))

		var g errgroup.Group
		g.SetLimit(p.workers())
		var mu sync.Mutex
		done := 0
		for i, def := range defs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				st, err := p.Inspector.Check(ctx, def)
				results[i] = CheckResult{Program: def, Status: st, Err: err}
				msg := "not installed"
				if st.Installed {
					msg = "installed"
				}
				mu.Lock()
				done++
				emit(Event{Done: done, Total: len(defs), Item: def.ID, Message: msg, Err: err})
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
		return results, ctx.Err()
	})
}

func (p *Pipeline) programs(ids []string) ([]catalog.ProgramDefinition, error) {
	if len(ids) == 0 {
		return p.Store.Programs(), nil
	}
	defs := make([]catalog.ProgramDefinition, 0, len(ids))
	for _, id := range ids {
		def, ok := p.Store.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown program %q", id)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Job is one queued install. Heuristic jobs use the generic templates and
// ignore Request.Program.
type Job struct {
	Request   installer.InstallRequest
	Heuristic bool
}

// InstallBatch runs jobs with bounded parallelism. Every job gets its own
// result; once the task is cancelled, jobs not yet launched fail with the
// cancellation error while running installers finish.
func (p *Pipeline) InstallBatch(ctx context.Context, jobs []Job) *Task[[]installer.Result] {
	return start(ctx, KindInstall, func(ctx context.Context, emit func(Event)) ([]installer.Result, error) {
		return runBatch(ctx, p.workers(), len(jobs), emit, func(i int) installer.Result {
			j := jobs[i]
			if j.Heuristic {
				return p.Executor.InstallHeuristic(ctx, j.Request.InstallerPath, j.Request.Mode)
			}
			return p.Executor.Install(ctx, j.Request)
		}), nil
	})
}

// UninstallBatch uninstalls programs recorded in the ledger.
func (p *Pipeline) UninstallBatch(ctx context.Context, defs []catalog.ProgramDefinition) *Task[[]installer.Result] {
	return start(ctx, KindUninstall, func(ctx context.Context, emit func(Event)) ([]installer.Result, error) {
		return runBatch(ctx, p.workers(), len(defs), emit, func(i int) installer.Result {
			return p.Executor.Uninstall(ctx, defs[i])
		}), nil
	})
}

func runBatch(ctx context.Context, workers, n int, emit func(Event), run func(i int) installer.Result) []installer.Result {
	results := make([]installer.Result, n)
	var g errgroup.Group
	g.SetLimit(workers)
	var mu sync.Mutex
	done := 0
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res := run(i)
			results[i] = res
			mu.Lock()
			done++
			emit(Event{Done: done, Total: n, Item: res.ProgramID, Message: res.State.String(), Err: res.Err})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

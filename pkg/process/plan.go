// pkg/process/plan.go - turning scan results into install jobs.

package process

import (
	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/identify"
	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/status"
)

// PlanOptions selects which scan results become jobs.
type PlanOptions struct {
	Mode catalog.Mode
	// Match selects programs by id; nil selects all.
	Match func(id string) bool
	// Heuristic adds likely installers that matched no program.
	Heuristic bool
}

// PlanInstalls returns one job per matched program, using the installer
// with the highest metadata version and the first one found on a tie.
// Heuristic jobs follow in scan order.
func PlanInstalls(rep ScanReport, store *catalog.Store, opts PlanOptions) []Job {
	best := make(map[string]int)
	var order []string
	for i, it := range rep.Items {
		id := it.Result.ProgramID
		if it.Result.Kind != identify.Configured || (opts.Match != nil && !opts.Match(id)) {
			continue
		}
		prev, seen := best[id]
		if !seen {
			best[id] = i
			order = append(order, id)
			continue
		}
		if c, ok := status.Compare(rep.Items[prev].Metadata.Version, it.Metadata.Version); ok && c < 0 {
			best[id] = i
		}
	}

	var jobs []Job
	for _, p := range store.Programs() {
		i, ok := best[p.ID]
		if !ok {
			continue
		}
		jobs = append(jobs, Job{Request: ScanItemRequest(rep.Items[i], p, opts.Mode)})
	}
	logging.Debug("Planned catalog installs", "programs", len(order), "jobs", len(jobs))

	if opts.Heuristic {
		for _, it := range rep.Heuristic() {
			jobs = append(jobs, Job{
				Heuristic: true,
				Request:   installer.InstallRequest{InstallerPath: it.Candidate.Path, Mode: opts.Mode, Metadata: it.Metadata},
			})
		}
	}
	return jobs
}

// ScanItemRequest builds the install request for a scanned installer.
func ScanItemRequest(it ScanItem, p catalog.ProgramDefinition, mode catalog.Mode) installer.InstallRequest {
	return installer.InstallRequest{
		Program:       p,
		InstallerPath: it.Candidate.Path,
		Mode:          mode,
		Metadata:      it.Metadata,
	}
}

// SkipInstalled drops catalog jobs whose program is already installed,
// unless the installer reports a newer version than the registry.
func SkipInstalled(jobs []Job, checks []CheckResult) (keep []Job, skipped []string) {
	byID := make(map[string]status.InstallationStatus, len(checks))
	for _, c := range checks {
		byID[c.Program.ID] = c.Status
	}
	for _, j := range jobs {
		if j.Heuristic {
			keep = append(keep, j)
			continue
		}
		st, ok := byID[j.Request.Program.ID]
		if !ok || !st.Installed {
			keep = append(keep, j)
			continue
		}
		if status.IsOlderVersion(st.Version, j.Request.Metadata.Version) {
			logging.Info("Upgrade available", "program", st.ProgramID,
				"installed", st.Version, "installer", j.Request.Metadata.Version)
			keep = append(keep, j)
			continue
		}
		skipped = append(skipped, j.Request.Program.ID)
	}
	return keep, skipped
}

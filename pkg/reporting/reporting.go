// pkg/reporting/reporting.go - run history exported to SQLite for external monitoring tools.
//
// The database is write-only from this program's point of view: installation
// state is always derived from the registry, never read back from here.

package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/windowsadmins/cimiscan/pkg/installer"
	"github.com/windowsadmins/cimiscan/pkg/process"
)

const timeLayout = time.RFC3339Nano

// History records one run.
type History struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Open creates or upgrades the database at path and starts a run for command.
func Open(ctx context.Context, path, command string, facts HostFacts) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	h := &History{db: db, runID: uuid.NewString(), now: time.Now}
	_, err = db.ExecContext(ctx, `INSERT INTO runs
		(run_id, started_at, command, hostname, os_caption, os_version, architecture, manufacturer, model, domain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.runID, h.stamp(), command, facts.Hostname, facts.OSCaption, facts.OSVersion,
		facts.Architecture, facts.Manufacturer, facts.Model, facts.Domain)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return h, nil
}

// RunID returns the id of the current run.
func (h *History) RunID() string { return h.runID }

func (h *History) stamp() string { return h.now().UTC().Format(timeLayout) }

// RecordScan stores every identified candidate of a scan.
func (h *History) RecordScan(ctx context.Context, rep process.ScanReport) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO scan_results
			(run_id, path, size_bytes, sha256, product_name, description, kind, program_id, matched_by, score, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range rep.Items {
			r := it.Result
			_, err := stmt.ExecContext(ctx, h.runID, it.Candidate.Path, it.Candidate.SizeBytes,
				nullString(it.SHA256), nullString(it.Metadata.ProductName), nullString(it.Metadata.Description),
				r.Kind.String(), nullString(r.ProgramID), nullString(string(r.MatchedBy)), r.Score, nullString(r.Reason))
			if err != nil {
				return fmt.Errorf("insert scan result %s: %w", it.Candidate.Path, err)
			}
		}
		return nil
	})
}

// RecordStatuses stores registry check results.
func (h *History) RecordStatuses(ctx context.Context, results []process.CheckResult) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO statuses
			(run_id, program_id, installed, version, uninstall_string, product_code, matched_rule, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range results {
			st := r.Status
			_, err := stmt.ExecContext(ctx, h.runID, r.Program.ID, st.Installed,
				nullString(st.Version), nullString(st.UninstallString), nullString(st.ProductCode),
				st.MatchedRule, errString(r.Err))
			if err != nil {
				return fmt.Errorf("insert status %s: %w", r.Program.ID, err)
			}
		}
		return nil
	})
}

// RecordOutcomes stores install and uninstall results.
func (h *History) RecordOutcomes(ctx context.Context, results []installer.Result) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO outcomes
			(run_id, program_id, operation, mode, command, state, exit_code, error, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range results {
			var started any
			if !r.Started.IsZero() {
				started = r.Started.UTC().Format(timeLayout)
			}
			_, err := stmt.ExecContext(ctx, h.runID, r.ProgramID, string(r.Operation), nullString(string(r.Mode)),
				nullString(r.Command), r.State.String(), r.ExitCode, errString(r.Err), started, r.Duration.Milliseconds())
			if err != nil {
				return fmt.Errorf("insert outcome %s: %w", r.ProgramID, err)
			}
		}
		return nil
	})
}

// Close marks the run finished and closes the database.
func (h *History) Close(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE run_id = ?`, h.stamp(), h.runID)
	return errors.Join(err, h.db.Close())
}

func (h *History) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func errString(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

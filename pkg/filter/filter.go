// pkg/filter/filter.go - selecting catalog programs with --program.

package filter

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// ProgramFilter holds the --program selection.
type ProgramFilter struct {
	ids []string
}

// NewProgramFilter creates an empty filter that selects every program.
func NewProgramFilter() *ProgramFilter {
	return &ProgramFilter{}
}

// RegisterFlags registers the --program flag on fs.
func (f *ProgramFilter) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&f.ids,
		"program",
		nil,
		"Limit the operation to the given program id(s). "+
			"Can be repeated or given as a comma-separated list.",
	)
}

// SetPrograms sets the selection programmatically.
func (f *ProgramFilter) SetPrograms(ids []string) {
	f.ids = ids
}

// Programs returns the requested ids as given.
func (f *ProgramFilter) Programs() []string {
	return f.ids
}

// HasFilter returns true if any programs are selected.
func (f *ProgramFilter) HasFilter() bool {
	return len(f.ids) > 0
}

// Match reports whether id is selected. Ids compare case-insensitively.
func (f *ProgramFilter) Match(id string) bool {
	if !f.HasFilter() {
		return true
	}
	for _, want := range f.ids {
		if strings.EqualFold(strings.TrimSpace(want), id) {
			return true
		}
	}
	return false
}

// Apply returns the selected definitions in catalog order. A requested id
// the catalog does not declare is an error.
func (f *ProgramFilter) Apply(store *catalog.Store) ([]catalog.ProgramDefinition, error) {
	all := store.Programs()
	if !f.HasFilter() {
		return all, nil
	}

	var unknown []string
	for _, want := range f.ids {
		found := false
		for _, p := range all {
			if strings.EqualFold(strings.TrimSpace(want), p.ID) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, want)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown program(s): %s", strings.Join(unknown, ", "))
	}

	var filtered []catalog.ProgramDefinition
	for _, p := range all {
		if f.Match(p.ID) {
			filtered = append(filtered, p)
		}
	}
	logging.Info("Filtered catalog via --program", "selected", len(filtered), "total", len(all))
	return filtered, nil
}

// IDs returns the ids of defs.
func IDs(defs []catalog.ProgramDefinition) []string {
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	return ids
}

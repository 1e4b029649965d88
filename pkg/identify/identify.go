// pkg/identify/identify.go - classifies candidate installers against the catalog.
//
// Identification is a pure function of its inputs: the candidate, its
// metadata, the catalog snapshot and the detection settings.

package identify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/extract"
	"github.com/windowsadmins/cimiscan/pkg/scan"
)

// Kind is the classification of a candidate.
type Kind int

const (
	Rejected Kind = iota
	Heuristic
	Configured
)

func (k Kind) String() string {
	switch k {
	case Configured:
		return "configured"
	case Heuristic:
		return "heuristic"
	default:
		return "rejected"
	}
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// MatchedBy records which identity rule matched a Configured result.
type MatchedBy string

const (
	ByMetadata MatchedBy = "metadata"
	ByPattern  MatchedBy = "pattern"
)

// Result is exactly one classification for a file.
type Result struct {
	Kind Kind `json:"kind"`

	// Configured
	ProgramID string    `json:"program_id,omitempty"`
	MatchedBy MatchedBy `json:"matched_by,omitempty"`

	// Heuristic; also filled for a Rejected result that scored too low.
	Score   int      `json:"score,omitempty"`
	Reasons []string `json:"reasons,omitempty"`

	// Rejected
	Reason string `json:"reason,omitempty"`
}

func (r Result) String() string {
	switch r.Kind {
	case Configured:
		return fmt.Sprintf("configured %s (by %s)", r.ProgramID, r.MatchedBy)
	case Heuristic:
		return fmt.Sprintf("heuristic %d [%s]", r.Score, strings.Join(r.Reasons, "; "))
	default:
		return "rejected: " + r.Reason
	}
}

// Input is what heuristics look at.
type Input struct {
	Candidate scan.CandidateFile
	Metadata  extract.FileMetadata
	Settings  catalog.DetectionSettings
}

// Engine identifies candidates against one catalog snapshot.
type Engine struct {
	store      *catalog.Store
	heuristics []Rule
	threshold  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithHeuristics replaces the heuristic rule table.
func WithHeuristics(rules []Rule) Option {
	return func(e *Engine) { e.heuristics = rules }
}

// WithThreshold sets the minimum score for a Heuristic result.
func WithThreshold(score int) Option {
	return func(e *Engine) { e.threshold = score }
}

// New returns an Engine over store with the default heuristics.
func New(store *catalog.Store, opts ...Option) *Engine {
	e := &Engine{store: store, heuristics: DefaultRules(), threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identify classifies c using the store's detection settings.
func (e *Engine) Identify(c scan.CandidateFile, md extract.FileMetadata) Result {
	return e.identify(c, md, e.store.Settings())
}

// Identify classifies c with the default heuristics.
func Identify(c scan.CandidateFile, md extract.FileMetadata, store *catalog.Store, settings catalog.DetectionSettings) Result {
	return New(store).identify(c, md, settings)
}

func (e *Engine) identify(c scan.CandidateFile, md extract.FileMetadata, settings catalog.DetectionSettings) Result {
	name := filepath.Base(c.Path)

	if reason := scan.RejectReason(settings, name, c.SizeBytes); reason != "" {
		return Result{Kind: Rejected, Reason: reason}
	}
	if term, field := excludedProperty(md, settings); term != "" {
		return Result{Kind: Rejected, Reason: fmt.Sprintf("%s contains excluded term %q", field, term)}
	}

	for _, p := range e.store.Programs() {
		if matchesMetadata(p.Identity, md) {
			return Result{Kind: Configured, ProgramID: p.ID, MatchedBy: ByMetadata}
		}
		if matchesPattern(p.Identity, name) {
			return Result{Kind: Configured, ProgramID: p.ID, MatchedBy: ByPattern}
		}
	}

	score, reasons := Score(e.heuristics, Input{Candidate: c, Metadata: md, Settings: settings})
	if score >= e.threshold {
		return Result{Kind: Heuristic, Score: score, Reasons: reasons}
	}
	return Result{
		Kind:    Rejected,
		Score:   score,
		Reasons: reasons,
		Reason:  fmt.Sprintf("heuristic score %d below %d", score, e.threshold),
	}
}

func excludedProperty(md extract.FileMetadata, settings catalog.DetectionSettings) (term, field string) {
	fields := []struct {
		name  string
		value string
	}{
		{"product name", md.ProductName},
		{"description", md.Description},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		lower := strings.ToLower(f.value)
		for _, sub := range settings.ExcludePropertySubstrings {
			if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
				return sub, f.name
			}
		}
	}
	return "", ""
}

func matchesMetadata(id catalog.Identity, md extract.FileMetadata) bool {
	return equalsAny(md.ProductName, id.ProductNames) || equalsAny(md.Description, id.Descriptions)
}

func equalsAny(value string, candidates []string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, c := range candidates {
		if strings.EqualFold(value, strings.TrimSpace(c)) {
			return true
		}
	}
	return false
}

// matchesPattern compares case-insensitively; patterns were validated at load.
func matchesPattern(id catalog.Identity, name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range id.FilenamePatterns {
		if ok, _ := filepath.Match(strings.ToLower(pattern), lower); ok {
			return true
		}
	}
	return false
}

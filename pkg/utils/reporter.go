// pkg/utils/reporter.go - progress sink shared by the CLI and background tasks.

package utils

import (
	"fmt"
	"io"
	"sync"
)

// Reporter receives user-facing progress.
type Reporter interface {
	Message(txt string)
	Detail(txt string)
	Percent(pct int) // -1 = indeterminate
	Error(err error)
	Stop()
}

// NoOpReporter implements Reporter but does nothing (for headless operation)
type NoOpReporter struct{}

func NewNoOpReporter() Reporter {
	return &NoOpReporter{}
}

func (r *NoOpReporter) Message(txt string) {}
func (r *NoOpReporter) Detail(txt string)  {}
func (r *NoOpReporter) Percent(pct int)    {}
func (r *NoOpReporter) Error(err error)    {}
func (r *NoOpReporter) Stop()              {}

// ConsoleReporter writes one line per update. Percent lines are only
// written when the value changes.
type ConsoleReporter struct {
	mu      sync.Mutex
	w       io.Writer
	last    int
	details bool
}

// NewConsoleReporter writes to w. Detail lines are shown only when details is set.
func NewConsoleReporter(w io.Writer, details bool) *ConsoleReporter {
	return &ConsoleReporter{w: w, last: -1, details: details}
}

func (r *ConsoleReporter) Message(txt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, txt)
}

func (r *ConsoleReporter) Detail(txt string) {
	if !r.details {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, "  "+txt)
}

func (r *ConsoleReporter) Percent(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pct < 0 || pct == r.last {
		return
	}
	r.last = pct
	fmt.Fprintf(r.w, "[%3d%%]\n", pct)
}

func (r *ConsoleReporter) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "error: %v\n", err)
}

func (r *ConsoleReporter) Stop() {}

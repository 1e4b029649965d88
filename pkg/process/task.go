// pkg/process/task.go - cancellable background operations with progress events.

package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/windowsadmins/cimiscan/pkg/utils"
)

// Kind names a long-running operation.
type Kind string

const (
	KindScan      Kind = "scan"
	KindCheck     Kind = "check"
	KindInstall   Kind = "install"
	KindUninstall Kind = "uninstall"
)

// Event is one progress report. Total is zero while the amount of work is
// still unknown, as during a directory walk.
type Event struct {
	Kind  Kind
	Done  int
	Total int
	// Item is the file or program the event is about.
	Item    string
	Message string
	Err     error
}

// Percent returns the completion percentage, or -1 when Total is unknown.
func (e Event) Percent() int {
	if e.Total <= 0 {
		return -1
	}
	return e.Done * 100 / e.Total
}

// Task is an operation running in its own goroutine. Events are delivered
// in order on a buffered channel that is closed when the task ends; a
// consumer that falls behind loses events, never blocks the task.
type Task[T any] struct {
	kind   Kind
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result T
	err    error
}

const eventBuffer = 256

func start[T any](ctx context.Context, kind Kind, run func(ctx context.Context, emit func(Event)) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		kind:   kind,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	var emitMu sync.Mutex
	emit := func(ev Event) {
		ev.Kind = kind
		emitMu.Lock()
		defer emitMu.Unlock()
		select {
		case t.events <- ev:
		default:
		}
	}

	go func() {
		defer close(t.done)
		defer close(t.events)
		defer cancel()
		res, err := run(ctx, emit)
		t.mu.Lock()
		t.result, t.err = res, err
		t.mu.Unlock()
	}()
	return t
}

// Kind returns the operation kind.
func (t *Task[T]) Kind() Kind { return t.kind }

// Events returns the progress channel.
func (t *Task[T]) Events() <-chan Event { return t.events }

// Cancel asks the task to stop before its next unit of work. Installers
// already running are not interrupted.
func (t *Task[T]) Cancel() { t.cancel() }

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the task ends and returns its result.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Forward relays events to r until the channel closes.
func Forward(events <-chan Event, r utils.Reporter) {
	for ev := range events {
		if ev.Err != nil {
			r.Error(fmt.Errorf("%s: %w", ev.Item, ev.Err))
		} else {
			r.Detail(fmt.Sprintf("%s: %s", ev.Item, ev.Message))
		}
		r.Percent(ev.Percent())
	}
}

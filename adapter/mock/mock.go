// Package mock provides a scripted execution adapter for testing and
// local development.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conductorhq/conductor/adapter"
	"github.com/conductorhq/conductor/task"
)

// Outcome scripts what the adapter does for one task.
type Outcome struct {
	Err   error         // returned from Execute/Resume
	Delay time.Duration // simulated work duration
	Usage task.Usage    // reported before returning
}

// MockAdapter implements adapter.Adapter with scripted per-task
// outcomes. Tasks without a script succeed immediately.
type MockAdapter struct {
	mu        sync.Mutex
	outcomes  map[string]Outcome
	cancelled map[string]context.CancelFunc
	reporter  adapter.Reporter
	defDelay  time.Duration
}

// New creates a MockAdapter reporting progress to r.
func New(r adapter.Reporter) *MockAdapter {
	return &MockAdapter{
		outcomes:  make(map[string]Outcome),
		cancelled: make(map[string]context.CancelFunc),
		reporter:  r,
	}
}

// SetReporter wires the progress reporter. The lifecycle and the
// adapter reference each other, so the reporter is attached after both
// are constructed.
func (m *MockAdapter) SetReporter(r adapter.Reporter) {
	m.mu.Lock()
	m.reporter = r
	m.mu.Unlock()
}

// Name returns the adapter identifier.
func (m *MockAdapter) Name() string { return "mock" }

// Script sets the outcome for a task ID.
func (m *MockAdapter) Script(taskID string, o Outcome) {
	m.mu.Lock()
	m.outcomes[taskID] = o
	m.mu.Unlock()
}

// SetDelay sets the default simulated work duration for unscripted tasks.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.defDelay = d
	m.mu.Unlock()
}

// Execute simulates running the task: logs the start, waits out the
// scripted delay (abortable via Cancel), reports usage, and returns the
// scripted error.
func (m *MockAdapter) Execute(ctx context.Context, taskID string) error {
	return m.run(ctx, taskID, "")
}

// Resume simulates continuing from a checkpoint.
func (m *MockAdapter) Resume(ctx context.Context, taskID, checkpoint string) error {
	return m.run(ctx, taskID, checkpoint)
}

// Cancel aborts in-flight work for the task, if any.
func (m *MockAdapter) Cancel(taskID string) {
	m.mu.Lock()
	cancel := m.cancelled[taskID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *MockAdapter) run(ctx context.Context, taskID, checkpoint string) error {
	m.mu.Lock()
	o, scripted := m.outcomes[taskID]
	if !scripted {
		o = Outcome{Delay: m.defDelay}
	}
	reporter := m.reporter
	ctx, cancel := context.WithCancel(ctx)
	m.cancelled[taskID] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.cancelled, taskID)
		m.mu.Unlock()
		cancel()
	}()

	if reporter != nil {
		if checkpoint != "" {
			reporter.ReportLog(taskID, "info", fmt.Sprintf("resuming from checkpoint %s", checkpoint))
		} else {
			reporter.ReportLog(taskID, "info", "execution started")
		}
	}

	if o.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.Delay):
		}
	}

	if reporter != nil && (o.Usage != task.Usage{}) {
		reporter.ReportUsage(taskID, o.Usage)
	}
	return o.Err
}

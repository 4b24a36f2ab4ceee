// Package adapter defines the execution collaborator interface consumed
// by the orchestration engine. The adapter performs the actual work of a
// task; the engine only starts, resumes, and cancels it, and consumes
// progress through the Reporter callbacks.
package adapter

import (
	"context"

	"github.com/conductorhq/conductor/task"
)

// Adapter is an external collaborator that executes task work.
// Execute and Resume block until the work finishes or fails; the engine
// runs them on background goroutines. Cancel is best-effort: the engine
// marks the task cancelled regardless of whether in-flight work can be
// interrupted.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "mock").
	Name() string

	// Execute runs the task from the beginning.
	Execute(ctx context.Context, taskID string) error

	// Resume continues the task from an opaque checkpoint handle
	// previously reported via Reporter.ReportCheckpoint.
	Resume(ctx context.Context, taskID, checkpoint string) error

	// Cancel signals the adapter to abort in-flight work for the task.
	Cancel(taskID string)
}

// Reporter receives progress callbacks from a running adapter. The
// engine implements it; every callback for a task already in a terminal
// state is silently discarded.
type Reporter interface {
	// ReportStatus requests a status/stage transition for the task.
	ReportStatus(taskID string, status task.Status, stage, message string)

	// ReportLog appends one entry to the task's log.
	ReportLog(taskID, level, message string)

	// ReportUsage folds token/cost counters into the task's usage.
	ReportUsage(taskID string, usage task.Usage)

	// ReportCheckpoint records an opaque resume handle for the task.
	ReportCheckpoint(taskID, checkpoint string)
}

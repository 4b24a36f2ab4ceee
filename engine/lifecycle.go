// Package engine implements the task orchestration core: the lifecycle
// state machine, the subtask scheduler, and the gate controller.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conductorhq/conductor/adapter"
	"github.com/conductorhq/conductor/events"
	"github.com/conductorhq/conductor/task"
)

// errDiscard aborts a store mutation without surfacing an error;
// used to drop late adapter callbacks for terminal tasks.
var errDiscard = errors.New("mutation discarded")

// CreateOptions carries the optional fields of a create call.
type CreateOptions struct {
	Workflow           string
	Autonomy           task.Autonomy
	Priority           task.Priority
	Effort             task.Effort
	AcceptanceCriteria []string
	MaxRetries         int
}

// subtaskResumer is the slice of the scheduler the lifecycle controller
// needs to delegate resume() for parents with unfinished children.
type subtaskResumer interface {
	HasPendingSubtasks(parentID string) (bool, error)
	ContinuePendingSubtasks(parentID string) error
}

// Lifecycle validates and applies every status, trash, and archive
// transition. It is the only component that moves a task between
// lifecycle states; all mutations go through the store's per-task
// serialization point, and every state change publishes exactly one
// event to the task's topic.
type Lifecycle struct {
	store      task.Store
	bus        *events.Bus
	adapter    adapter.Adapter
	logger     *slog.Logger
	scheduler  subtaskResumer
	maxRetries int // default cap applied to new tasks; 0 disables the cap

	// runMu guards runGen: a per-task run generation bumped under the
	// store lock whenever a new adapter run is dispatched or an old one
	// invalidated. A run finalizes only while its generation is current;
	// a stale run (superseded by retry) is discarded like a late callback.
	runMu  sync.Mutex
	runGen map[string]uint64
}

// NewLifecycle creates a lifecycle controller. The scheduler is attached
// later via SetScheduler because the two reference each other.
func NewLifecycle(store task.Store, bus *events.Bus, ad adapter.Adapter, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   store,
		bus:     bus,
		adapter: ad,
		logger:  logger,
		runGen:  make(map[string]uint64),
	}
}

// nextRun invalidates any in-flight run for the task and returns the
// new current generation. Called inside a Mutate closure so the bump is
// ordered with the transition it accompanies.
func (c *Lifecycle) nextRun(id string) uint64 {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.runGen[id]++
	return c.runGen[id]
}

func (c *Lifecycle) currentRun(id string) uint64 {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.runGen[id]
}

// SetScheduler attaches the subtask scheduler used by Resume.
func (c *Lifecycle) SetScheduler(s subtaskResumer) { c.scheduler = s }

// SetDefaultMaxRetries sets the retry cap stamped onto new tasks.
// Zero disables the cap.
func (c *Lifecycle) SetDefaultMaxRetries(n int) { c.maxRetries = n }

// Store exposes the backing store for read-only collaborators.
func (c *Lifecycle) Store() task.Store { return c.store }

func (c *Lifecycle) publish(eventType, taskID string, data any) {
	c.bus.Publish(events.New(eventType, taskID, data))
}

// Create validates the description, persists a new pending task, and
// triggers an asynchronous start. Adapter failures during the async
// start never reach the caller.
func (c *Lifecycle) Create(description string, opts CreateOptions) (*task.Task, error) {
	if description == "" {
		return nil, task.NewValidation("Description is required")
	}
	if err := validateEnums(opts); err != nil {
		return nil, err
	}

	t := &task.Task{
		Description:        description,
		Workflow:           opts.Workflow,
		Autonomy:           opts.Autonomy,
		Priority:           opts.Priority,
		Effort:             opts.Effort,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		Status:             task.StatusPending,
		MaxRetries:         opts.MaxRetries,
	}
	if t.Autonomy == "" {
		t.Autonomy = task.AutonomyAssisted
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}
	if t.Effort == "" {
		t.Effort = task.EffortMedium
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = c.maxRetries
	}

	if _, err := c.store.Create(t); err != nil {
		return nil, err
	}
	c.publish("task:created", t.ID, t)

	if err := c.Start(t.ID); err != nil {
		// Create already succeeded; a start race is not the caller's problem.
		c.logger.Warn("auto-start after create failed",
			slog.String("task_id", t.ID), slog.Any("err", err))
	}
	return t, nil
}

func validateEnums(opts CreateOptions) error {
	switch opts.Priority {
	case "", task.PriorityLow, task.PriorityMedium, task.PriorityHigh:
	default:
		return task.NewValidation("invalid priority: %s", opts.Priority)
	}
	switch opts.Effort {
	case "", task.EffortSmall, task.EffortMedium, task.EffortLarge:
	default:
		return task.NewValidation("invalid effort: %s", opts.Effort)
	}
	switch opts.Autonomy {
	case "", task.AutonomyManual, task.AutonomyAssisted, task.AutonomyAutonomous:
	default:
		return task.NewValidation("invalid autonomy: %s", opts.Autonomy)
	}
	return nil
}

// Start moves a pending or queued task to in-progress and invokes the
// adapter on a background goroutine. The call returns as soon as the
// transition is applied; an adapter failure moves the task to failed
// and is logged, never propagated.
func (c *Lifecycle) Start(id string) error {
	gen, err := c.beginRun(id)
	if err != nil {
		return err
	}
	go c.runBlocking(id, "", gen)
	return nil
}

// beginRun applies the pending/queued -> in-progress transition and
// returns the generation token for the run being dispatched.
func (c *Lifecycle) beginRun(id string) (uint64, error) {
	var gen uint64
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status != task.StatusPending && t.Status != task.StatusQueued {
			return task.NewInvalidTransition("task %s is already running (status: %s)", id, t.Status)
		}
		t.Status = task.StatusInProgress
		gen = c.nextRun(id)
		return nil
	}, func(*task.Task) {
		c.publish("task:started", id, map[string]any{"status": task.StatusInProgress})
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// runBlocking drives the adapter for one task and applies the terminal
// transition when it returns. It is the synchronous core behind Start
// and Resume, reused by the scheduler to sequence children. The final
// status is returned for callers that need it.
func (c *Lifecycle) runBlocking(id, checkpoint string, gen uint64) task.Status {
	var execErr error
	if checkpoint != "" {
		execErr = c.adapter.Resume(context.Background(), id, checkpoint)
	} else {
		execErr = c.adapter.Execute(context.Background(), id)
	}

	final := task.StatusCompleted
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		// A task cancelled, failed, completed, or paused while the
		// adapter ran keeps that state, and a run superseded by a newer
		// dispatch (retry of a stuck task) never applies its result.
		if t.Status.Terminal() || t.Status == task.StatusPaused || gen != c.currentRun(id) {
			final = t.Status
			return errDiscard
		}
		if execErr != nil {
			t.Status = task.StatusFailed
			t.Logs = append(t.Logs, task.LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "error",
				Message:   "execution failed: " + execErr.Error(),
			})
			final = task.StatusFailed
			return nil
		}
		t.Status = task.StatusCompleted
		return nil
	}, func(t *task.Task) {
		if execErr != nil {
			c.publish("task:failed", id, map[string]any{"error": execErr.Error()})
		} else {
			c.publish("task:completed", id, map[string]any{"status": t.Status})
		}
	})
	if err != nil {
		if !errors.Is(err, errDiscard) {
			c.logger.Error("finalize run", slog.String("task_id", id), slog.Any("err", err))
		}
		return final
	}
	if execErr != nil {
		c.logger.Warn("task execution failed",
			slog.String("task_id", id), slog.Any("err", execErr))
	}
	return final
}

// UpdateStatus applies a caller-requested status/stage transition. The
// status string is validated against the fixed enum; unrecognized
// values are rejected rather than stored.
func (c *Lifecycle) UpdateStatus(id string, status task.Status, stage, message string) (*task.Task, error) {
	if !task.ValidStatus(status) {
		return nil, task.NewValidation("invalid status: %s", status)
	}
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		t.Status = status
		if stage != "" {
			t.Stage = stage
		}
		if message != "" {
			t.Logs = append(t.Logs, task.LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "info",
				Message:   message,
				Stage:     stage,
			})
		}
		return nil
	}, func(*task.Task) {
		c.publish("stage-changed", id, map[string]any{
			"status":  status,
			"stage":   stage,
			"message": message,
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Pause suspends an in-progress task. The checkpoint handle recorded by
// the adapter's last ReportCheckpoint is what Resume hands back.
func (c *Lifecycle) Pause(id, reason string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status != task.StatusInProgress {
			return task.NewInvalidTransition("only in-progress tasks can be paused (current status: %s)", t.Status)
		}
		now := time.Now().UTC()
		t.Status = task.StatusPaused
		t.PausedAt = &now
		if reason != "" {
			t.Logs = append(t.Logs, task.LogEntry{
				Timestamp: now,
				Level:     "info",
				Message:   "paused: " + reason,
			})
		}
		return nil
	}, func(t *task.Task) {
		c.publish("task:paused", id, map[string]any{"reason": reason, "resumeAfter": t.ResumeAfter})
	})
	if err != nil {
		return nil, err
	}
	c.adapter.Cancel(id) // best-effort; the checkpoint already captured progress
	return t, nil
}

// Resume dispatches on the task's current state: paused tasks resume
// from their checkpoint, pending/queued tasks start, and terminal
// parents with pending subtasks re-drive only those children.
func (c *Lifecycle) Resume(id string) error {
	t, err := c.store.Get(id)
	if err != nil {
		return err
	}

	switch {
	case t.Status == task.StatusPaused:
		checkpoint := t.ResumeAfter
		var gen uint64
		if _, err := c.store.Mutate(id, func(t *task.Task) error {
			if t.Status != task.StatusPaused {
				return task.NewInvalidTransition("task %s cannot be resumed (status: %s)", id, t.Status)
			}
			t.Status = task.StatusInProgress
			t.PausedAt = nil
			t.ResumeAttempts++
			gen = c.nextRun(id)
			return nil
		}, func(*task.Task) {
			c.publish("task:resumed", id, map[string]any{"checkpoint": checkpoint})
		}); err != nil {
			return err
		}
		go c.runBlocking(id, checkpoint, gen)
		return nil

	case t.Status == task.StatusPending || t.Status == task.StatusQueued:
		return c.Start(id)

	case t.Status.Terminal():
		if c.scheduler != nil {
			pending, err := c.scheduler.HasPendingSubtasks(id)
			if err != nil {
				return err
			}
			if pending {
				return c.scheduler.ContinuePendingSubtasks(id)
			}
		}
		return task.NewInvalidTransition("task %s cannot be resumed (status: %s)", id, t.Status)

	default:
		return task.NewInvalidTransition("task %s cannot be resumed (status: %s)", id, t.Status)
	}
}

// Cancel moves a non-terminal task to cancelled and signals the adapter
// to abort, best-effort. The store reflects cancellation immediately;
// late adapter callbacks for the task are discarded.
func (c *Lifecycle) Cancel(id string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return task.NewInvalidTransition("task %s is already %s", id, t.Status)
		}
		t.Status = task.StatusCancelled
		return nil
	}, func(*task.Task) {
		c.publish("task:cancelled", id, map[string]any{"status": task.StatusCancelled})
	})
	if err != nil {
		return nil, err
	}
	c.adapter.Cancel(id)
	return t, nil
}

// Retry moves a failed, cancelled, or stuck (in-progress/planning) task
// back to pending and re-invokes start. When the task carries a retry
// cap, exceeding it fails the call. Retrying a stuck task invalidates
// its in-flight run: the old run's result can no longer finalize, so a
// stale failure cannot clobber the retried execution.
func (c *Lifecycle) Retry(id string) error {
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		switch t.Status {
		case task.StatusFailed, task.StatusCancelled, task.StatusInProgress, task.StatusPlanning:
		default:
			return task.NewInvalidTransition("task %s cannot be retried (status: %s)", id, t.Status)
		}
		if t.MaxRetries > 0 && t.RetryCount >= t.MaxRetries {
			return task.NewInvalidTransition("retry limit reached (%d/%d)", t.RetryCount, t.MaxRetries)
		}
		t.RetryCount++
		t.Status = task.StatusPending
		t.PausedAt = nil
		c.nextRun(id)
		return nil
	}, func(*task.Task) {
		c.publish("task:retried", id, nil)
	})
	if err != nil {
		return err
	}
	c.adapter.Cancel(id)
	return c.Start(id)
}

// AppendLog appends one entry to the task's append-only log.
func (c *Lifecycle) AppendLog(id, level, message string) error {
	if message == "" {
		return task.NewValidation("log message is required")
	}
	if level == "" {
		level = "info"
	}
	entry := task.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
	if _, err := c.store.Mutate(id, func(t *task.Task) error {
		t.Logs = append(t.Logs, entry)
		return nil
	}, func(*task.Task) {
		c.publish("task:log", id, entry)
	}); err != nil {
		return err
	}
	return nil
}

// Trash soft-deletes a task. The status is forced to cancelled as a
// side effect; execution is aborted best-effort.
func (c *Lifecycle) Trash(id string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Trashed() {
			return task.NewInvalidTransition("already in trash")
		}
		now := time.Now().UTC()
		t.TrashedAt = &now
		t.Status = task.StatusCancelled
		return nil
	}, func(t *task.Task) {
		c.publish("task:trashed", id, map[string]any{"trashedAt": t.TrashedAt})
	})
	if err != nil {
		return nil, err
	}
	c.adapter.Cancel(id)
	return t, nil
}

// Restore takes a task out of the trash, back to pending. Execution is
// not restarted automatically.
func (c *Lifecycle) Restore(id string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if !t.Trashed() {
			return task.NewInvalidTransition("not in trash")
		}
		t.TrashedAt = nil
		t.Status = task.StatusPending
		return nil
	}, func(*task.Task) {
		c.publish("task:restored", id, map[string]any{"status": task.StatusPending})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Archive puts a completed task away. Only completed, unarchived tasks
// qualify; the error text names the offending status.
func (c *Lifecycle) Archive(id string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Archived() {
			return task.NewInvalidTransition("Task is already archived")
		}
		if t.Status != task.StatusCompleted {
			return task.NewInvalidTransition("only completed tasks can be archived (current status: %s)", t.Status)
		}
		now := time.Now().UTC()
		t.ArchivedAt = &now
		return nil
	}, func(t *task.Task) {
		c.publish("task:archived", id, map[string]any{"archivedAt": t.ArchivedAt})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Unarchive clears the archive flag.
func (c *Lifecycle) Unarchive(id string) (*task.Task, error) {
	t, err := c.store.Mutate(id, func(t *task.Task) error {
		if !t.Archived() {
			return task.NewInvalidTransition("Task is not archived")
		}
		t.ArchivedAt = nil
		return nil
	}, func(*task.Task) {
		c.publish("task:unarchived", id, nil)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// EmptyTrash permanently deletes every trashed task. The store snapshots
// then deletes under the per-task discipline, so a task restored during
// the bulk operation survives. One trash:emptied event goes to each
// affected task topic and to the global topic.
func (c *Lifecycle) EmptyTrash() ([]string, error) {
	deleted, err := c.store.DeleteTrashed()
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"deletedCount":   len(deleted),
		"deletedTaskIds": deleted,
	}
	for _, id := range deleted {
		c.publish("trash:emptied", id, data)
	}
	c.bus.PublishGlobal(events.New("trash:emptied", events.GlobalTopic, data))
	return deleted, nil
}

// ListTrashed returns all tasks currently in the trash.
func (c *Lifecycle) ListTrashed() ([]*task.Task, error) {
	trashed := true
	return c.store.List(task.Filter{Trashed: &trashed})
}

// ListArchived returns all archived tasks.
func (c *Lifecycle) ListArchived() ([]*task.Task, error) {
	archived := true
	return c.store.List(task.Filter{Archived: &archived})
}

// --- adapter.Reporter ---
//
// Progress callbacks arrive from the execution collaborator, potentially
// out-of-process, and race with the engine's own transitions. Each one
// goes through the same per-task serialization point; callbacks for a
// task already in a terminal state are silently discarded.

// ReportStatus applies an adapter-requested status transition.
func (c *Lifecycle) ReportStatus(id string, status task.Status, stage, message string) {
	if !task.ValidStatus(status) {
		c.logger.Warn("adapter reported unknown status",
			slog.String("task_id", id), slog.String("status", string(status)))
		return
	}
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return errDiscard
		}
		t.Status = status
		if stage != "" {
			t.Stage = stage
		}
		if message != "" {
			t.Logs = append(t.Logs, task.LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "info",
				Message:   message,
				Stage:     stage,
			})
		}
		return nil
	}, func(*task.Task) {
		c.publish("stage-changed", id, map[string]any{
			"status": status, "stage": stage, "message": message,
		})
	})
	if err != nil && !errors.Is(err, errDiscard) {
		c.logger.Warn("report status", slog.String("task_id", id), slog.Any("err", err))
	}
}

// ReportLog appends an adapter log entry.
func (c *Lifecycle) ReportLog(id, level, message string) {
	entry := task.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return errDiscard
		}
		t.Logs = append(t.Logs, entry)
		return nil
	}, func(*task.Task) {
		c.publish("task:log", id, entry)
	})
	if err != nil && !errors.Is(err, errDiscard) {
		c.logger.Warn("report log", slog.String("task_id", id), slog.Any("err", err))
	}
}

// ReportUsage folds usage counters into the task. Counters are
// monotonically non-decreasing.
func (c *Lifecycle) ReportUsage(id string, usage task.Usage) {
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return errDiscard
		}
		t.Usage.Merge(usage)
		return nil
	}, func(t *task.Task) {
		c.publish("task:usage", id, t.Usage)
	})
	if err != nil && !errors.Is(err, errDiscard) {
		c.logger.Warn("report usage", slog.String("task_id", id), slog.Any("err", err))
	}
}

// ReportCheckpoint records the adapter's latest resume handle.
func (c *Lifecycle) ReportCheckpoint(id, checkpoint string) {
	_, err := c.store.Mutate(id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return errDiscard
		}
		t.ResumeAfter = checkpoint
		return nil
	})
	if err != nil && !errors.Is(err, errDiscard) {
		c.logger.Warn("report checkpoint", slog.String("task_id", id), slog.Any("err", err))
	}
}

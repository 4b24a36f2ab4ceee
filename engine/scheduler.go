package engine

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/conductorhq/conductor/task"
)

// SubtaskDef describes one child task to create during decomposition.
type SubtaskDef struct {
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority,omitempty"`
	Effort      task.Effort   `json:"effort,omitempty"`
}

// Scheduler builds and drives parent/child task graphs. Children are
// ordinary tasks driven through the lifecycle controller; the graph is
// a single-level forest held together by plain id references.
type Scheduler struct {
	store     task.Store
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewScheduler creates a scheduler sharing the lifecycle controller's store.
func NewScheduler(lc *Lifecycle, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     lc.Store(),
		lifecycle: lc,
		logger:    logger,
	}
}

// Decompose creates one pending child task per definition and stamps the
// parent with the ordered child ids and the chosen strategy. A subtask
// may not itself be decomposed, and a parent is decomposed at most once.
func (s *Scheduler) Decompose(parentID string, defs []SubtaskDef, strategy task.Strategy) ([]*task.Task, error) {
	if len(defs) == 0 {
		return nil, task.NewValidation("at least one subtask definition is required")
	}
	if strategy != task.StrategySequential && strategy != task.StrategyParallel {
		return nil, task.NewValidation("invalid strategy: %s", strategy)
	}
	for i, def := range defs {
		if def.Description == "" {
			return nil, task.NewValidation("subtask %d: description is required", i)
		}
	}

	parent, err := s.store.Get(parentID)
	if err != nil {
		return nil, err
	}
	if parent.ParentTaskID != "" {
		return nil, task.NewInvalidTransition("task %s is a subtask and cannot be decomposed", parentID)
	}
	if len(parent.SubtaskIDs) > 0 {
		return nil, task.NewInvalidTransition("task %s is already decomposed", parentID)
	}

	children := make([]*task.Task, 0, len(defs))
	childIDs := make([]string, 0, len(defs))
	for _, def := range defs {
		child := &task.Task{
			Description:  def.Description,
			Workflow:     parent.Workflow,
			Autonomy:     parent.Autonomy,
			Priority:     def.Priority,
			Effort:       def.Effort,
			Status:       task.StatusPending,
			ParentTaskID: parentID,
			MaxRetries:   parent.MaxRetries,
		}
		if child.Priority == "" {
			child.Priority = parent.Priority
		}
		if child.Effort == "" {
			child.Effort = task.EffortSmall
		}
		if _, err := s.store.Create(child); err != nil {
			return nil, err
		}
		children = append(children, child)
		childIDs = append(childIDs, child.ID)
	}

	// subtaskIds and subtaskStrategy are write-once; the re-check under
	// the lock closes the race with a concurrent decompose. Losing that
	// race means the children created above belong to nobody, so they
	// are removed before the error surfaces.
	if _, err := s.store.Mutate(parentID, func(t *task.Task) error {
		if len(t.SubtaskIDs) > 0 {
			return task.NewInvalidTransition("task %s is already decomposed", parentID)
		}
		t.SubtaskIDs = childIDs
		t.SubtaskStrategy = strategy
		return nil
	}, func(t *task.Task) {
		s.lifecycle.publish("task:decomposed", parentID, map[string]any{
			"subtaskIds": childIDs,
			"strategy":   strategy,
		})
	}); err != nil {
		for _, cid := range childIDs {
			if derr := s.store.Delete(cid); derr != nil {
				s.logger.Warn("remove orphaned subtask", slog.String("task_id", cid), slog.Any("err", derr))
			}
		}
		return nil, err
	}
	return children, nil
}

// Execute drives the parent's subtasks per its strategy on a background
// goroutine. The call returns once execution is underway.
func (s *Scheduler) Execute(parentID string) error {
	parent, err := s.store.Get(parentID)
	if err != nil {
		return err
	}
	if len(parent.SubtaskIDs) == 0 {
		return task.NewInvalidTransition("task %s has no subtasks", parentID)
	}

	if err := s.markParentRunning(parentID); err != nil {
		return err
	}
	go s.run(parentID, parent.SubtaskIDs, parent.SubtaskStrategy)
	return nil
}

// HasPendingSubtasks reports whether any of the parent's children are
// still pending.
func (s *Scheduler) HasPendingSubtasks(parentID string) (bool, error) {
	parent, err := s.store.Get(parentID)
	if err != nil {
		return false, err
	}
	for _, id := range parent.SubtaskIDs {
		child, err := s.store.Get(id)
		if err != nil {
			return false, err
		}
		if child.Status == task.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

// ContinuePendingSubtasks re-drives only the children still pending
// after the parent reached a terminal state with unfinished work. It is
// the incremental-recovery path behind resume(); completed children are
// never re-run.
func (s *Scheduler) ContinuePendingSubtasks(parentID string) error {
	parent, err := s.store.Get(parentID)
	if err != nil {
		return err
	}
	if len(parent.SubtaskIDs) == 0 {
		return task.NewInvalidTransition("task %s has no subtasks", parentID)
	}

	pending, err := s.HasPendingSubtasks(parentID)
	if err != nil {
		return err
	}
	if !pending {
		return task.NewInvalidTransition("task %s has no pending subtasks", parentID)
	}

	// Reopen the parent so completion can be re-evaluated.
	if _, err := s.store.Mutate(parentID, func(t *task.Task) error {
		t.Status = task.StatusInProgress
		return nil
	}, func(t *task.Task) {
		s.lifecycle.publish("task:started", parentID, map[string]any{"status": task.StatusInProgress})
	}); err != nil {
		return err
	}

	go s.run(parentID, parent.SubtaskIDs, parent.SubtaskStrategy)
	return nil
}

func (s *Scheduler) markParentRunning(parentID string) error {
	_, err := s.store.Mutate(parentID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return task.NewInvalidTransition("task %s is already %s", parentID, t.Status)
		}
		t.Status = task.StatusInProgress
		return nil
	}, func(t *task.Task) {
		s.lifecycle.publish("task:started", parentID, map[string]any{"status": task.StatusInProgress})
	})
	return err
}

// run executes children per strategy, then settles the parent.
func (s *Scheduler) run(parentID string, childIDs []string, strategy task.Strategy) {
	switch strategy {
	case task.StrategyParallel:
		s.runParallel(childIDs)
	default:
		s.runSequential(childIDs)
	}
	s.settleParent(parentID, childIDs)
}

// runSequential drives children one at a time in creation order. A
// failing child halts the sequence; the rest stay pending so a later
// resume can pick them up.
func (s *Scheduler) runSequential(childIDs []string) {
	for _, id := range childIDs {
		child, err := s.store.Get(id)
		if err != nil {
			s.logger.Error("load subtask", slog.String("task_id", id), slog.Any("err", err))
			return
		}
		if child.Status != task.StatusPending {
			continue
		}
		gen, err := s.lifecycle.beginRun(id)
		if err != nil {
			s.logger.Warn("start subtask", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		if final := s.lifecycle.runBlocking(id, "", gen); final != task.StatusCompleted {
			return
		}
	}
}

// runParallel starts every pending child concurrently and waits for all
// of them to reach a terminal state. One child's failure does not affect
// its siblings.
func (s *Scheduler) runParallel(childIDs []string) {
	var wg sync.WaitGroup
	for _, id := range childIDs {
		child, err := s.store.Get(id)
		if err != nil {
			s.logger.Error("load subtask", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		if child.Status != task.StatusPending {
			continue
		}
		gen, err := s.lifecycle.beginRun(id)
		if err != nil {
			s.logger.Warn("start subtask", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		wg.Add(1)
		go func(id string, gen uint64) {
			defer wg.Done()
			s.lifecycle.runBlocking(id, "", gen)
		}(id, gen)
	}
	wg.Wait()
}

// settleParent marks the parent completed once every child completed,
// failed otherwise. Children still pending (sequential halt) leave the
// parent failed with recovery available via resume.
func (s *Scheduler) settleParent(parentID string, childIDs []string) {
	allCompleted := true
	for _, id := range childIDs {
		child, err := s.store.Get(id)
		if err != nil {
			s.logger.Error("load subtask", slog.String("task_id", id), slog.Any("err", err))
			allCompleted = false
			continue
		}
		if child.Status != task.StatusCompleted {
			allCompleted = false
		}
	}

	final := task.StatusCompleted
	if !allCompleted {
		final = task.StatusFailed
	}
	_, err := s.store.Mutate(parentID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return errDiscard
		}
		t.Status = final
		return nil
	}, func(t *task.Task) {
		event := "task:completed"
		if final != task.StatusCompleted {
			event = "task:failed"
		}
		s.lifecycle.publish(event, parentID, map[string]any{"status": final})
	})
	if err != nil && !errors.Is(err, errDiscard) {
		s.logger.Error("settle parent", slog.String("task_id", parentID), slog.Any("err", err))
	}
}

// Package task defines the task model and persistence for orchestrated work items.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusPlanning   Status = "planning"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ValidStatus reports whether s is one of the recognized lifecycle states.
// Caller-supplied status strings must pass this check before being stored;
// arbitrary text is never persisted.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusQueued, StatusPlanning, StatusInProgress,
		StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal lifecycle state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority determines task scheduling order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Effort is a rough size estimate for a task.
type Effort string

const (
	EffortSmall  Effort = "small"
	EffortMedium Effort = "medium"
	EffortLarge  Effort = "large"
)

// Autonomy controls how much the execution collaborator may do unattended.
type Autonomy string

const (
	AutonomyManual     Autonomy = "manual"
	AutonomyAssisted   Autonomy = "assisted"
	AutonomyAutonomous Autonomy = "autonomous"
)

// Strategy selects how a parent's subtasks are driven.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Usage tracks token and cost counters for a task. Counters only grow;
// merges never lower a value.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// Merge folds u2 into u, adding token counts and cost.
func (u *Usage) Merge(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CostUSD += u2.CostUSD
}

// LogEntry is one line of a task's append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

// Task is a tracked unit of orchestrated work.
type Task struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Workflow           string     `json:"workflow,omitempty"`
	Autonomy           Autonomy   `json:"autonomy,omitempty"`
	Priority           Priority   `json:"priority,omitempty"`
	Effort             Effort     `json:"effort,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	Status             Status     `json:"status"`
	Stage              string     `json:"stage,omitempty"`
	ParentTaskID       string     `json:"parentTaskId,omitempty"`
	SubtaskIDs         []string   `json:"subtaskIds,omitempty"`
	SubtaskStrategy    Strategy   `json:"subtaskStrategy,omitempty"`
	RetryCount         int        `json:"retryCount"`
	MaxRetries         int        `json:"maxRetries"`
	ResumeAttempts     int        `json:"resumeAttempts"`
	PausedAt           *time.Time `json:"pausedAt,omitempty"`
	ResumeAfter        string     `json:"resumeAfter,omitempty"` // checkpoint hint
	TrashedAt          *time.Time `json:"trashedAt,omitempty"`
	ArchivedAt         *time.Time `json:"archivedAt,omitempty"`
	Usage              Usage      `json:"usage"`
	Logs               []LogEntry `json:"logs,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Trashed reports whether the task is in the trash.
func (t *Task) Trashed() bool { return t.TrashedAt != nil }

// Archived reports whether the task has been archived.
func (t *Task) Archived() bool { return t.ArchivedAt != nil }

// Store persists and retrieves tasks. Implementations must serialize
// concurrent mutations of the same task through Mutate.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Mutate atomically applies fn to the current persisted task and
	// writes the result back. While fn runs, no other mutation of the
	// same task may proceed. Post hooks run after a successful write but
	// before the task's lock is released, so observers fire in the same
	// order the transitions were applied. The updated task is returned.
	Mutate(id string, fn func(*Task) error, post ...func(*Task)) (*Task, error)

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// Delete permanently removes a task by ID.
	Delete(id string) error

	// DeleteTrashed atomically snapshots all trashed tasks and deletes
	// them, returning the deleted IDs. A task restored while the bulk
	// delete is in flight is excluded.
	DeleteTrashed() ([]string, error)
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status   *Status `json:"status,omitempty"`
	ParentID string  `json:"parentId,omitempty"`
	Trashed  *bool   `json:"trashed,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
	Limit    int     `json:"limit,omitempty"`
	Offset   int     `json:"offset,omitempty"`
}

package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	workflow         TEXT NOT NULL DEFAULT '',
	autonomy         TEXT NOT NULL DEFAULT '',
	priority         TEXT NOT NULL DEFAULT '',
	effort           TEXT NOT NULL DEFAULT '',
	acceptance       TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	stage            TEXT NOT NULL DEFAULT '',
	parent_task_id   TEXT NOT NULL DEFAULT '',
	subtask_ids      TEXT NOT NULL DEFAULT '[]',
	subtask_strategy TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 0,
	resume_attempts  INTEGER NOT NULL DEFAULT 0,
	paused_at        DATETIME,
	resume_after     TEXT NOT NULL DEFAULT '',
	trashed_at       DATETIME,
	archived_at      DATETIME,
	usage            TEXT NOT NULL DEFAULT '{}',
	logs             TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS gates (
	task_id     TEXT NOT NULL,
	gate_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	approver    TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME,
	PRIMARY KEY (task_id, gate_name)
);
`

// SQLiteStore persists tasks in a SQLite database. Mutations of a single
// task are serialized through a per-task mutex so that two concurrent
// transitions resolve deterministically: the first to acquire the lock
// applies, the second observes the now-current state.
type SQLiteStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so the gate store can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// lock returns the mutex guarding mutations of the given task ID.
func (s *SQLiteStore) lock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func (s *SQLiteStore) dropLock(id string) {
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
}

// Create persists a new task, assigning its ID and timestamps.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, description, workflow, autonomy, priority, effort, acceptance,
			 status, stage, parent_task_id, subtask_ids, subtask_strategy,
			 retry_count, max_retries, resume_attempts,
			 paused_at, resume_after, trashed_at, archived_at,
			 usage, logs, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		taskArgs(t)...,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(selectCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	return t, err
}

// Mutate atomically applies fn to the persisted task under the per-task
// lock and writes the result back. Errors from fn abort the write and
// are returned unchanged. Post hooks run on the committed task while the
// lock is still held: two racing mutations invoke their hooks in the
// order their writes were applied.
func (s *SQLiteStore) Mutate(id string, fn func(*Task) error, post ...func(*Task)) (*Task, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, err
	}
	for _, hook := range post {
		hook(t)
	}
	return t, nil
}

// update writes all mutable columns of t. Callers hold the task lock.
func (s *SQLiteStore) update(t *Task) error {
	args := taskArgs(t)[1:] // all columns after id
	args = append(args, t.ID)
	res, err := s.db.Exec(`
		UPDATE tasks SET
			description=?, workflow=?, autonomy=?, priority=?, effort=?, acceptance=?,
			status=?, stage=?, parent_task_id=?, subtask_ids=?, subtask_strategy=?,
			retry_count=?, max_retries=?, resume_attempts=?,
			paused_at=?, resume_after=?, trashed_at=?, archived_at=?,
			usage=?, logs=?, created_at=?, updated_at=?
		WHERE id=?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &NotFoundError{ID: t.ID}
	}
	return nil
}

// List returns tasks matching the filter in creation order.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(selectCols + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_task_id=?")
		args = append(args, filter.ParentID)
	}
	if filter.Trashed != nil {
		if *filter.Trashed {
			q.WriteString(" AND trashed_at IS NOT NULL")
		} else {
			q.WriteString(" AND trashed_at IS NULL")
		}
	}
	if filter.Archived != nil {
		if *filter.Archived {
			q.WriteString(" AND archived_at IS NOT NULL")
		} else {
			q.WriteString(" AND archived_at IS NULL")
		}
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete permanently removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return s.deleteLocked(id)
}

func (s *SQLiteStore) deleteLocked(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &NotFoundError{ID: id}
	}
	if _, err := s.db.Exec("DELETE FROM gates WHERE task_id=?", id); err != nil {
		return fmt.Errorf("delete task gates: %w", err)
	}
	s.dropLock(id)
	return nil
}

// DeleteTrashed snapshots the set of trashed task IDs, then deletes each
// one under its per-task lock with a re-check of trashed_at. A task
// restored between the snapshot and its turn in the loop is skipped.
func (s *SQLiteStore) DeleteTrashed() ([]string, error) {
	trashed := true
	snapshot, err := s.List(Filter{Trashed: &trashed})
	if err != nil {
		return nil, err
	}

	deleted := []string{}
	for _, t := range snapshot {
		mu := s.lock(t.ID)
		mu.Lock()
		cur, err := s.Get(t.ID)
		if err != nil {
			mu.Unlock()
			if IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		if !cur.Trashed() {
			mu.Unlock()
			continue
		}
		if err := s.deleteLocked(t.ID); err != nil {
			mu.Unlock()
			return deleted, err
		}
		mu.Unlock()
		deleted = append(deleted, t.ID)
	}
	return deleted, nil
}

const selectCols = `SELECT
	id, description, workflow, autonomy, priority, effort, acceptance,
	status, stage, parent_task_id, subtask_ids, subtask_strategy,
	retry_count, max_retries, resume_attempts,
	paused_at, resume_after, trashed_at, archived_at,
	usage, logs, created_at, updated_at`

// taskArgs returns t's columns in insert order, starting with id.
func taskArgs(t *Task) []any {
	acceptance, _ := json.Marshal(t.AcceptanceCriteria)
	subtasks, _ := json.Marshal(t.SubtaskIDs)
	usage, _ := json.Marshal(t.Usage)
	logs, _ := json.Marshal(t.Logs)

	return []any{
		t.ID, t.Description, t.Workflow, string(t.Autonomy), string(t.Priority),
		string(t.Effort), string(acceptance),
		string(t.Status), t.Stage, t.ParentTaskID, string(subtasks), string(t.SubtaskStrategy),
		t.RetryCount, t.MaxRetries, t.ResumeAttempts,
		nullTime(t.PausedAt), t.ResumeAfter, nullTime(t.TrashedAt), nullTime(t.ArchivedAt),
		string(usage), string(logs), t.CreatedAt, t.UpdatedAt,
	}
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, autonomy, priority, effort, strategy string
	var acceptanceJSON, subtasksJSON, usageJSON, logsJSON string
	var pausedAt, trashedAt, archivedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Description, &t.Workflow, &autonomy, &priority, &effort, &acceptanceJSON,
		&status, &t.Stage, &t.ParentTaskID, &subtasksJSON, &strategy,
		&t.RetryCount, &t.MaxRetries, &t.ResumeAttempts,
		&pausedAt, &t.ResumeAfter, &trashedAt, &archivedAt,
		&usageJSON, &logsJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Autonomy = Autonomy(autonomy)
	t.Priority = Priority(priority)
	t.Effort = Effort(effort)
	t.SubtaskStrategy = Strategy(strategy)

	_ = json.Unmarshal([]byte(acceptanceJSON), &t.AcceptanceCriteria)
	_ = json.Unmarshal([]byte(subtasksJSON), &t.SubtaskIDs)
	_ = json.Unmarshal([]byte(usageJSON), &t.Usage)
	_ = json.Unmarshal([]byte(logsJSON), &t.Logs)

	if pausedAt.Valid {
		t.PausedAt = &pausedAt.Time
	}
	if trashedAt.Valid {
		t.TrashedAt = &trashedAt.Time
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

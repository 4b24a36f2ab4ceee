// Package api implements the REST surface of the orchestration engine.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Lifecycle *engine.Lifecycle
	Scheduler *engine.Scheduler
	Gates     *engine.Gates
	Tasks     task.Store
	Logger    *slog.Logger
	Version   string

	// DefaultStrategy is applied when a decompose request omits the
	// strategy field. Empty falls back to sequential.
	DefaultStrategy task.Strategy
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", h.createTask)
	mux.HandleFunc("GET /tasks", h.listTasks)
	mux.HandleFunc("GET /tasks/trashed", h.listTrashed)
	mux.HandleFunc("GET /tasks/archived", h.listArchived)
	mux.HandleFunc("DELETE /tasks/trash", h.emptyTrash)
	mux.HandleFunc("GET /tasks/{id}", h.getTask)

	mux.HandleFunc("POST /tasks/{id}/status", h.updateStatus)
	mux.HandleFunc("POST /tasks/{id}/log", h.appendLog)
	mux.HandleFunc("POST /tasks/{id}/pause", h.pauseTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("POST /tasks/{id}/resume", h.resumeTask)

	mux.HandleFunc("POST /tasks/{id}/trash", h.trashTask)
	mux.HandleFunc("POST /tasks/{id}/restore", h.restoreTask)
	mux.HandleFunc("POST /tasks/{id}/archive", h.archiveTask)
	mux.HandleFunc("POST /tasks/{id}/unarchive", h.unarchiveTask)

	mux.HandleFunc("POST /tasks/{id}/decompose", h.decompose)
	mux.HandleFunc("GET /tasks/{id}/subtasks", h.listSubtasks)
	mux.HandleFunc("GET /tasks/{id}/subtasks/status", h.subtaskStatus)
	mux.HandleFunc("POST /tasks/{id}/subtasks/execute", h.executeSubtasks)
	mux.HandleFunc("GET /tasks/{id}/parent", h.getParent)
	mux.HandleFunc("GET /tasks/{id}/is-subtask", h.isSubtask)

	mux.HandleFunc("GET /tasks/{id}/gates", h.listGates)
	mux.HandleFunc("GET /tasks/{id}/gates/{gate}", h.getGate)
	mux.HandleFunc("POST /tasks/{id}/gates/{gate}/require", h.requireGate)
	mux.HandleFunc("POST /tasks/{id}/gates/{gate}/approve", h.approveGate)
	mux.HandleFunc("POST /tasks/{id}/gates/{gate}/reject", h.rejectGate)

	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the engine's typed errors onto the wire
// contract: unknown task -> 404, violated precondition or bad input ->
// 400 carrying the precondition text, anything unexpected -> 500.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case task.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Task not found")
	case task.IsInvalidTransition(err), task.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error("request failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Task lifecycle ---

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description        string        `json:"description"`
		Workflow           string        `json:"workflow"`
		Autonomy           task.Autonomy `json:"autonomy"`
		Priority           task.Priority `json:"priority"`
		Effort             task.Effort   `json:"effort"`
		AcceptanceCriteria []string      `json:"acceptanceCriteria"`
		MaxRetries         int           `json:"maxRetries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := h.Lifecycle.Create(req.Description, engine.CreateOptions{
		Workflow:           req.Workflow,
		Autonomy:           req.Autonomy,
		Priority:           req.Priority,
		Effort:             req.Effort,
		AcceptanceCriteria: req.AcceptanceCriteria,
		MaxRetries:         req.MaxRetries,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"taskId":  t.ID,
		"status":  t.Status,
		"message": "Task created",
	})
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Filter{}
	if s := r.URL.Query().Get("status"); s != "" {
		st := task.Status(s)
		if !task.ValidStatus(st) {
			writeError(w, http.StatusBadRequest, "invalid status: "+s)
			return
		}
		filter.Status = &st
	}
	// Trashed tasks are hidden from the default listing.
	if r.URL.Query().Get("all") != "true" {
		trashed := false
		filter.Trashed = &trashed
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  string `json:"status"`
		Stage   string `json:"stage"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Lifecycle.UpdateStatus(r.PathValue("id"), task.Status(req.Status), req.Stage, req.Message)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": t.Status, "stage": t.Stage})
}

func (h *Handlers) appendLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Lifecycle.AppendLog(r.PathValue("id"), req.Level, req.Message); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) pauseTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	t, err := h.Lifecycle.Pause(r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": t.Status, "pausedAt": t.PausedAt})
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Lifecycle.Cancel(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": t.Status})
}

func (h *Handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.Retry(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task retried"})
}

func (h *Handlers) resumeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.Resume(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task resumed"})
}

// --- Trash / archive ---

func (h *Handlers) trashTask(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Lifecycle.Trash(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task moved to trash"})
}

func (h *Handlers) restoreTask(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Lifecycle.Restore(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task restored"})
}

func (h *Handlers) archiveTask(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Lifecycle.Archive(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task archived"})
}

func (h *Handlers) unarchiveTask(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Lifecycle.Unarchive(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Task unarchived"})
}

func (h *Handlers) listTrashed(w http.ResponseWriter, _ *http.Request) {
	tasks, err := h.Lifecycle.ListTrashed()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   tasks,
		"count":   len(tasks),
		"message": "Tasks in trash",
	})
}

func (h *Handlers) listArchived(w http.ResponseWriter, _ *http.Request) {
	tasks, err := h.Lifecycle.ListArchived()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   tasks,
		"count":   len(tasks),
		"message": "Archived tasks",
	})
}

func (h *Handlers) emptyTrash(w http.ResponseWriter, _ *http.Request) {
	deleted, err := h.Lifecycle.EmptyTrash()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"deletedCount":   len(deleted),
		"deletedTaskIds": deleted,
	})
}

// --- Subtasks ---

func (h *Handlers) decompose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subtasks []engine.SubtaskDef `json:"subtasks"`
		Strategy task.Strategy       `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Strategy == "" {
		req.Strategy = h.DefaultStrategy
	}
	if req.Strategy == "" {
		req.Strategy = task.StrategySequential
	}
	children, err := h.Scheduler.Decompose(r.PathValue("id"), req.Subtasks, req.Strategy)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"subtaskIds": ids,
		"strategy":   req.Strategy,
	})
}

func (h *Handlers) listSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.subtasksOf(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subtasks)
}

func (h *Handlers) subtaskStatus(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.subtasksOf(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	counts := map[task.Status]int{}
	summaries := make([]map[string]any, 0, len(subtasks))
	for _, st := range subtasks {
		counts[st.Status]++
		summaries = append(summaries, map[string]any{
			"id":          st.ID,
			"status":      st.Status,
			"description": st.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(subtasks),
		"pending":    counts[task.StatusPending],
		"inProgress": counts[task.StatusInProgress],
		"completed":  counts[task.StatusCompleted],
		"failed":     counts[task.StatusFailed],
		"cancelled":  counts[task.StatusCancelled],
		"subtasks":   summaries,
	})
}

func (h *Handlers) subtasksOf(parentID string) ([]*task.Task, error) {
	parent, err := h.Tasks.Get(parentID)
	if err != nil {
		return nil, err
	}
	subtasks := make([]*task.Task, 0, len(parent.SubtaskIDs))
	for _, id := range parent.SubtaskIDs {
		st, err := h.Tasks.Get(id)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

func (h *Handlers) executeSubtasks(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Execute(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Subtask execution started"})
}

func (h *Handlers) getParent(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if t.ParentTaskID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"parent": nil})
		return
	}
	parent, err := h.Tasks.Get(t.ParentTaskID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parent": parent})
}

func (h *Handlers) isSubtask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isSubtask":    t.ParentTaskID != "",
		"parentTaskId": t.ParentTaskID,
	})
}

// --- Gates ---

func (h *Handlers) listGates(w http.ResponseWriter, r *http.Request) {
	gates, err := h.Gates.ListAll(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gates": gates, "count": len(gates)})
}

func (h *Handlers) getGate(w http.ResponseWriter, r *http.Request) {
	gate, err := h.Gates.Get(r.PathValue("id"), r.PathValue("gate"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (h *Handlers) requireGate(w http.ResponseWriter, r *http.Request) {
	gate, err := h.Gates.Require(r.PathValue("id"), r.PathValue("gate"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": gate})
}

func (h *Handlers) approveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, h.Gates.Approve)
}

func (h *Handlers) rejectGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, h.Gates.Reject)
}

func (h *Handlers) resolveGate(w http.ResponseWriter, r *http.Request,
	resolve func(taskID, gateName, approver, comment string) (*task.Gate, error),
) {
	var req struct {
		Approver string `json:"approver"`
		Comment  string `json:"comment"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	gate, err := resolve(r.PathValue("id"), r.PathValue("gate"), req.Approver, req.Comment)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "gate": gate})
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}

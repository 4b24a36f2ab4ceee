package engine

import (
	"log/slog"
	"time"

	"github.com/conductorhq/conductor/task"
)

// Gates manages per-(task, gate-name) approval records. Gate state is
// independent of task status transitions: a rejection is recorded and
// published, but what it does to workflow-stage progression is the
// caller's policy, not enforced here.
type Gates struct {
	store     *task.GateStore
	tasks     task.Store
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewGates creates a gate controller. The lifecycle controller is only
// used for event publication.
func NewGates(store *task.GateStore, tasks task.Store, lc *Lifecycle, logger *slog.Logger) *Gates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gates{store: store, tasks: tasks, lifecycle: lc, logger: logger}
}

// Get returns the gate record for (taskID, gateName). A gate that was
// never registered for the task reports not-required: a workflow stage
// not configured to need approval is never blocked.
func (g *Gates) Get(taskID, gateName string) (*task.Gate, error) {
	if _, err := g.tasks.Get(taskID); err != nil {
		return nil, err
	}
	gate, err := g.store.Get(taskID, gateName)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		return &task.Gate{
			TaskID:   taskID,
			GateName: gateName,
			Status:   task.GateNotRequired,
		}, nil
	}
	return gate, nil
}

// Require registers a pending gate for the task. Registering an already
// resolved gate resets it to pending.
func (g *Gates) Require(taskID, gateName string) (*task.Gate, error) {
	if _, err := g.tasks.Get(taskID); err != nil {
		return nil, err
	}
	if gateName == "" {
		return nil, task.NewValidation("gate name is required")
	}
	gate := &task.Gate{
		TaskID:   taskID,
		GateName: gateName,
		Status:   task.GatePending,
	}
	if err := g.store.Upsert(gate); err != nil {
		return nil, err
	}
	g.lifecycle.publish("gate:pending", taskID, gate)
	return gate, nil
}

// Approve records an approval decision and publishes gate:approved.
func (g *Gates) Approve(taskID, gateName, approver, comment string) (*task.Gate, error) {
	return g.resolve(taskID, gateName, approver, comment, task.GateApproved, "gate:approved")
}

// Reject records a rejection and publishes gate:rejected.
func (g *Gates) Reject(taskID, gateName, approver, comment string) (*task.Gate, error) {
	return g.resolve(taskID, gateName, approver, comment, task.GateRejected, "gate:rejected")
}

func (g *Gates) resolve(taskID, gateName, approver, comment string, status task.GateStatus, eventType string) (*task.Gate, error) {
	if _, err := g.tasks.Get(taskID); err != nil {
		return nil, err
	}
	if gateName == "" {
		return nil, task.NewValidation("gate name is required")
	}

	gate, err := g.store.Get(taskID, gateName)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		// Deciding an unregistered gate registers it with the decision.
		gate = &task.Gate{TaskID: taskID, GateName: gateName}
	}
	now := time.Now().UTC()
	gate.Status = status
	gate.Approver = approver
	gate.Comment = comment
	gate.ResolvedAt = &now

	if err := g.store.Upsert(gate); err != nil {
		return nil, err
	}
	g.lifecycle.publish(eventType, taskID, gate)
	return gate, nil
}

// ListAll returns every registered gate for a task.
func (g *Gates) ListAll(taskID string) ([]*task.Gate, error) {
	if _, err := g.tasks.Get(taskID); err != nil {
		return nil, err
	}
	gates, err := g.store.ListByTask(taskID)
	if err != nil {
		return nil, err
	}
	if gates == nil {
		gates = []*task.Gate{}
	}
	return gates, nil
}

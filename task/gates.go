package task

import (
	"database/sql"
	"fmt"
	"time"
)

// GateStatus represents the resolution state of an approval gate.
type GateStatus string

const (
	GateNotRequired GateStatus = "not-required"
	GatePending     GateStatus = "pending"
	GateApproved    GateStatus = "approved"
	GateRejected    GateStatus = "rejected"
)

// Gate is a named approval checkpoint scoped to one task.
type Gate struct {
	TaskID     string     `json:"taskId"`
	GateName   string     `json:"gateName"`
	Status     GateStatus `json:"status"`
	Approver   string     `json:"approver,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// GateStore persists per-(task, gate-name) approval records. It shares
// the task store's database; the gates table is created alongside the
// tasks table.
type GateStore struct {
	db *sql.DB
}

// NewGateStore wraps an existing database handle.
func NewGateStore(db *sql.DB) *GateStore {
	return &GateStore{db: db}
}

// Get retrieves the gate record for (taskID, gateName). A gate that was
// never registered returns nil with no error; callers report such gates
// as not-required.
func (s *GateStore) Get(taskID, gateName string) (*Gate, error) {
	row := s.db.QueryRow(
		`SELECT task_id, gate_name, status, approver, comment, created_at, resolved_at
		 FROM gates WHERE task_id = ? AND gate_name = ?`,
		taskID, gateName,
	)
	g, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// Upsert inserts or replaces the gate record.
func (s *GateStore) Upsert(g *Gate) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO gates (task_id, gate_name, status, approver, comment, created_at, resolved_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT (task_id, gate_name) DO UPDATE SET
			status=excluded.status, approver=excluded.approver,
			comment=excluded.comment, resolved_at=excluded.resolved_at`,
		g.TaskID, g.GateName, string(g.Status), g.Approver, g.Comment,
		g.CreatedAt, nullTime(g.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert gate: %w", err)
	}
	return nil
}

// ListByTask returns every registered gate for a task in creation order.
func (s *GateStore) ListByTask(taskID string) ([]*Gate, error) {
	rows, err := s.db.Query(
		`SELECT task_id, gate_name, status, approver, comment, created_at, resolved_at
		 FROM gates WHERE task_id = ? ORDER BY created_at ASC, gate_name ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []*Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func scanGate(s scanner) (*Gate, error) {
	var g Gate
	var status string
	var resolvedAt sql.NullTime
	err := s.Scan(&g.TaskID, &g.GateName, &status, &g.Approver, &g.Comment, &g.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	g.Status = GateStatus(status)
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Time
	}
	return &g, nil
}

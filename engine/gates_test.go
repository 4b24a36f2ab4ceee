package engine

import (
	"testing"

	"github.com/conductorhq/conductor/task"
)

func newGatesFixture(t *testing.T) (*Gates, *engineFixture, string) {
	t.Helper()
	f := newFixture(t)
	sqlStore := f.store.(*task.SQLiteStore)
	gates := NewGates(task.NewGateStore(sqlStore.DB()), f.store, f.lifecycle, nil)
	id := f.seedTask(t, &task.Task{Description: "gated work"})
	return gates, f, id
}

func TestGateDefaultsToNotRequired(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	g, err := gates.Get(id, "code-review")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.Status != task.GateNotRequired {
		t.Errorf("status = %s, want not-required", g.Status)
	}
}

func TestGateUnknownTask(t *testing.T) {
	gates, _, _ := newGatesFixture(t)

	if _, err := gates.Get("nope", "code-review"); !task.IsNotFound(err) {
		t.Errorf("Get err = %v, want NotFoundError", err)
	}
	if _, err := gates.Approve("nope", "code-review", "alice", ""); !task.IsNotFound(err) {
		t.Errorf("Approve err = %v, want NotFoundError", err)
	}
}

func TestGateRequireThenApprove(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	g, err := gates.Require(id, "code-review")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if g.Status != task.GatePending {
		t.Fatalf("status = %s, want pending", g.Status)
	}

	g, err = gates.Approve(id, "code-review", "alice", "ship it")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if g.Status != task.GateApproved || g.Approver != "alice" || g.Comment != "ship it" {
		t.Errorf("approved gate = %+v", g)
	}
	if g.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
}

func TestGateReject(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	if _, err := gates.Require(id, "code-review"); err != nil {
		t.Fatalf("Require: %v", err)
	}
	g, err := gates.Reject(id, "code-review", "bob", "needs tests")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if g.Status != task.GateRejected || g.Comment != "needs tests" {
		t.Errorf("rejected gate = %+v", g)
	}
}

func TestGateDecisionRegistersUnrequiredGate(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	g, err := gates.Approve(id, "surprise", "alice", "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if g.Status != task.GateApproved {
		t.Errorf("status = %s, want approved", g.Status)
	}

	// The decision is now on record.
	got, err := gates.Get(id, "surprise")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.GateApproved {
		t.Errorf("persisted status = %s, want approved", got.Status)
	}
}

func TestGateRequireResetsResolvedGate(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	if _, err := gates.Approve(id, "code-review", "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	g, err := gates.Require(id, "code-review")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if g.Status != task.GatePending {
		t.Errorf("status = %s, want pending after re-require", g.Status)
	}
}

func TestGateListAll(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	got, err := gates.ListAll(id)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("empty list = %v, want non-nil empty slice", got)
	}

	if _, err := gates.Require(id, "plan"); err != nil {
		t.Fatal(err)
	}
	if _, err := gates.Require(id, "ship"); err != nil {
		t.Fatal(err)
	}

	got, err = gates.ListAll(id)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("gates = %d, want 2", len(got))
	}
}

func TestGateRequireValidatesName(t *testing.T) {
	gates, _, id := newGatesFixture(t)

	if _, err := gates.Require(id, ""); !task.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

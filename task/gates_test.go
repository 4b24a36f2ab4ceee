package task

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestGateStore(t *testing.T) *GateStore {
	t.Helper()
	return NewGateStore(newTestStore(t).DB())
}

func TestGateGetUnregistered(t *testing.T) {
	gates := newTestGateStore(t)

	g, err := gates.Get("t1", "code-review")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g != nil {
		t.Errorf("unregistered gate = %+v, want nil", g)
	}
}

func TestGateUpsertRoundtrip(t *testing.T) {
	gates := newTestGateStore(t)

	in := &Gate{TaskID: "t1", GateName: "code-review", Status: GatePending}
	if err := gates.Upsert(in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if in.CreatedAt.IsZero() {
		t.Error("Upsert did not stamp CreatedAt")
	}

	got, err := gates.Get("t1", "code-review")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != GatePending || got.TaskID != "t1" || got.GateName != "code-review" {
		t.Errorf("got %+v", got)
	}

	// Upsert of the same key overwrites the decision fields.
	now := time.Now().UTC()
	in.Status = GateApproved
	in.Approver = "alice"
	in.Comment = "lgtm"
	in.ResolvedAt = &now
	if err := gates.Upsert(in); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err = gates.Get("t1", "code-review")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != GateApproved || got.Approver != "alice" || got.Comment != "lgtm" {
		t.Errorf("resolved gate = %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not persisted")
	}
}

func TestGateListByTask(t *testing.T) {
	gates := newTestGateStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i, name := range []string{"plan", "code-review", "ship"} {
		g := &Gate{
			TaskID:    "t1",
			GateName:  name,
			Status:    GatePending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := gates.Upsert(g); err != nil {
			t.Fatalf("Upsert %s: %v", name, err)
		}
	}
	if err := gates.Upsert(&Gate{TaskID: "t2", GateName: "plan", Status: GatePending}); err != nil {
		t.Fatalf("Upsert other task: %v", err)
	}

	got, err := gates.ListByTask("t1")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	names := make([]string, len(got))
	for i, g := range got {
		names[i] = g.GateName
	}
	if diff := cmp.Diff([]string{"plan", "code-review", "ship"}, names); diff != "" {
		t.Errorf("gate order mismatch (-want +got):\n%s", diff)
	}
}

package task

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateGetRoundtrip(t *testing.T) {
	store := newTestStore(t)

	in := &Task{
		Description:        "implement login flow",
		Workflow:           "feature",
		Autonomy:           AutonomyAssisted,
		Priority:           PriorityHigh,
		Effort:             EffortLarge,
		AcceptanceCriteria: []string{"unit tests pass", "reviewed"},
		Status:             StatusPending,
		MaxRetries:         3,
		Usage:              Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
		Logs: []LogEntry{
			{Timestamp: time.Now().UTC().Truncate(time.Second), Level: "info", Message: "created"},
		},
	}
	id, err := store.Create(in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(in, got, cmpopts.EquateApproxTime(time.Second), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	if !IsNotFound(err) {
		t.Fatalf("Get unknown id: got %v, want NotFoundError", err)
	}
}

func TestMutateAppliesAndStampsUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	id := mustCreate(t, store, &Task{Description: "x", Status: StatusPending})

	before, _ := store.Get(id)
	time.Sleep(10 * time.Millisecond)

	got, err := store.Mutate(id, func(tk *Task) error {
		tk.Status = StatusInProgress
		tk.Stage = "build"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got.Status != StatusInProgress || got.Stage != "build" {
		t.Errorf("Mutate result = %s/%s, want in-progress/build", got.Status, got.Stage)
	}
	if !got.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced: %v -> %v", before.UpdatedAt, got.UpdatedAt)
	}
}

func TestMutateErrorAbortsWrite(t *testing.T) {
	store := newTestStore(t)
	id := mustCreate(t, store, &Task{Description: "x", Status: StatusPending})

	wantErr := fmt.Errorf("no")
	if _, err := store.Mutate(id, func(tk *Task) error {
		tk.Status = StatusCompleted
		return wantErr
	}); err != wantErr {
		t.Fatalf("Mutate err = %v, want %v", err, wantErr)
	}

	got, _ := store.Get(id)
	if got.Status != StatusPending {
		t.Errorf("status = %s after aborted mutation, want pending", got.Status)
	}
}

func TestMutateSerializesConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	id := mustCreate(t, store, &Task{Description: "x", Status: StatusPending})

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(id, func(tk *Task) error {
				tk.RetryCount++
				return nil
			})
			if err != nil {
				t.Errorf("Mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(id)
	if got.RetryCount != n {
		t.Errorf("RetryCount = %d, want %d: lost updates", got.RetryCount, n)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	mustCreate(t, store, &Task{ID: "a", Description: "a", Status: StatusPending})
	mustCreate(t, store, &Task{ID: "b", Description: "b", Status: StatusCompleted})
	mustCreate(t, store, &Task{ID: "c", Description: "c", Status: StatusCompleted, TrashedAt: &now})
	mustCreate(t, store, &Task{ID: "d", Description: "d", Status: StatusCompleted, ArchivedAt: &now})
	mustCreate(t, store, &Task{ID: "e", Description: "e", Status: StatusPending, ParentTaskID: "a"})

	completed := StatusCompleted
	trashed, notTrashed := true, false
	archived := true

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c", "d", "e"}},
		{"by status", Filter{Status: &completed}, []string{"b", "c", "d"}},
		{"trashed only", Filter{Trashed: &trashed}, []string{"c"}},
		{"excluding trashed", Filter{Trashed: &notTrashed}, []string{"a", "b", "d", "e"}},
		{"archived only", Filter{Archived: &archived}, []string{"d"}},
		{"by parent", Filter{ParentID: "a"}, []string{"e"}},
		{"limit", Filter{Limit: 2}, []string{"a", "b"}},
		{"limit offset", Filter{Limit: 2, Offset: 3}, []string{"d", "e"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks, err := store.List(tc.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			ids := make([]string, len(tasks))
			for i, tk := range tasks {
				ids[i] = tk.ID
			}
			if diff := cmp.Diff(tc.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	id := mustCreate(t, store, &Task{Description: "x", Status: StatusPending})

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(id); !IsNotFound(err) {
		t.Errorf("Get after delete: got %v, want NotFoundError", err)
	}
	if err := store.Delete(id); !IsNotFound(err) {
		t.Errorf("second Delete: got %v, want NotFoundError", err)
	}
}

func TestDeleteTrashed(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	mustCreate(t, store, &Task{ID: "keep", Description: "keep", Status: StatusPending})
	mustCreate(t, store, &Task{ID: "t1", Description: "t1", Status: StatusCancelled, TrashedAt: &now})
	mustCreate(t, store, &Task{ID: "t2", Description: "t2", Status: StatusCancelled, TrashedAt: &now})

	deleted, err := store.DeleteTrashed()
	if err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	if diff := cmp.Diff([]string{"t1", "t2"}, deleted); diff != "" {
		t.Errorf("deleted ids mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.Get("keep"); err != nil {
		t.Errorf("non-trashed task deleted: %v", err)
	}

	// Empty trash is a no-op, not an error.
	deleted, err = store.DeleteTrashed()
	if err != nil {
		t.Fatalf("DeleteTrashed on empty trash: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %v, want none", deleted)
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, tk *Task) string {
	t.Helper()
	id, err := store.Create(tk)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

var testOrder = []string{"scaffold", "work", "review", "mend", "converge", "verify", "ship"}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func mustCreate(t *testing.T, s *Store, id string) *Checkpoint {
	t.Helper()
	cp, err := s.Create(id, testOrder)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return cp
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	cp := mustCreate(t, s, "run-1")

	if cp.ID != "run-1" {
		t.Errorf("ID = %q, want %q", cp.ID, "run-1")
	}
	if cp.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", cp.SchemaVersion, SchemaVersion)
	}
	if len(cp.PhaseOrder) != len(testOrder) {
		t.Errorf("PhaseOrder has %d entries, want %d", len(cp.PhaseOrder), len(testOrder))
	}
	if cp.SessionNonce == "" {
		t.Error("SessionNonce should not be empty")
	}
	for _, name := range testOrder {
		ps, ok := cp.Phases[name]
		if !ok {
			t.Fatalf("phase %q missing", name)
		}
		if ps.Status != StatusPending {
			t.Errorf("phase %q status = %q, want pending", name, ps.Status)
		}
	}

	// Round-trip through disk.
	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionNonce != cp.SessionNonce {
		t.Errorf("SessionNonce changed across read: %q vs %q", got.SessionNonce, cp.SessionNonce)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")
	if _, err := s.Create("run-1", testOrder); err == nil {
		t.Fatal("expected error creating duplicate run")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("absent"); err == nil {
		t.Fatal("expected error for non-existent run")
	}
}

func TestFirstPending(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")

	cp, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := cp.FirstPending(); got != "scaffold" {
		t.Errorf("FirstPending = %q, want scaffold", got)
	}

	// Complete the first two; dispatch should land on review.
	for _, name := range []string{"scaffold", "work"} {
		if _, err := s.UpdatePhase("run-1", name, func(ps *PhaseState) {
			ps.Status = StatusCompleted
		}); err != nil {
			t.Fatalf("UpdatePhase %q: %v", name, err)
		}
	}
	cp, _ = s.Get("run-1")
	if got := cp.FirstPending(); got != "review" {
		t.Errorf("FirstPending = %q, want review", got)
	}
}

func TestFirstPendingSkipsTerminalGap(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")

	// A failed phase mid-list is terminal; first-pending must not return it.
	if _, err := s.UpdatePhase("run-1", "scaffold", func(ps *PhaseState) {
		ps.Status = StatusCompleted
	}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}
	if _, err := s.UpdatePhase("run-1", "work", func(ps *PhaseState) {
		ps.Status = StatusFailed
	}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	cp, _ := s.Get("run-1")
	if got := cp.FirstPending(); got != "review" {
		t.Errorf("FirstPending = %q, want review", got)
	}
}

func TestUpdateMergePreservesSiblings(t *testing.T) {
	s := newTestStore(t)
	cp := mustCreate(t, s, "run-1")
	nonce := cp.SessionNonce

	// A partial touching only convergence must leave phases and nonce intact.
	round := 1
	if _, err := s.SetConvergence("run-1", &ConvergenceState{Round: round}); err != nil {
		t.Fatalf("SetConvergence: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionNonce != nonce {
		t.Errorf("merge clobbered session nonce")
	}
	if len(got.Phases) != len(testOrder) {
		t.Errorf("merge clobbered phases: %d entries, want %d", len(got.Phases), len(testOrder))
	}
	if got.Convergence == nil || got.Convergence.Round != round {
		t.Errorf("Convergence not persisted: %+v", got.Convergence)
	}
	if got.UpdatedAt == cp.UpdatedAt && got.UpdatedAt == "" {
		t.Error("UpdatedAt should be set")
	}
}

func TestUpdateRejectsReservedKeys(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")

	cases := []map[string]interface{}{
		{"__proto__": map[string]interface{}{"polluted": true}},
		{"constructor": "x"},
		{"prototype": 1},
		{"phases": map[string]interface{}{"__proto__": map[string]interface{}{"status": "completed"}}},
		{"convergence": []interface{}{map[string]interface{}{"constructor": "x"}}},
	}
	for _, partial := range cases {
		if _, err := s.Update("run-1", partial); err == nil {
			t.Errorf("Update accepted reserved key in %v", partial)
		}
	}

	// The store must be untouched after every rejection.
	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get after rejected updates: %v", err)
	}
	if got.Phases["scaffold"].Status != StatusPending {
		t.Errorf("rejected update mutated state")
	}
}

func TestResetPhasesClearsEverything(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")

	if _, err := s.UpdatePhase("run-1", "review", func(ps *PhaseState) {
		ps.Status = StatusCompleted
		ps.ArtifactPath = "/tmp/review.json"
		ps.ArtifactHash = "abc123"
		ps.DelegateSession = "reviewer-1"
		ps.Reason = "done"
		ps.StartedAt = "2026-01-01T00:00:00Z"
		ps.CompletedAt = "2026-01-01T00:05:00Z"
	}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	if _, err := s.ResetPhases("run-1", "review", "mend", "converge"); err != nil {
		t.Fatalf("ResetPhases: %v", err)
	}

	cp, _ := s.Get("run-1")
	ps := cp.Phases["review"]
	if ps.Status != StatusPending {
		t.Errorf("Status = %q, want pending", ps.Status)
	}
	if ps.ArtifactPath != "" || ps.ArtifactHash != "" || ps.DelegateSession != "" ||
		ps.Reason != "" || ps.StartedAt != "" || ps.CompletedAt != "" {
		t.Errorf("reset left residue: %+v", ps)
	}
}

func TestResetPhasesUnknownPhase(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")
	if _, err := s.ResetPhases("run-1", "nope"); err == nil {
		t.Fatal("expected error resetting unknown phase")
	}
}

func TestMigrateV1(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	// Hand-write a v1 checkpoint: "order" key, no nonce.
	runDir := filepath.Join(dir, "old-run")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	v1 := map[string]interface{}{
		"id":             "old-run",
		"schema_version": 1,
		"order":          []string{"scaffold", "ship"},
		"phases": map[string]interface{}{
			"scaffold": map[string]interface{}{"status": "completed"},
			"ship":     map[string]interface{}{"status": "pending"},
		},
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-01T00:00:00Z",
	}
	data, _ := json.Marshal(v1)
	if err := os.WriteFile(filepath.Join(runDir, "checkpoint.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	cp, err := s.Get("old-run")
	if err != nil {
		t.Fatalf("Get migrated: %v", err)
	}
	if cp.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", cp.SchemaVersion, SchemaVersion)
	}
	if len(cp.PhaseOrder) != 2 || cp.PhaseOrder[0] != "scaffold" {
		t.Errorf("PhaseOrder = %v, want [scaffold ship]", cp.PhaseOrder)
	}
	if cp.SessionNonce == "" {
		t.Error("migration should inject a session nonce")
	}
	if cp.Phases["scaffold"].Status != StatusCompleted {
		t.Errorf("migration lost phase state")
	}

	// Migration persists: a raw re-read sees the new schema.
	raw, err := os.ReadFile(filepath.Join(runDir, "checkpoint.json"))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]interface{}
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if v, _ := onDisk["schema_version"].(float64); int(v) != SchemaVersion {
		t.Errorf("on-disk schema_version = %v, want %d", onDisk["schema_version"], SchemaVersion)
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	mustCreate(t, s, "run-1")

	if _, err := s.UpdatePhase("run-1", "work", func(ps *PhaseState) {
		ps.Status = StatusCompleted
	}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "run-1", "*.tmp*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-b")
	mustCreate(t, s, "run-a")

	runs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("List returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-a" || runs[1].ID != "run-b" {
		t.Errorf("List order = [%s %s], want sorted by id", runs[0].ID, runs[1].ID)
	}

	if err := s.Delete("run-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("run-a") {
		t.Error("run-a still exists after delete")
	}
	if err := s.Delete("run-a"); err == nil {
		t.Error("expected error deleting missing run")
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "run-1")

	if _, err := s.UpdatePhase("run-1", "scaffold", func(ps *PhaseState) {
		ps.Status = StatusCompleted
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdatePhase("run-1", "work", func(ps *PhaseState) {
		ps.Status = StatusSkipped
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdatePhase("run-1", "review", func(ps *PhaseState) {
		ps.Status = StatusFailed
	}); err != nil {
		t.Fatal(err)
	}

	cp, _ := s.Get("run-1")
	done, total := cp.Counts()
	if done != 2 || total != len(testOrder) {
		t.Errorf("Counts = (%d, %d), want (2, %d)", done, total, len(testOrder))
	}
}

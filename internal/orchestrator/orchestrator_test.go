package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasnoah/foundry/internal/artifact"
	"github.com/lucasnoah/foundry/internal/checkpoint"
	"github.com/lucasnoah/foundry/internal/config"
	"github.com/lucasnoah/foundry/internal/converge"
	"github.com/lucasnoah/foundry/internal/session"
)

// fakeTmux implements session.TmuxRunner in memory.
type fakeTmux struct {
	sessions map[string]bool
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool)}
}

func (f *fakeTmux) NewSession(name, command string) error {
	f.sessions[name] = true
	return nil
}

func (f *fakeTmux) KillSession(name string) error {
	delete(f.sessions, name)
	return nil
}

func (f *fakeTmux) ListSessions() ([]string, error) {
	var names []string
	for n := range f.sessions {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeTmux) HasSession(name string) (bool, error) {
	return f.sessions[name], nil
}

// scriptedDelegate dispatches to per-phase handlers and records the
// order phases ran in.
type scriptedDelegate struct {
	handlers map[string]func(req DelegateRequest) (*DelegateResult, error)
	ran      []string
}

func newScriptedDelegate() *scriptedDelegate {
	return &scriptedDelegate{handlers: make(map[string]func(DelegateRequest) (*DelegateResult, error))}
}

func (d *scriptedDelegate) on(phase string, fn func(req DelegateRequest) (*DelegateResult, error)) {
	d.handlers[phase] = fn
}

func (d *scriptedDelegate) Run(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	d.ran = append(d.ran, req.Phase)
	if fn, ok := d.handlers[req.Phase]; ok {
		return fn(req)
	}
	return &DelegateResult{Status: DelegateSuccess}, nil
}

// succeedWith writes the expected artifact and reports success.
func succeedWith(t *testing.T, payload interface{}) func(req DelegateRequest) (*DelegateResult, error) {
	return func(req DelegateRequest) (*DelegateResult, error) {
		t.Helper()
		path := filepath.Join(req.ArtifactDir, req.Artifact)
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		return &DelegateResult{Status: DelegateSuccess, ArtifactPath: path}, nil
	}
}

func testConfig() *config.PipelineConfig {
	cfg := &config.PipelineConfig{Pipeline: config.Pipeline{
		Name: "test",
		Convergence: config.Convergence{
			MaxCycles:   2,
			ReviewPhase: "review",
			MendPhase:   "mend",
		},
		Budget: config.Budget{
			FirstCycleCost:      "10m",
			SubsequentCycleCost: "5m",
			HardCap:             "4h",
		},
		Phases: []config.Phase{
			{ID: "work", Type: "delegate", Role: "worker", Timeout: "10m", Artifact: "work.json", SafetyCritical: true},
			{ID: "review", Type: "delegate", Role: "reviewer", Timeout: "10m", Artifact: "review.json"},
			{ID: "mend", Type: "delegate", Role: "mender", Timeout: "10m", Artifact: "mend.json"},
			{ID: "converge", Type: "control", Timeout: "1m"},
			{ID: "verify", Type: "gate", Timeout: "1m"},
			{ID: "ship", Type: "delegate", Role: "shipper", Timeout: "10m", Terminal: true},
		},
	}}
	return cfg
}

type testEnv struct {
	orch     *Orchestrator
	store    *checkpoint.Store
	delegate *scriptedDelegate
	tmux     *fakeTmux
	sigPath  string
}

func newTestEnv(t *testing.T, cfg *config.PipelineConfig) *testEnv {
	t.Helper()
	store := checkpoint.NewStore(t.TempDir())
	tmux := newFakeTmux()
	registry := session.NewFileRegistry(t.TempDir())
	guard := session.NewGuard(tmux, registry, nil)
	controller := converge.NewController(store, nil, cfg.Pipeline.Convergence)
	sigPath := filepath.Join(t.TempDir(), "signal.json")
	signal := artifact.NewSignalWriter(sigPath, "scope-test")
	delegate := newScriptedDelegate()

	orch := New(store, nil, guard, controller, signal, delegate, cfg)
	return &testEnv{orch: orch, store: store, delegate: delegate, tmux: tmux, sigPath: sigPath}
}

// cleanArtifacts wires the happy path: work, review with no findings,
// mend with an empty remaining set.
func (e *testEnv) cleanArtifacts(t *testing.T) {
	t.Helper()
	e.delegate.on("work", succeedWith(t, map[string]interface{}{"ok": true}))
	e.delegate.on("review", succeedWith(t, converge.ReviewArtifact{Findings: []converge.Finding{}}))
	remaining := []converge.Finding{}
	e.delegate.on("mend", succeedWith(t, converge.MendArtifact{Fixed: 0, Remaining: &remaining}))
}

func TestAdvanceRunsFirstPending(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := e.orch.Advance("run-1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Action != "ran_phase" || res.Phase != "work" {
		t.Errorf("Advance = %+v, want ran_phase work", res)
	}
	if res.Status != checkpoint.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}

	cp, _ := e.store.Get("run-1")
	if cp.Phases["work"].ArtifactHash == "" {
		t.Error("artifact hash not recorded at completion")
	}
	if got := cp.FirstPending(); got != "review" {
		t.Errorf("FirstPending = %q, want review", got)
	}
}

func TestDriveCleanRunCompletes(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "completed" {
		t.Fatalf("Drive = %+v, want completed", res)
	}

	cp, _ := e.store.Get("run-1")
	for _, name := range cp.PhaseOrder {
		if cp.Phases[name].Status != checkpoint.StatusCompleted {
			t.Errorf("phase %q = %q, want completed", name, cp.Phases[name].Status)
		}
	}
	if want := []string{"work", "review", "mend", "ship"}; fmt.Sprint(e.delegate.ran) != fmt.Sprint(want) {
		t.Errorf("delegate phases ran = %v, want %v", e.delegate.ran, want)
	}

	// Terminal phase completion published the signal.
	sig, ok, err := artifact.NewSignalWriter(e.sigPath, "scope-test").Read(os.Getpid())
	if err != nil || !ok {
		t.Fatalf("signal not published: ok=%v err=%v", ok, err)
	}
	if sig.RunID != "run-1" || sig.Status != artifact.SignalCompleted {
		t.Errorf("signal = %+v", sig)
	}
}

func TestDriveRetryLoopsBackToReview(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.delegate.on("work", succeedWith(t, map[string]interface{}{"ok": true}))

	reviewRounds := 0
	e.delegate.on("review", func(req DelegateRequest) (*DelegateResult, error) {
		reviewRounds++
		return succeedWith(t, converge.ReviewArtifact{Findings: []converge.Finding{
			{File: "a.go", Severity: converge.SeverityP1, Message: "bug"},
		}})(req)
	})
	mendRounds := 0
	e.delegate.on("mend", func(req DelegateRequest) (*DelegateResult, error) {
		mendRounds++
		remaining := []converge.Finding{}
		if mendRounds == 1 {
			remaining = []converge.Finding{{File: "a.go", Severity: converge.SeverityP1, Message: "bug"}}
		}
		return succeedWith(t, converge.MendArtifact{
			Fixed:        1,
			FilesTouched: []string{"a.go"},
			Remaining:    &remaining,
		})(req)
	})

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "completed" {
		t.Fatalf("Drive = %+v, want completed", res)
	}

	if reviewRounds != 2 || mendRounds != 2 {
		t.Errorf("review/mend ran %d/%d times, want 2/2", reviewRounds, mendRounds)
	}
	cp, _ := e.store.Get("run-1")
	if cp.Convergence == nil || len(cp.Convergence.History) != 2 {
		t.Fatalf("history = %+v, want 2 entries", cp.Convergence)
	}
	if cp.Convergence.History[0].Verdict != converge.VerdictRetry {
		t.Errorf("round 0 verdict = %q, want retry", cp.Convergence.History[0].Verdict)
	}
	if cp.Convergence.History[1].Verdict != converge.VerdictConverged {
		t.Errorf("round 1 verdict = %q, want converged", cp.Convergence.History[1].Verdict)
	}
}

func TestAdvanceRecoversCrashedPhase(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate a crash mid-work: in_progress with a live delegate session.
	e.tmux.sessions["worker-abc"] = true
	if _, err := e.store.UpdatePhase("run-1", "work", func(ps *checkpoint.PhaseState) {
		ps.Status = checkpoint.StatusInProgress
		ps.DelegateSession = "worker-abc"
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.orch.Advance("run-1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Recovery ran before dispatch: the orphan is gone and work re-ran
	// from pending.
	if e.tmux.sessions["worker-abc"] {
		t.Error("orphaned delegate session not torn down")
	}
	if res.Phase != "work" || res.Status != checkpoint.StatusCompleted {
		t.Errorf("Advance = %+v, want work completed", res)
	}
	cp, _ := e.store.Get("run-1")
	if cp.Phases["work"].DelegateSession == "worker-abc" {
		t.Error("recovered phase kept the crashed session reference")
	}
}

func TestAdvanceBudgetExhausted(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Backdate the run past any possible ceiling.
	old := time.Now().Add(-100 * time.Hour).UTC().Format(time.RFC3339)
	if _, err := e.store.Update("run-1", map[string]interface{}{"created_at": old}); err != nil {
		t.Fatal(err)
	}

	res, err := e.orch.Advance("run-1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Action != "budget_exhausted" {
		t.Fatalf("Advance = %+v, want budget_exhausted", res)
	}
	if len(e.delegate.ran) != 0 {
		t.Errorf("exhausted run still dispatched phases: %v", e.delegate.ran)
	}
	cp, _ := e.store.Get("run-1")
	if cp.Phases["work"].Status != checkpoint.StatusTimeout {
		t.Errorf("work = %q, want timeout", cp.Phases["work"].Status)
	}
}

func TestAdvanceRejectsCorruptCreatedAt(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.store.Update("run-1", map[string]interface{}{"created_at": "not-a-timestamp"}); err != nil {
		t.Fatal(err)
	}

	// The ceiling is the only global stop; advancing with it silently
	// disabled would be worse than refusing outright.
	if _, err := e.orch.Advance("run-1"); err == nil {
		t.Fatal("expected error for unparseable created_at")
	}
	if len(e.delegate.ran) != 0 {
		t.Errorf("run with corrupt created_at still dispatched phases: %v", e.delegate.ran)
	}
}

func TestSafetyCriticalFailureBlocks(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.delegate.on("work", func(req DelegateRequest) (*DelegateResult, error) {
		return &DelegateResult{Status: DelegateFail, Reason: "worker exploded"}, nil
	})

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "blocked" || res.Phase != "work" {
		t.Fatalf("Drive = %+v, want blocked at work", res)
	}

	cp, _ := e.store.Get("run-1")
	if cp.Phases["work"].Status != checkpoint.StatusFailed {
		t.Errorf("work = %q, want failed", cp.Phases["work"].Status)
	}
	if cp.Phases["review"].Status != checkpoint.StatusPending {
		t.Errorf("review = %q, want still pending", cp.Phases["review"].Status)
	}
}

func TestOptionalFailureDegradesToSkipped(t *testing.T) {
	cfg := testConfig()
	work := cfg.Pipeline.FindPhase("work")
	work.Optional = true
	work.SafetyCritical = false

	e := newTestEnv(t, cfg)
	e.cleanArtifacts(t)
	e.delegate.on("work", func(req DelegateRequest) (*DelegateResult, error) {
		return &DelegateResult{Status: DelegateFail, Reason: "worker crashed"}, nil
	})

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "completed" {
		t.Fatalf("Drive = %+v, want completed (optional failure degrades)", res)
	}

	cp, _ := e.store.Get("run-1")
	if cp.Phases["work"].Status != checkpoint.StatusSkipped {
		t.Errorf("work = %q, want skipped", cp.Phases["work"].Status)
	}
	// The integrity gate must not demand the artifact a skipped phase
	// never produced.
	if cp.Phases["verify"].Status != checkpoint.StatusCompleted {
		t.Errorf("verify = %q, want completed", cp.Phases["verify"].Status)
	}
}

func TestGateBlocksOnTamperedArtifact(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.cleanArtifacts(t)

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Run work, then tamper with its certified artifact.
	if _, err := e.orch.Advance("run-1"); err != nil {
		t.Fatal(err)
	}
	cp, _ := e.store.Get("run-1")
	workArtifact := cp.Phases["work"].ArtifactPath
	if workArtifact == "" {
		t.Fatal("work artifact not recorded")
	}
	if err := os.WriteFile(workArtifact, []byte(`{"ok":false}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "blocked" || res.Phase != "verify" {
		t.Fatalf("Drive = %+v, want blocked at verify", res)
	}

	cp, _ = e.store.Get("run-1")
	if cp.Phases["verify"].Status != checkpoint.StatusFailed {
		t.Errorf("verify = %q, want failed", cp.Phases["verify"].Status)
	}
	if cp.Phases["ship"].Status != checkpoint.StatusPending {
		t.Errorf("ship = %q, want never reached", cp.Phases["ship"].Status)
	}
}

func TestCreateDuplicateRun(t *testing.T) {
	e := newTestEnv(t, testConfig())
	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.orch.Create("run-1"); err == nil {
		t.Fatal("expected error creating duplicate run")
	}
}

func TestDriveBlockedRunStaysBlocked(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.delegate.on("work", func(req DelegateRequest) (*DelegateResult, error) {
		return &DelegateResult{Status: DelegateFail, Reason: "boom"}, nil
	})

	if _, err := e.orch.Create("run-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.orch.Drive("run-1"); err != nil {
		t.Fatal(err)
	}

	// A second drive re-reports blocked without re-running the phase.
	ran := len(e.delegate.ran)
	res, err := e.orch.Drive("run-1")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Action != "blocked" {
		t.Errorf("Drive = %+v, want blocked", res)
	}
	if len(e.delegate.ran) != ran {
		t.Errorf("blocked run re-dispatched phases")
	}
}

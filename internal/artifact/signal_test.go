package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lucasnoah/foundry/internal/checkpoint"
)

func signalCheckpoint() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:         "run-1",
		PhaseOrder: []string{"work", "ship"},
		Phases: map[string]*checkpoint.PhaseState{
			"work": {Status: checkpoint.StatusCompleted},
			"ship": {Status: checkpoint.StatusCompleted},
		},
	}
}

func TestSignalWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	w := NewSignalWriter(path, "scope-a")

	if err := w.Write(signalCheckpoint()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sig, ok, err := w.Read(os.Getpid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("signal not found for its own owner")
	}
	if sig.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", sig.RunID)
	}
	if sig.Status != SignalCompleted {
		t.Errorf("Status = %q, want completed", sig.Status)
	}
	if sig.PhasesCompleted != 2 || sig.PhasesTotal != 2 {
		t.Errorf("phases = %d/%d, want 2/2", sig.PhasesCompleted, sig.PhasesTotal)
	}
}

func TestSignalPartialStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	w := NewSignalWriter(path, "scope-a")

	cp := signalCheckpoint()
	cp.Phases["work"].Status = checkpoint.StatusFailed
	if err := w.Write(cp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sig, ok, _ := w.Read(os.Getpid())
	if !ok {
		t.Fatal("signal not found")
	}
	if sig.Status != SignalPartial {
		t.Errorf("Status = %q, want partial", sig.Status)
	}
}

func TestSignalOwnerPidMismatchIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	w := NewSignalWriter(path, "scope-a")
	if err := w.Write(signalCheckpoint()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A different process asking gets "not found", never "found but stale".
	sig, ok, err := w.Read(os.Getpid() + 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok || sig != nil {
		t.Error("ownership mismatch must read as absent")
	}
}

func TestSignalScopeMismatchIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	if err := NewSignalWriter(path, "scope-a").Write(signalCheckpoint()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, ok, err := NewSignalWriter(path, "scope-b").Read(os.Getpid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Error("signal from another installation must read as absent")
	}
}

func TestSignalMalformedIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := NewSignalWriter(path, "scope-a").Read(os.Getpid())
	if err != nil {
		t.Fatalf("malformed signal should not error: %v", err)
	}
	if ok {
		t.Error("malformed signal must read as absent")
	}
}

func TestSignalConsumeDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	w := NewSignalWriter(path, "scope-a")
	if err := w.Write(signalCheckpoint()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sig, ok, err := w.Consume(os.Getpid())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !ok || sig == nil {
		t.Fatal("Consume did not return the signal")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Consume left the signal file behind")
	}

	// Second consume finds nothing.
	_, ok, err = w.Consume(os.Getpid())
	if err != nil {
		t.Fatalf("second Consume: %v", err)
	}
	if ok {
		t.Error("consumed signal read again")
	}
}

func TestSignalOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.json")
	w := NewSignalWriter(path, "scope-a")

	cp := signalCheckpoint()
	if err := w.Write(cp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cp.ID = "run-2"
	if err := w.Write(cp); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	sig, ok, _ := w.Read(os.Getpid())
	if !ok {
		t.Fatal("signal not found")
	}
	if sig.RunID != "run-2" {
		t.Errorf("RunID = %q, want run-2 (latest write wins)", sig.RunID)
	}
}

package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/foundry/internal/checkpoint"
)

// SignalSchemaVersion tags the completion signal record.
const SignalSchemaVersion = 1

// Signal statuses. "failed" is never written; it exists only as a
// classification a consumer may assign when no signal is found.
const (
	SignalCompleted = "completed"
	SignalPartial   = "partial"
)

// Signal is the minimal, ownership-tagged "pipeline finished" record
// published for external consumers. It lives at a fixed path and is
// overwritten each run; it is never more authoritative than the
// checkpoint itself.
type Signal struct {
	SchemaVersion       int    `json:"schema_version"`
	RunID               string `json:"run_id"`
	Status              string `json:"status"`
	CompletedAt         string `json:"completed_at"`
	OwnerProcessID      int    `json:"owner_process_id"`
	InstallationScopeID string `json:"installation_scope_id"`
	PhasesCompleted     int    `json:"phases_completed"`
	PhasesTotal         int    `json:"phases_total"`
}

// SignalWriter publishes and consumes completion signals.
type SignalWriter struct {
	path    string
	scopeID string
}

// NewSignalWriter creates a SignalWriter for the fixed signal path.
func NewSignalWriter(path, scopeID string) *SignalWriter {
	return &SignalWriter{path: path, scopeID: scopeID}
}

// DefaultSignalPath returns ~/.foundry/signal.json.
func DefaultSignalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".foundry", "signal.json"), nil
}

// Write publishes the signal for a run, overwriting any prior record.
func (w *SignalWriter) Write(cp *checkpoint.Checkpoint) error {
	done, total := cp.Counts()
	status := SignalCompleted
	if done < total {
		status = SignalPartial
	}
	sig := Signal{
		SchemaVersion:       SignalSchemaVersion,
		RunID:               cp.ID,
		Status:              status,
		CompletedAt:         time.Now().UTC().Format(time.RFC3339),
		OwnerProcessID:      os.Getpid(),
		InstallationScopeID: w.scopeID,
		PhasesCompleted:     done,
		PhasesTotal:         total,
	}

	data, err := json.MarshalIndent(&sig, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("mkdir signal dir: %w", err)
	}
	return checkpoint.WriteAtomic(w.path, data)
}

// Read returns the signal only if its ownership tags match the
// expected owner pid and this writer's installation scope. A mismatch
// is reported as not-found, never as found-but-stale, so a stale
// record from another run or install can never be consumed.
func (w *SignalWriter) Read(expectedOwner int) (*Signal, bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read signal: %w", err)
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, false, nil // malformed counts as absent
	}
	if sig.OwnerProcessID != expectedOwner || sig.InstallationScopeID != w.scopeID {
		return nil, false, nil
	}
	return &sig, true, nil
}

// Consume reads and then deletes the signal, so a stale "completed"
// record never bleeds into the next run's evaluation. Callers that get
// ok=false should fall back to scanning checkpoints directly.
func (w *SignalWriter) Consume(expectedOwner int) (*Signal, bool, error) {
	sig, ok, err := w.Read(expectedOwner)
	if err != nil || !ok {
		return sig, ok, err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return sig, true, fmt.Errorf("delete consumed signal: %w", err)
	}
	return sig, true, nil
}

// InstallationScopeID returns a stable per-install identifier persisted
// at ~/.foundry/installation, creating it on first use.
func InstallationScopeID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	path := filepath.Join(home, ".foundry", "installation")
	if data, err := os.ReadFile(path); err == nil {
		if id := string(data); id != "" {
			return trimNewline(id), nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist installation id: %w", err)
	}
	return id, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

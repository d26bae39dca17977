package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Session statuses recorded in state files.
const (
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// StateFile is the small record a delegate writes about itself. It is
// the sole contract by which the orchestrator learns a delegate-chosen
// session name. RunNonce scopes the marker to one run: the worker is
// handed the checkpoint's nonce at launch and echoes it back, so a
// marker left by a prior or concurrent run can never be adopted.
type StateFile struct {
	SessionName string    `json:"session_name"`
	RunNonce    string    `json:"run_nonce,omitempty"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
}

// Registry resolves delegate-chosen session names for a run and role.
// Delegates name themselves ({role}-{identifier}), so resolution is a
// post-hoc lookup rather than an orchestrator-assigned handle.
type Registry interface {
	Register(nonce, role string) (string, error)
	Resolve(nonce, role string, window time.Duration) (string, bool, error)
	Get(name string) (*StateFile, error)
}

// CompletedGrace is how long a completed session still counts as owned
// by the current run, to tolerate delegates that finish before the
// orchestrator looks for them.
const CompletedGrace = 2 * time.Minute

// FileRegistry implements Registry over a directory of JSON state
// files, one per session, discovered by glob.
type FileRegistry struct {
	dir string // defaults to ~/.foundry/sessions
	now func() time.Time
}

// NewFileRegistry creates a FileRegistry rooted at dir.
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{dir: dir, now: time.Now}
}

// DefaultRegistry returns a FileRegistry at ~/.foundry/sessions.
func DefaultRegistry() (*FileRegistry, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".foundry", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewFileRegistry(dir), nil
}

// Dir returns the registry's state file directory.
func (r *FileRegistry) Dir() string {
	return r.dir
}

// SetClock overrides the time source (for testing).
func (r *FileRegistry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *FileRegistry) statePath(name string) string {
	return filepath.Join(r.dir, name+".json")
}

// Register creates an active state file under a fresh {role}-{id} name
// carrying the run nonce and returns the name. Production delegates
// register themselves; this path exists for in-process delegates and
// tests.
func (r *FileRegistry) Register(nonce, role string) (string, error) {
	name := fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
	sf := StateFile{SessionName: name, RunNonce: nonce, Status: StateActive, StartedAt: r.now()}
	if err := r.write(name, &sf); err != nil {
		return "", err
	}
	return name, nil
}

// Resolve finds the session owned by the current run for a role.
// Ownership requires the state file's run nonce to match, then
// recency: active within window, or completed within window plus the
// grace period. Returns the newest match; false when none qualifies.
func (r *FileRegistry) Resolve(nonce, role string, window time.Duration) (string, bool, error) {
	sessions, err := r.scan(role)
	if err != nil {
		return "", false, err
	}

	now := r.now()
	var owned []StateFile
	for _, sf := range sessions {
		if sf.RunNonce != nonce {
			continue
		}
		age := now.Sub(sf.StartedAt)
		if age < 0 {
			continue
		}
		switch sf.Status {
		case StateActive:
			if age <= window {
				owned = append(owned, sf)
			}
		case StateCompleted:
			if age <= window+CompletedGrace {
				owned = append(owned, sf)
			}
		}
	}
	if len(owned) == 0 {
		return "", false, nil
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].StartedAt.After(owned[j].StartedAt)
	})
	return owned[0].SessionName, true, nil
}

// Get reads one session's state file.
func (r *FileRegistry) Get(name string) (*StateFile, error) {
	data, err := os.ReadFile(r.statePath(name))
	if err != nil {
		return nil, err
	}
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unmarshal state file %q: %w", name, err)
	}
	return &sf, nil
}

// SetStatus updates a session's recorded status.
func (r *FileRegistry) SetStatus(name, status string) error {
	sf, err := r.Get(name)
	if err != nil {
		return err
	}
	sf.Status = status
	return r.write(name, sf)
}

// Remove deletes a session's state file. Missing files are not an error.
func (r *FileRegistry) Remove(name string) error {
	err := os.Remove(r.statePath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// scan returns all parseable state files, optionally filtered by role
// prefix ("" matches all). Unparseable files are skipped, not fatal.
func (r *FileRegistry) scan(role string) ([]StateFile, error) {
	pattern := "*.json"
	if role != "" {
		pattern = role + "-*.json"
	}
	matches, err := filepath.Glob(filepath.Join(r.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob sessions: %w", err)
	}

	var sessions []StateFile
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sf StateFile
		if err := json.Unmarshal(data, &sf); err != nil {
			continue
		}
		if sf.SessionName == "" {
			continue
		}
		sessions = append(sessions, sf)
	}
	return sessions, nil
}

func (r *FileRegistry) write(name string, sf *StateFile) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}
	data = append(data, '\n')
	tmp := r.statePath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, r.statePath(name))
}

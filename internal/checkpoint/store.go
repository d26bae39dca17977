package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// reservedKeys are rejected in any merge partial, at any depth, to
// block structural injection via attacker-influenced field names.
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Store manages checkpoint state on disk. One run id has exactly one
// writer process at a time; every update is a whole-object shallow
// merge followed by an atomic replace.
type Store struct {
	baseDir string // defaults to ~/.foundry/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.foundry/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".foundry", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// RunDir returns the directory holding all state for one run.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// ArtifactDir returns the directory holding a run's phase artifacts.
func (s *Store) ArtifactDir(id string) string {
	return filepath.Join(s.RunDir(id), "artifacts")
}

func (s *Store) checkpointPath(id string) string {
	return filepath.Join(s.RunDir(id), "checkpoint.json")
}

// Create initialises a new run checkpoint with every phase pending.
// phaseOrder is fixed at run start and never renumbered.
func (s *Store) Create(id string, phaseOrder []string) (*Checkpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("empty run id")
	}
	if len(phaseOrder) == 0 {
		return nil, fmt.Errorf("empty phase order")
	}
	if _, err := os.Stat(s.checkpointPath(id)); err == nil {
		return nil, fmt.Errorf("run %q already exists", id)
	}
	if err := os.MkdirAll(s.ArtifactDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir artifacts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	cp := &Checkpoint{
		ID:            id,
		SchemaVersion: SchemaVersion,
		PhaseOrder:    append([]string(nil), phaseOrder...),
		Phases:        make(map[string]*PhaseState, len(phaseOrder)),
		SessionNonce:  uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, name := range phaseOrder {
		cp.Phases[name] = &PhaseState{Status: StatusPending}
	}

	if err := WriteJSON(s.checkpointPath(id), cp); err != nil {
		return nil, fmt.Errorf("write checkpoint.json: %w", err)
	}
	return cp, nil
}

// Get reads the checkpoint for a run, migrating older schemas forward
// and persisting the migrated form.
func (s *Store) Get(id string) (*Checkpoint, error) {
	raw, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}
	migrated, changed := migrate(raw)
	cp, err := decode(migrated)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %q: %w", id, err)
	}
	if changed {
		if err := WriteJSON(s.checkpointPath(id), cp); err != nil {
			return nil, fmt.Errorf("persist migrated checkpoint: %w", err)
		}
	}
	return cp, nil
}

// Update shallow-merges partial into the stored checkpoint and writes
// the result atomically. Keys from the reserved denylist are rejected
// outright, at any nesting depth. This is the single mutation path;
// no other component writes the checkpoint file directly.
func (s *Store) Update(id string, partial map[string]interface{}) (*Checkpoint, error) {
	if err := guardKeys(partial); err != nil {
		return nil, err
	}
	raw, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}
	raw, _ = migrate(raw)
	for k, v := range partial {
		raw[k] = v
	}
	raw["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	cp, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("merge produced invalid checkpoint: %w", err)
	}
	if err := WriteJSON(s.checkpointPath(id), cp); err != nil {
		return nil, fmt.Errorf("write checkpoint.json: %w", err)
	}
	return cp, nil
}

// UpdatePhase applies fn to a single phase and persists through Update.
func (s *Store) UpdatePhase(id, name string, fn func(*PhaseState)) (*Checkpoint, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	ps, ok := cp.Phases[name]
	if !ok {
		return nil, fmt.Errorf("phase %q not found in run %q", name, id)
	}
	fn(ps)
	return s.Update(id, map[string]interface{}{"phases": cp.Phases})
}

// ResetPhases returns the named phases to pending, clearing artifact
// path, artifact hash, delegate session, and reason together. The
// whole subset is written in one merge so the reset is atomic.
func (s *Store) ResetPhases(id string, names ...string) (*Checkpoint, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		ps, ok := cp.Phases[name]
		if !ok {
			return nil, fmt.Errorf("phase %q not found in run %q", name, id)
		}
		ps.Status = StatusPending
		ps.ArtifactPath = ""
		ps.ArtifactHash = ""
		ps.DelegateSession = ""
		ps.Reason = ""
		ps.StartedAt = ""
		ps.CompletedAt = ""
	}
	return s.Update(id, map[string]interface{}{"phases": cp.Phases})
}

// SetConvergence replaces the convergence sub-state.
func (s *Store) SetConvergence(id string, cs *ConvergenceState) (*Checkpoint, error) {
	return s.Update(id, map[string]interface{}{"convergence": cs})
}

// List returns all run checkpoints, sorted by id.
func (s *Store) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		runs = append(runs, *cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %q not found", id)
	}
	return os.RemoveAll(dir)
}

// Exists reports whether a checkpoint exists for the run. Absence
// means "no prior run", not an error.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.checkpointPath(id))
	return err == nil
}

func (s *Store) readRaw(id string) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.checkpointPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %q not found", id)
		}
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %q: %w", id, err)
	}
	return raw, nil
}

func decode(raw map[string]interface{}) (*Checkpoint, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp.ID == "" {
		return nil, fmt.Errorf("missing run id")
	}
	return &cp, nil
}

// guardKeys rejects reserved keys anywhere in the partial.
func guardKeys(partial map[string]interface{}) error {
	for k, v := range partial {
		if reservedKeys[k] {
			return fmt.Errorf("reserved key %q rejected", k)
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			if err := guardKeys(nested); err != nil {
				return err
			}
		case []interface{}:
			for _, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					if err := guardKeys(m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// migrate brings an older raw checkpoint up to the current schema.
// v1 predates session nonces and stored the order under "order".
func migrate(raw map[string]interface{}) (map[string]interface{}, bool) {
	version := 1
	if v, ok := raw["schema_version"].(float64); ok {
		version = int(v)
	}
	if version >= SchemaVersion {
		return raw, false
	}

	if version < 2 {
		if _, ok := raw["phase_order"]; !ok {
			if order, ok := raw["order"]; ok {
				raw["phase_order"] = order
				delete(raw, "order")
			}
		}
		if nonce, ok := raw["session_nonce"].(string); !ok || nonce == "" {
			raw["session_nonce"] = uuid.NewString()
		}
	}
	raw["schema_version"] = SchemaVersion
	return raw, true
}

package checkpoint

// SchemaVersion is the current checkpoint schema. Older checkpoints
// are migrated forward on first read.
const SchemaVersion = 2

// Phase status values. Transitions are monotonic within one pass;
// a convergence retry is the only sanctioned reset back to pending.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// Checkpoint is the full persisted state of one pipeline run.
type Checkpoint struct {
	ID            string                 `json:"id"`
	SchemaVersion int                    `json:"schema_version"`
	PhaseOrder    []string               `json:"phase_order"`
	Phases        map[string]*PhaseState `json:"phases"`
	Convergence   *ConvergenceState      `json:"convergence,omitempty"`
	SessionNonce  string                 `json:"session_nonce"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
}

// PhaseState is the persisted state of a single named phase.
type PhaseState struct {
	Status          string `json:"status"`
	ArtifactPath    string `json:"artifact_path,omitempty"`
	ArtifactHash    string `json:"artifact_hash,omitempty"`
	DelegateSession string `json:"delegate_session,omitempty"`
	Reason          string `json:"reason,omitempty"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

// Terminal reports whether the phase has reached a terminal status.
func (p *PhaseState) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusSkipped, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// ConvergenceState tracks the review↔mend sub-loop while it is active.
type ConvergenceState struct {
	Round         int            `json:"round"`
	History       []HistoryEntry `json:"history"`
	OriginalScope []string       `json:"original_scope,omitempty"`
	Scope         []string       `json:"scope,omitempty"`
}

// HistoryEntry is the immutable record of one convergence round.
// P1Remaining/P2Remaining are nil when the counts are unknown —
// a missing findings artifact must never read as "confirmed zero".
type HistoryEntry struct {
	Round          int    `json:"round"`
	FindingsBefore int    `json:"findings_before"`
	FindingsAfter  int    `json:"findings_after"`
	P1Remaining    *int   `json:"p1_remaining"`
	P2Remaining    *int   `json:"p2_remaining"`
	Verdict        string `json:"verdict"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// FirstPending returns the first phase in canonical order whose status
// is pending, or "" if none. Canonical order is the literal phase_order
// sequence — never derived by sorting display labels.
func (c *Checkpoint) FirstPending() string {
	for _, name := range c.PhaseOrder {
		if ps, ok := c.Phases[name]; ok && ps.Status == StatusPending {
			return name
		}
	}
	return ""
}

// Counts returns how many phases are completed (or skipped) and the total.
func (c *Checkpoint) Counts() (done, total int) {
	total = len(c.PhaseOrder)
	for _, name := range c.PhaseOrder {
		if ps, ok := c.Phases[name]; ok {
			if ps.Status == StatusCompleted || ps.Status == StatusSkipped {
				done++
			}
		}
	}
	return done, total
}

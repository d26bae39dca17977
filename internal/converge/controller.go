package converge

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/lucasnoah/foundry/internal/checkpoint"
	"github.com/lucasnoah/foundry/internal/config"
	"github.com/lucasnoah/foundry/internal/db"
)

// Verdict strings are persisted verbatim in history entries and must
// never be renamed.
const (
	VerdictConverged = "converged"
	VerdictRetry     = "retry"
	VerdictHalted    = "halted"
	VerdictFailed    = "failed"
)

// Halted reasons. One verdict string carries two operationally distinct
// situations; downstream consumers distinguish them by reason.
const (
	ReasonZeroProgress    = "zero progress"
	ReasonFindingsMissing = "findings missing or malformed"
	ReasonResidualTier2   = "residual tier-2 findings at round budget"
	ReasonTier1Exhausted  = "tier-1 findings remain at round budget"
)

// Outcome is the controller's decision for one round.
type Outcome struct {
	Verdict        string
	Reason         string
	P1Remaining    *int // nil = unknown, never conflated with 0
	P2Remaining    *int
	FindingsBefore int
	FindingsAfter  int
	Residual       []Finding // blocking findings left when halted
}

// EvalInput is everything the verdict algorithm needs for one round.
type EvalInput struct {
	Round     int
	MaxCycles int
	HardGate  bool

	MendErr    error // mend artifact missing or malformed
	MendFixed  int
	MendFailed int

	FindingsErr error // remaining finding set missing or malformed
	Findings    []Finding

	Before int // blocking findings entering the round
}

// Evaluate computes the verdict for one convergence round. The branch
// order is load-bearing: zero-progress and malformed-artifact checks
// run before any counting, and both record unknown (nil) remaining
// counts rather than assuming zero.
func Evaluate(in EvalInput) Outcome {
	out := Outcome{FindingsBefore: in.Before}

	if in.MendErr != nil {
		out.Verdict = VerdictHalted
		out.Reason = fmt.Sprintf("%s: %v", ReasonFindingsMissing, in.MendErr)
		return out
	}
	if in.MendFixed == 0 && in.MendFailed > 0 {
		out.Verdict = VerdictHalted
		out.Reason = ReasonZeroProgress
		return out
	}
	if in.FindingsErr != nil {
		out.Verdict = VerdictHalted
		out.Reason = fmt.Sprintf("%s: %v", ReasonFindingsMissing, in.FindingsErr)
		return out
	}

	p1, p2 := CountBlocking(in.Findings)
	out.P1Remaining = &p1
	out.P2Remaining = &p2
	out.FindingsAfter = p1 + p2

	switch {
	case p1 == 0 && p2 == 0:
		out.Verdict = VerdictConverged
	case p1 == 0 && in.Round+1 >= in.MaxCycles:
		out.Verdict = VerdictHalted
		out.Reason = ReasonResidualTier2
		out.Residual = FilterBlocking(in.Findings)
	case p1 > 0 && in.Round+1 >= in.MaxCycles:
		if in.HardGate {
			out.Verdict = VerdictFailed
		} else {
			out.Verdict = VerdictHalted
		}
		out.Reason = ReasonTier1Exhausted
		out.Residual = FilterBlocking(in.Findings)
	default:
		out.Verdict = VerdictRetry
	}
	return out
}

// Controller runs the control phase of the review↔mend sub-loop,
// mutating the checkpoint through the store's merge path only.
type Controller struct {
	store *checkpoint.Store
	db    *db.DB // nil disables event logging
	cfg   config.Convergence
}

// NewController creates a Controller.
func NewController(store *checkpoint.Store, database *db.DB, cfg config.Convergence) *Controller {
	return &Controller{store: store, db: database, cfg: cfg}
}

// Run executes one controller round for the given run. controllerPhase
// is the controller's own phase id, reset alongside review and mend on
// retry. The returned outcome tells the dispatcher how to record the
// controller phase itself (except on retry, where the phase is already
// pending again).
func (c *Controller) Run(runID, controllerPhase string) (*Outcome, error) {
	cp, err := c.store.Get(runID)
	if err != nil {
		return nil, err
	}

	cs := cp.Convergence
	if cs == nil {
		cs = &checkpoint.ConvergenceState{Round: 0}
	}

	review := cp.Phases[c.cfg.ReviewPhase]
	mend := cp.Phases[c.cfg.MendPhase]
	if review == nil || mend == nil {
		return nil, fmt.Errorf("convergence phases %q/%q not in checkpoint", c.cfg.ReviewPhase, c.cfg.MendPhase)
	}

	in := EvalInput{
		Round:     cs.Round,
		MaxCycles: c.cfg.MaxCycles,
		HardGate:  c.cfg.HardGate,
	}

	var mendTouched []string
	ma, mendErr := LoadMend(mend.ArtifactPath)
	if mendErr != nil {
		in.MendErr = mendErr
	} else {
		in.MendFixed = ma.Fixed
		in.MendFailed = ma.Failed
		mendTouched = ma.FilesTouched
		if ma.Remaining == nil {
			in.FindingsErr = fmt.Errorf("mend artifact has no remaining finding set")
		} else {
			in.Findings = *ma.Remaining
		}
	}

	if ra, err := LoadReview(review.ArtifactPath); err == nil {
		p1, p2 := CountBlocking(ra.Findings)
		in.Before = p1 + p2
		if cs.OriginalScope == nil {
			cs.OriginalScope = scopeUnion(findingFiles(ra.Findings), mendTouched)
			cs.Scope = cs.OriginalScope
		}
	}

	out := Evaluate(in)

	// History is append-only; earlier entries are never touched.
	entry := checkpoint.HistoryEntry{
		Round:          cs.Round,
		FindingsBefore: out.FindingsBefore,
		FindingsAfter:  out.FindingsAfter,
		P1Remaining:    out.P1Remaining,
		P2Remaining:    out.P2Remaining,
		Verdict:        out.Verdict,
		Reason:         out.Reason,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	cs.History = append(cs.History, entry)

	if out.Verdict == VerdictRetry {
		cs.Round++
		cs.Scope = narrowScope(cs.Scope, mendTouched, cs.OriginalScope)
		// The round increment and the sub-loop reset land in one merge;
		// a crash between two separate writes would leave review/mend
		// completed with the round already bumped, burning a round
		// re-evaluating the same artifacts. The first-pending scan then
		// re-enters the review phase.
		for _, name := range []string{c.cfg.ReviewPhase, c.cfg.MendPhase, controllerPhase} {
			ps, ok := cp.Phases[name]
			if !ok {
				return nil, fmt.Errorf("phase %q not found in run %q", name, runID)
			}
			*ps = checkpoint.PhaseState{Status: checkpoint.StatusPending}
		}
		if _, err := c.store.Update(runID, map[string]interface{}{
			"convergence": cs,
			"phases":      cp.Phases,
		}); err != nil {
			return nil, fmt.Errorf("persist retry state: %w", err)
		}
	} else if _, err := c.store.SetConvergence(runID, cs); err != nil {
		return nil, fmt.Errorf("persist convergence state: %w", err)
	}

	if out.Verdict == VerdictHalted && len(out.Residual) > 0 {
		c.writeKnownIssues(runID, out.Residual)
	}

	if c.db != nil {
		_ = c.db.LogRunEvent(runID, "convergence_verdict", controllerPhase, entry.Round, out.Verdict+" "+out.Reason)
	}
	return &out, nil
}

// writeKnownIssues records residual blocking findings shipped as tech
// debt. Best-effort: a halted run proceeds either way.
func (c *Controller) writeKnownIssues(runID string, residual []Finding) {
	path := filepath.Join(c.store.RunDir(runID), "known-issues.json")
	_ = checkpoint.WriteJSON(path, map[string]interface{}{
		"run_id":   runID,
		"findings": residual,
	})
}

// narrowScope unions the files touched by mend with the previous scope,
// clipped to the original diff — re-review scope narrows progressively
// and never widens past the original.
func narrowScope(prev, mendTouched, original []string) []string {
	union := scopeUnion(prev, mendTouched)
	if original == nil {
		return union
	}
	allowed := make(map[string]bool, len(original))
	for _, f := range original {
		allowed[f] = true
	}
	var out []string
	for _, f := range union {
		if allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

func scopeUnion(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if f != "" && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

func findingFiles(findings []Finding) []string {
	var files []string
	for _, f := range findings {
		files = append(files, f.File)
	}
	return files
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lucasnoah/foundry/internal/artifact"
	"github.com/lucasnoah/foundry/internal/checkpoint"
	"github.com/lucasnoah/foundry/internal/config"
	"github.com/lucasnoah/foundry/internal/converge"
	"github.com/lucasnoah/foundry/internal/db"
	"github.com/lucasnoah/foundry/internal/session"
)

// sweepTTL is the layer-2 background heal threshold: state files older
// than this are reclaimed regardless of owner.
const sweepTTL = 24 * time.Hour

// Orchestrator composes the phase dispatcher/executor with the
// checkpoint store, lifecycle guard, convergence controller, and
// completion signal writer.
type Orchestrator struct {
	store      *checkpoint.Store
	db         *db.DB
	guard      *session.Guard
	controller *converge.Controller
	signal     *artifact.SignalWriter
	cfg        *config.PipelineConfig
	delegate   Delegate            // default phase body
	delegates  map[string]Delegate // per-phase overrides
	progress   io.Writer           // live progress output; nil = silent
}

// New creates an Orchestrator.
func New(
	store *checkpoint.Store,
	database *db.DB,
	guard *session.Guard,
	controller *converge.Controller,
	signal *artifact.SignalWriter,
	delegate Delegate,
	cfg *config.PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		db:         database,
		guard:      guard,
		controller: controller,
		signal:     signal,
		cfg:        cfg,
		delegate:   delegate,
		delegates:  make(map[string]Delegate),
	}
}

// SetDelegate overrides the phase body for a single phase id.
func (o *Orchestrator) SetDelegate(phaseID string, d Delegate) {
	o.delegates[phaseID] = d
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// Create initialises a new run: layer-3 pre-run scan for leaked
// sessions, then a fresh checkpoint with every phase pending.
func (o *Orchestrator) Create(runID string) (*checkpoint.Checkpoint, error) {
	if o.store.Exists(runID) {
		return nil, fmt.Errorf("run %q already exists", runID)
	}

	var roles []string
	for i := range o.cfg.Pipeline.Phases {
		if ph := &o.cfg.Pipeline.Phases[i]; ph.Type == "delegate" {
			roles = append(roles, ph.Role)
		}
	}
	if evicted, err := o.guard.PreRunScan(roles, Ceiling(&o.cfg.Pipeline)); err == nil && len(evicted) > 0 {
		o.logf("pre-run scan evicted stale sessions: %v", evicted)
	}

	cp, err := o.store.Create(runID, o.cfg.Pipeline.PhaseOrder())
	if err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, "created", cp.PhaseOrder[0], 0, "")
	}
	return cp, nil
}

// AdvanceResult describes what happened during an advance.
type AdvanceResult struct {
	RunID   string `json:"run_id"`
	Action  string `json:"action"` // "ran_phase", "completed", "blocked", "budget_exhausted"
	Phase   string `json:"phase,omitempty"`
	Status  string `json:"status,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Message string `json:"message,omitempty"`
}

// Advance executes exactly one phase: the first pending one in
// canonical order. The "first pending" rule, not "last completed + 1",
// is what lets a convergence retry loop back after resetting earlier
// phases.
func (o *Orchestrator) Advance(runID string) (*AdvanceResult, error) {
	release, err := session.AcquireRunLock(o.store.RunDir(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.recoverInProgress(runID); err != nil {
		return nil, err
	}
	return o.step(runID, Ceiling(&o.cfg.Pipeline))
}

// Drive advances the run until it completes, blocks, or exhausts the
// global budget, holding the run lock for the whole walk.
func (o *Orchestrator) Drive(runID string) (*AdvanceResult, error) {
	release, err := session.AcquireRunLock(o.store.RunDir(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.recoverInProgress(runID); err != nil {
		return nil, err
	}

	ceiling := Ceiling(&o.cfg.Pipeline)
	for {
		res, err := o.step(runID, ceiling)
		if err != nil {
			return res, err
		}
		if res.Action != "ran_phase" {
			return res, nil
		}
	}
}

// recoverInProgress is the layer-1 resume guard: any phase found
// in_progress belongs to a crashed process. Its delegate session is
// torn down and the phase reset to pending, before anything else runs.
func (o *Orchestrator) recoverInProgress(runID string) error {
	cp, err := o.store.Get(runID)
	if err != nil {
		return err
	}
	for _, name := range cp.PhaseOrder {
		ps, ok := cp.Phases[name]
		if !ok || ps.Status != checkpoint.StatusInProgress {
			continue
		}
		o.logf("phase %q was in progress at crash — recovering", name)
		if ps.DelegateSession != "" {
			if err := o.guard.Teardown(ps.DelegateSession); err != nil {
				o.logf("teardown %q: %v", ps.DelegateSession, err)
			}
		}
		if _, err := o.store.ResetPhases(runID, name); err != nil {
			return fmt.Errorf("reset crashed phase %q: %w", name, err)
		}
		if o.db != nil {
			_ = o.db.LogRunEvent(runID, "crash_recovered", name, 0, "")
		}
	}
	return nil
}

// step runs the first pending phase, or reports the run's final state.
// The budget ceiling is checked here, between phases only.
func (o *Orchestrator) step(runID string, ceiling time.Duration) (*AdvanceResult, error) {
	cp, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}

	name := cp.FirstPending()
	if name == "" {
		return o.finalResult(cp), nil
	}

	// A failed phase blocks all later dispatch. A timeout blocks only
	// when the phase was safety-critical; otherwise the run limps on
	// and the gate decides whether the missing artifact matters.
	for _, pname := range cp.PhaseOrder {
		ps, ok := cp.Phases[pname]
		if !ok {
			continue
		}
		critical := false
		if ph := o.cfg.Pipeline.FindPhase(pname); ph != nil {
			critical = ph.SafetyCritical
		}
		if ps.Status == checkpoint.StatusFailed || (ps.Status == checkpoint.StatusTimeout && critical) {
			return &AdvanceResult{
				RunID:   runID,
				Action:  "blocked",
				Phase:   pname,
				Status:  ps.Status,
				Message: ps.Reason,
			}, nil
		}
	}

	// The budget ceiling is the only global stop; a checkpoint whose
	// created_at cannot be parsed must not advance with the ceiling
	// silently disabled.
	created, err := time.Parse(time.RFC3339, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("run %q: unparseable created_at %q: %v", runID, cp.CreatedAt, err)
	}
	if elapsed := time.Since(created); elapsed > ceiling {
		_, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusTimeout
			ps.Reason = fmt.Sprintf("run budget exhausted (%s > %s)", elapsed.Round(time.Second), ceiling)
		})
		if err != nil {
			return nil, err
		}
		if o.db != nil {
			_ = o.db.LogRunEvent(runID, "budget_exhausted", name, 0, ceiling.String())
		}
		return &AdvanceResult{RunID: runID, Action: "budget_exhausted", Phase: name}, nil
	}

	return o.runPhase(runID, name)
}

// finalResult classifies a run with no pending phases.
func (o *Orchestrator) finalResult(cp *checkpoint.Checkpoint) *AdvanceResult {
	for _, name := range cp.PhaseOrder {
		if ps, ok := cp.Phases[name]; ok {
			if ps.Status == checkpoint.StatusFailed || ps.Status == checkpoint.StatusTimeout {
				return &AdvanceResult{
					RunID:   cp.ID,
					Action:  "blocked",
					Phase:   name,
					Status:  ps.Status,
					Message: ps.Reason,
				}
			}
		}
	}
	return &AdvanceResult{RunID: cp.ID, Action: "completed"}
}

// runPhase executes one phase body with full lifecycle bookkeeping.
func (o *Orchestrator) runPhase(runID, name string) (*AdvanceResult, error) {
	phaseCfg := o.cfg.Pipeline.FindPhase(name)
	if phaseCfg == nil {
		return nil, fmt.Errorf("phase %q not found in config", name)
	}
	o.logf("run %s: executing phase %q", runID, name)

	// Guard pre-phase: evict anything stale under this phase's role.
	if phaseCfg.Type == "delegate" {
		if _, err := o.guard.PreRunScan([]string{phaseCfg.Role}, sweepTTL); err != nil {
			o.logf("pre-phase scan: %v", err)
		}
	}

	// Crash-recovery marker: in_progress is written before any
	// side-effecting call.
	if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
		ps.Status = checkpoint.StatusInProgress
		ps.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}); err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, "phase_started", name, 0, "")
	}

	switch phaseCfg.Type {
	case "control":
		return o.runControlPhase(runID, name)
	case "gate":
		return o.runGatePhase(runID, name, phaseCfg)
	default:
		return o.runDelegatePhase(runID, name, phaseCfg)
	}
}

// runControlPhase hands the phase to the convergence controller.
func (o *Orchestrator) runControlPhase(runID, name string) (*AdvanceResult, error) {
	out, err := o.controller.Run(runID, name)
	if err != nil {
		return nil, fmt.Errorf("convergence controller: %w", err)
	}
	o.logf("convergence verdict: %s %s", out.Verdict, out.Reason)

	res := &AdvanceResult{RunID: runID, Action: "ran_phase", Phase: name, Verdict: out.Verdict}
	switch out.Verdict {
	case converge.VerdictRetry:
		// The controller already reset review/mend/itself to pending;
		// the next first-pending scan re-enters the review phase.
		res.Status = checkpoint.StatusPending
		return res, nil
	case converge.VerdictConverged:
		res.Status = checkpoint.StatusCompleted
		return res, o.completePhase(runID, name, "", "", "converged")
	case converge.VerdictHalted:
		// Degraded-terminal: proceed with a recorded warning.
		res.Status = checkpoint.StatusCompleted
		res.Message = out.Reason
		return res, o.completePhase(runID, name, "", "", "halted: "+out.Reason)
	default: // failed — pipeline-blocking
		if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusFailed
			ps.Reason = out.Reason
			ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}); err != nil {
			return nil, err
		}
		res.Action = "blocked"
		res.Status = checkpoint.StatusFailed
		res.Message = out.Reason
		return res, nil
	}
}

// runGatePhase re-verifies artifact integrity shortly before shipping.
func (o *Orchestrator) runGatePhase(runID, name string, phaseCfg *config.Phase) (*AdvanceResult, error) {
	cp, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}

	// Every artifact-bearing phase ahead of the gate is required, except
	// phases that ended skipped: a skipped phase elected not to produce
	// its artifact, so absence is not a breach. Artifacts that do exist
	// are still hash-checked by Verify regardless of requiredness.
	var required []string
	for i := range o.cfg.Pipeline.Phases {
		ph := &o.cfg.Pipeline.Phases[i]
		if ph.ID == name {
			break
		}
		if ph.Artifact == "" {
			continue
		}
		if ps, ok := cp.Phases[ph.ID]; ok && ps.Status == checkpoint.StatusSkipped {
			continue
		}
		required = append(required, ph.ID)
	}

	report := artifact.Verify(cp, required)
	for _, v := range report.Violations {
		o.logf("integrity %s: %s %s", v.Level, v.Phase, v.Reason)
	}

	res := &AdvanceResult{RunID: runID, Action: "ran_phase", Phase: name}
	if report.Blocking() {
		reason := "artifact integrity violation"
		for _, v := range report.Violations {
			if v.Level == artifact.LevelBlock {
				reason = fmt.Sprintf("%s: %s", v.Phase, v.Reason)
				break
			}
		}
		if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusFailed
			ps.Reason = reason
			ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}); err != nil {
			return nil, err
		}
		if o.db != nil {
			_ = o.db.LogRunEvent(runID, "integrity_blocked", name, 0, reason)
		}
		res.Action = "blocked"
		res.Status = checkpoint.StatusFailed
		res.Message = reason
		return res, nil
	}

	reason := ""
	if n := len(report.Violations); n > 0 {
		reason = fmt.Sprintf("%d advisory warnings", n)
	}
	res.Status = checkpoint.StatusCompleted
	return res, o.completePhase(runID, name, "", "", reason)
}

// runDelegatePhase runs an opaque phase body with a phase-local timeout.
func (o *Orchestrator) runDelegatePhase(runID, name string, phaseCfg *config.Phase) (*AdvanceResult, error) {
	cp, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}

	req := DelegateRequest{
		RunID:       runID,
		Phase:       name,
		Role:        phaseCfg.Role,
		Nonce:       cp.SessionNonce,
		ArtifactDir: o.store.ArtifactDir(runID),
		Artifact:    phaseCfg.Artifact,
		Timeout:     phaseCfg.PhaseTimeout(),
	}
	if cs := cp.Convergence; cs != nil {
		if name == o.cfg.Pipeline.Convergence.ReviewPhase || name == o.cfg.Pipeline.Convergence.MendPhase {
			req.Scope = cs.Scope
		}
	}

	body := o.delegate
	if d, ok := o.delegates[name]; ok {
		body = d
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()
	dres, err := body.Run(ctx, req)

	res := &AdvanceResult{RunID: runID, Action: "ran_phase", Phase: name}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		o.logf("phase %q timed out after %s", name, req.Timeout)
		if _, uerr := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusTimeout
			ps.Reason = fmt.Sprintf("phase timeout %s: %v", req.Timeout, err)
			ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}); uerr != nil {
			return nil, uerr
		}
		res.Status = checkpoint.StatusTimeout
		if phaseCfg.SafetyCritical {
			res.Action = "blocked"
		}
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("run phase %q: %w", name, err)
	}

	if dres.SessionName != "" {
		defer func() {
			if terr := o.guard.Teardown(dres.SessionName); terr != nil {
				o.logf("post-phase teardown %q: %v", dres.SessionName, terr)
			}
		}()
	}

	switch dres.Status {
	case DelegateSuccess:
		hash := ""
		if dres.ArtifactPath != "" {
			hash, err = artifact.HashFile(dres.ArtifactPath)
			if err != nil {
				return o.failPhase(runID, name, phaseCfg, res,
					fmt.Sprintf("artifact missing at completion: %v", err))
			}
		}
		if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusCompleted
			ps.ArtifactPath = dres.ArtifactPath
			ps.ArtifactHash = hash
			ps.DelegateSession = dres.SessionName
			ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}); err != nil {
			return nil, err
		}
		res.Status = checkpoint.StatusCompleted
		if o.db != nil {
			_ = o.db.LogRunEvent(runID, "phase_completed", name, 0, "")
		}
		if phaseCfg.Terminal {
			o.publishSignal(runID)
		}
		return res, nil

	case DelegateSkip:
		if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
			ps.Status = checkpoint.StatusSkipped
			ps.Reason = dres.Reason
			ps.DelegateSession = dres.SessionName
			ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}); err != nil {
			return nil, err
		}
		res.Status = checkpoint.StatusSkipped
		res.Message = dres.Reason
		return res, nil

	default: // fail
		return o.failPhase(runID, name, phaseCfg, res, dres.Reason)
	}
}

// failPhase records a hard failure, degrading optional phases to
// skipped. Safety-critical failures halt the whole run.
func (o *Orchestrator) failPhase(runID, name string, phaseCfg *config.Phase, res *AdvanceResult, reason string) (*AdvanceResult, error) {
	status := checkpoint.StatusFailed
	if phaseCfg.Optional {
		status = checkpoint.StatusSkipped
	}
	if _, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
		ps.Status = status
		ps.Reason = reason
		ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}); err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, "phase_"+status, name, 0, reason)
	}
	res.Status = status
	res.Message = reason
	if status == checkpoint.StatusFailed && phaseCfg.SafetyCritical {
		res.Action = "blocked"
	}
	return res, nil
}

// completePhase marks a phase completed with an optional reason note,
// publishing the completion signal when the phase is terminal.
func (o *Orchestrator) completePhase(runID, name, artifactPath, hash, reason string) error {
	_, err := o.store.UpdatePhase(runID, name, func(ps *checkpoint.PhaseState) {
		ps.Status = checkpoint.StatusCompleted
		ps.ArtifactPath = artifactPath
		ps.ArtifactHash = hash
		ps.Reason = reason
		ps.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		return err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, "phase_completed", name, 0, reason)
	}
	if ph := o.cfg.Pipeline.FindPhase(name); ph != nil && ph.Terminal {
		o.publishSignal(runID)
	}
	return nil
}

// publishSignal is triggered by the checkpoint write that marks the
// terminal phase completed. Best-effort: the checkpoint stays the
// source of truth and consumers must tolerate a missing signal.
func (o *Orchestrator) publishSignal(runID string) {
	if o.signal == nil {
		return
	}
	cp, err := o.store.Get(runID)
	if err != nil {
		o.logf("signal: %v", err)
		return
	}
	if err := o.signal.Write(cp); err != nil {
		o.logf("write completion signal: %v", err)
		return
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, "signal_published", "", 0, "")
	}
}

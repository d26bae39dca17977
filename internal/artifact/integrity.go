package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/lucasnoah/foundry/internal/checkpoint"
)

// Violation levels. Block violations indicate a trust-boundary breach
// (tampering after the producing phase certified its output) and stop
// the pipeline; warn violations are advisory quality heuristics and
// never block.
const (
	LevelBlock = "block"
	LevelWarn  = "warn"
)

// Violation is one integrity or quality finding from the gate.
type Violation struct {
	Phase  string `json:"phase"`
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

// Report is the result of a full integrity pass.
type Report struct {
	Violations []Violation `json:"violations"`
}

// Blocking reports whether any violation is at block level.
func (r *Report) Blocking() bool {
	for _, v := range r.Violations {
		if v.Level == LevelBlock {
			return true
		}
	}
	return false
}

// HashFile returns the hex sha256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-reads every phase artifact recorded in the checkpoint,
// recomputes its digest, and compares against the hash certified at
// completion. requiredPhases lists phases whose artifact must exist and
// whose owning phase must be terminal.
//
// Block: hash mismatch, missing required artifact, non-terminal owner.
// Warn: completion-ratio and stagnation heuristics.
func Verify(cp *checkpoint.Checkpoint, requiredPhases []string) *Report {
	report := &Report{}
	required := make(map[string]bool, len(requiredPhases))
	for _, name := range requiredPhases {
		required[name] = true
	}

	for _, name := range cp.PhaseOrder {
		ps, ok := cp.Phases[name]
		if !ok {
			continue
		}

		if required[name] {
			if !ps.Terminal() {
				report.Violations = append(report.Violations, Violation{
					Phase:  name,
					Level:  LevelBlock,
					Reason: fmt.Sprintf("required phase is %s, not terminal", ps.Status),
				})
				continue
			}
			if ps.ArtifactPath == "" {
				report.Violations = append(report.Violations, Violation{
					Phase:  name,
					Level:  LevelBlock,
					Reason: "required artifact missing from checkpoint",
				})
				continue
			}
		}

		if ps.ArtifactPath == "" || ps.ArtifactHash == "" {
			continue
		}

		digest, err := HashFile(ps.ArtifactPath)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				Phase:  name,
				Level:  LevelBlock,
				Reason: fmt.Sprintf("artifact unreadable: %v", err),
			})
			continue
		}
		if digest != ps.ArtifactHash {
			// Tampering after certification, never a mere warning.
			report.Violations = append(report.Violations, Violation{
				Phase:  name,
				Level:  LevelBlock,
				Reason: "artifact hash mismatch since phase completion",
			})
		}
	}

	addAdvisory(cp, report)
	return report
}

// addAdvisory appends heuristic quality signals. These never escalate.
func addAdvisory(cp *checkpoint.Checkpoint, report *Report) {
	done, total := cp.Counts()
	if total > 0 && done*2 < total {
		report.Violations = append(report.Violations, Violation{
			Level:  LevelWarn,
			Reason: fmt.Sprintf("only %d/%d phases completed", done, total),
		})
	}

	if cs := cp.Convergence; cs != nil && len(cs.History) > 0 {
		last := cs.History[len(cs.History)-1]
		if last.P2Remaining != nil && *last.P2Remaining > 0 {
			report.Violations = append(report.Violations, Violation{
				Level:  LevelWarn,
				Reason: fmt.Sprintf("%d tier-2 findings unresolved", *last.P2Remaining),
			})
		}
		if len(cs.History) >= 2 {
			prev := cs.History[len(cs.History)-2]
			if prev.FindingsAfter > 0 && prev.FindingsAfter == last.FindingsAfter {
				report.Violations = append(report.Violations, Violation{
					Level:  LevelWarn,
					Reason: "finding count stagnant across rounds",
				})
			}
		}
	}
}

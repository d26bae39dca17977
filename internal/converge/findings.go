package converge

import (
	"encoding/json"
	"fmt"
	"os"
)

// Severity tiers. P1 and P2 block convergence; P3 is advisory and is
// excluded from all convergence counts.
const (
	SeverityP1 = "p1"
	SeverityP2 = "p2"
	SeverityP3 = "p3"
)

// Finding is a single severity-classified review finding.
type Finding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Rule     string `json:"rule,omitempty"`
}

// ReviewArtifact is the artifact emitted by the review phase.
type ReviewArtifact struct {
	Findings []Finding `json:"findings"`
}

// MendArtifact is the artifact emitted by the mend phase: the attempted
// resolution counts, the files it touched, and the finding set that
// remains after its own re-check pass. Remaining is a pointer so a
// missing field reads as "unknown" rather than "confirmed zero".
type MendArtifact struct {
	Fixed        int        `json:"fixed"`
	Failed       int        `json:"failed"`
	FilesTouched []string   `json:"files_touched,omitempty"`
	Remaining    *[]Finding `json:"remaining"`
}

// LoadReview reads and validates a review artifact.
func LoadReview(path string) (*ReviewArtifact, error) {
	if path == "" {
		return nil, fmt.Errorf("no review artifact recorded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read review artifact: %w", err)
	}
	var ra ReviewArtifact
	if err := json.Unmarshal(data, &ra); err != nil {
		return nil, fmt.Errorf("malformed review artifact %s: %w", path, err)
	}
	if ra.Findings == nil {
		return nil, fmt.Errorf("review artifact %s has no findings list", path)
	}
	return &ra, nil
}

// LoadMend reads and validates a mend artifact.
func LoadMend(path string) (*MendArtifact, error) {
	if path == "" {
		return nil, fmt.Errorf("no mend artifact recorded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mend artifact: %w", err)
	}
	var ma MendArtifact
	if err := json.Unmarshal(data, &ma); err != nil {
		return nil, fmt.Errorf("malformed mend artifact %s: %w", path, err)
	}
	return &ma, nil
}

// CountBlocking tallies tier-1 and tier-2 findings, excluding advisory
// classes and anything with an unrecognized severity label.
func CountBlocking(findings []Finding) (p1, p2 int) {
	for _, f := range findings {
		switch f.Severity {
		case SeverityP1:
			p1++
		case SeverityP2:
			p2++
		}
	}
	return p1, p2
}

// FilterBlocking returns only the tier-1 and tier-2 findings.
func FilterBlocking(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityP1 || f.Severity == SeverityP2 {
			out = append(out, f)
		}
	}
	return out
}

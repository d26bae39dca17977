package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies defaults to phases that don't specify their own values.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config %s: %s", path, errs[0].Error())
	}
	return &cfg, nil
}

// LoadDefault searches for a pipeline config in standard locations and
// loads the first one found, falling back to the built-in standard
// pipeline. Search order: ./pipeline.yaml, ~/.foundry/config.yaml
func LoadDefault() (*PipelineConfig, error) {
	candidates := []string{"pipeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".foundry", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return Default(), nil
}

// Default returns the built-in standard pipeline: scaffold → work →
// review → mend → converge → verify → ship.
func Default() *PipelineConfig {
	cfg := &PipelineConfig{Pipeline: Pipeline{
		Name: "standard",
		Phases: []Phase{
			{ID: "scaffold", Seq: 1},
			{ID: "work", Seq: 2, SafetyCritical: true, Artifact: "work.json"},
			{ID: "review", Seq: 3, Role: "reviewer", Artifact: "review.json"},
			{ID: "mend", Seq: 4, Role: "mender", Artifact: "mend.json"},
			{ID: "converge", Seq: 5, Type: "control", Timeout: "1m"},
			{ID: "verify", Seq: 6, Type: "gate", Timeout: "1m"},
			{ID: "ship", Seq: 7, Terminal: true},
		},
	}}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults resolves pipeline-level defaults into phases and fills
// convergence/budget fallbacks. Resolution happens once at load, not
// re-derived per access.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.Defaults.Timeout == "" {
		p.Defaults.Timeout = "30m"
	}
	if p.Convergence.MaxCycles <= 0 {
		p.Convergence.MaxCycles = 2
	}
	// Default sub-loop phase names only when such phases exist; a
	// pipeline without a review↔mend loop is legal.
	if p.Convergence.ReviewPhase == "" && hasPhase(p, "review") {
		p.Convergence.ReviewPhase = "review"
	}
	if p.Convergence.MendPhase == "" && hasPhase(p, "mend") {
		p.Convergence.MendPhase = "mend"
	}
	if p.Budget.FirstCycleCost == "" {
		p.Budget.FirstCycleCost = "20m"
	}
	if p.Budget.SubsequentCycleCost == "" {
		p.Budget.SubsequentCycleCost = "10m"
	}
	if p.Budget.HardCap == "" {
		p.Budget.HardCap = "4h"
	}

	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Type == "" {
			ph.Type = "delegate"
		}
		if ph.Timeout == "" {
			ph.Timeout = p.Defaults.Timeout
		}
		if ph.Command == "" {
			ph.Command = p.Defaults.Command
		}
		if ph.Role == "" {
			ph.Role = ph.ID
		}
	}
}

func hasPhase(p *Pipeline, id string) bool {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return true
		}
	}
	return false
}

// PhaseTimeout parses a phase's timeout, falling back to 30m.
func (ph *Phase) PhaseTimeout() time.Duration {
	if d, err := time.ParseDuration(ph.Timeout); err == nil {
		return d
	}
	return 30 * time.Minute
}

// PhaseOrder returns the canonical ordered phase names.
func (p *Pipeline) PhaseOrder() []string {
	order := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		order = append(order, ph.ID)
	}
	return order
}

// FindPhase returns the phase config for an id, or nil.
func (p *Pipeline) FindPhase(id string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

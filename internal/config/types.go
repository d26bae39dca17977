package config

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full run: phase roster, convergence policy, and budget.
type Pipeline struct {
	Name        string        `yaml:"name"`
	Defaults    PhaseDefaults `yaml:"defaults"`
	Convergence Convergence   `yaml:"convergence"`
	Budget      Budget        `yaml:"budget"`
	Phases      []Phase       `yaml:"phases"`
}

// PhaseDefaults holds default values applied to phases that don't specify their own.
type PhaseDefaults struct {
	Timeout string `yaml:"timeout"`
	Command string `yaml:"command"`
}

// Convergence configures the review↔mend sub-loop.
type Convergence struct {
	MaxCycles   int    `yaml:"max_cycles"`   // round budget, defaults to 2
	HardGate    bool   `yaml:"hard_gate"`    // residual tier-1 at exhaustion blocks instead of warns
	ReviewPhase string `yaml:"review_phase"` // defaults to "review"
	MendPhase   string `yaml:"mend_phase"`   // defaults to "mend"
}

// Budget configures the run-level wall-clock ceiling. The ceiling is
// sum of phase timeouts + first_cycle_cost + (max_cycles-1)*subsequent_cycle_cost,
// clamped to hard_cap, and is checked between phases only.
type Budget struct {
	FirstCycleCost      string `yaml:"first_cycle_cost"`
	SubsequentCycleCost string `yaml:"subsequent_cycle_cost"`
	HardCap             string `yaml:"hard_cap"`
}

// Phase defines a single pipeline phase. Seq is a display label only;
// canonical execution order is the literal list order.
type Phase struct {
	ID             string `yaml:"id"`
	Seq            int    `yaml:"seq"`
	Type           string `yaml:"type"` // "delegate" (default), "control", "gate"
	Role           string `yaml:"role"` // delegate role prefix, e.g. "reviewer"
	Command        string `yaml:"command"`
	Timeout        string `yaml:"timeout"`
	SafetyCritical bool   `yaml:"safety_critical"`
	Terminal       bool   `yaml:"terminal"`
	Artifact       string `yaml:"artifact"` // expected artifact file name, "" = none
	Optional       bool   `yaml:"optional"` // failure degrades to skipped
}

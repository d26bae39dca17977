package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedTypes is the set of valid phase types.
var recognizedTypes = map[string]bool{
	"delegate": true,
	"control":  true,
	"gate":     true,
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Phases) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.phases", Message: "at least one phase is required"})
	}

	phaseIDs := make(map[string]bool)
	terminals := 0
	for i, ph := range p.Phases {
		prefix := fmt.Sprintf("pipeline.phases[%d]", i)
		if ph.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if phaseIDs[ph.ID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate phase ID %q", ph.ID),
			})
		}
		phaseIDs[ph.ID] = true

		if ph.Type != "" && !recognizedTypes[ph.Type] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".type",
				Message: fmt.Sprintf("unrecognized type %q", ph.Type),
			})
		}
		if ph.Timeout != "" {
			if _, err := time.ParseDuration(ph.Timeout); err != nil {
				errs = append(errs, ValidationError{
					Field:   prefix + ".timeout",
					Message: fmt.Sprintf("invalid duration %q", ph.Timeout),
				})
			}
		}
		if ph.Terminal {
			terminals++
		}
	}
	if terminals > 1 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.phases",
			Message: "at most one terminal phase is allowed",
		})
	}

	// Convergence phase references must exist.
	if len(p.Phases) > 0 {
		if p.Convergence.ReviewPhase != "" && !phaseIDs[p.Convergence.ReviewPhase] {
			errs = append(errs, ValidationError{
				Field:   "pipeline.convergence.review_phase",
				Message: fmt.Sprintf("references undefined phase %q", p.Convergence.ReviewPhase),
			})
		}
		if p.Convergence.MendPhase != "" && !phaseIDs[p.Convergence.MendPhase] {
			errs = append(errs, ValidationError{
				Field:   "pipeline.convergence.mend_phase",
				Message: fmt.Sprintf("references undefined phase %q", p.Convergence.MendPhase),
			})
		}
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"pipeline.budget.first_cycle_cost", p.Budget.FirstCycleCost},
		{"pipeline.budget.subsequent_cycle_cost", p.Budget.SubsequentCycleCost},
		{"pipeline.budget.hard_cap", p.Budget.HardCap},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("invalid duration %q", field.value),
			})
		}
	}

	return errs
}

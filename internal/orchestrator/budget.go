package orchestrator

import (
	"time"

	"github.com/lucasnoah/foundry/internal/config"
)

// Ceiling computes the run's dynamic wall-clock budget: the sum of
// static per-phase budgets, plus the first convergence cycle's cost,
// plus the cost of each further allowed cycle, clamped to the hard
// cap. Evaluated between phases only — a long-running phase is caught
// by its own timeout, never preempted mid-flight.
func Ceiling(p *config.Pipeline) time.Duration {
	var sum time.Duration
	for i := range p.Phases {
		sum += p.Phases[i].PhaseTimeout()
	}

	first := parseDur(p.Budget.FirstCycleCost, 20*time.Minute)
	subsequent := parseDur(p.Budget.SubsequentCycleCost, 10*time.Minute)
	cap := parseDur(p.Budget.HardCap, 4*time.Hour)

	sum += first
	if cycles := p.Convergence.MaxCycles; cycles > 1 {
		sum += time.Duration(cycles-1) * subsequent
	}

	if sum > cap {
		return cap
	}
	return sum
}

func parseDur(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

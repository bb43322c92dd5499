package engine

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"signoff/internal/config"
	"signoff/internal/domain"
)

type riskRule struct {
	name string
	risk string
	prg  cel.Program
}

// RiskPolicy computes the effective risk of an operation. Floors and rules
// only ever raise the level a caller asks for.
type RiskPolicy struct {
	cfg   *config.Config
	rules []riskRule
}

func NewRiskPolicy(cfg *config.Config) (*RiskPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("server", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("risk rules env: %w", err)
	}
	p := &RiskPolicy{cfg: cfg}
	for _, r := range cfg.Risk.Rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk rule %s: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("risk rule %s: program: %w", r.Name, err)
		}
		level, err := domain.ParseRisk(r.Risk)
		if err != nil {
			return nil, fmt.Errorf("risk rule %s: %w", r.Name, err)
		}
		p.rules = append(p.rules, riskRule{name: r.Name, risk: level, prg: prg})
	}
	return p, nil
}

// Assess returns max(requested, category floor, capability floor, matching rules).
// A rule that fails to evaluate is applied.
func (p *RiskPolicy) Assess(requested string, c Capability, params map[string]any, logger *slog.Logger) (string, []string) {
	level := domain.RiskLow
	if l, err := domain.ParseRisk(requested); err == nil {
		level = l
	}
	if floor := p.cfg.CategoryFloor(c.Category); floor != "" {
		level = domain.MaxRisk(level, floor)
	}
	if c.RiskFloor != "" {
		level = domain.MaxRisk(level, c.RiskFloor)
	}
	var matched []string
	input := map[string]any{
		"server":    c.Server,
		"operation": c.Operation,
		"category":  c.Category,
		"params":    params,
	}
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(input)
		hit := false
		if err != nil {
			logger.Warn("risk rule failed to evaluate; applying it", "rule", r.name, "err", err)
			hit = true
		} else if v, ok := out.Value().(bool); ok {
			hit = v
		}
		if hit {
			level = domain.MaxRisk(level, r.risk)
			matched = append(matched, r.name)
		}
	}
	return level, matched
}

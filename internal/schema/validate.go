package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Validation bounds for compiled plans.
const (
	MinParallel    = 1
	MaxParallel    = 20
	MinTimeoutSecs = 60
	MaxTimeoutSecs = 3600
	MaxAgentTools  = 32
	MaxGateRetries = 5
)

// KnownTools are the tool names a compiled plan may reference.
var KnownTools = map[string]bool{
	"filesystem":  true,
	"browser":     true,
	"terminal":    true,
	"search":      true,
	"database":    true,
	"github":      true,
	"slack":       true,
	"test_runner": true,
	"git":         true,
	"research":    true,
}

// Validate checks a plan against the structural invariants. It fails closed:
// the first violation is returned wrapped in ErrInvalidPlan.
func (p *Plan) Validate() error {
	if p.WorkflowID == "" {
		return fmt.Errorf("%w: missing workflow_id", ErrInvalidPlan)
	}
	if len(p.Children) == 0 {
		return fmt.Errorf("%w: plan has no agents", ErrInvalidPlan)
	}
	if p.MaxParallel < MinParallel || p.MaxParallel > MaxParallel {
		return fmt.Errorf("%w: max_parallel %d outside [%d, %d]", ErrInvalidPlan, p.MaxParallel, MinParallel, MaxParallel)
	}
	if p.TimeoutSeconds < MinTimeoutSecs || p.TimeoutSeconds > MaxTimeoutSecs {
		return fmt.Errorf("%w: timeout_seconds %d outside [%d, %d]", ErrInvalidPlan, p.TimeoutSeconds, MinTimeoutSecs, MaxTimeoutSecs)
	}

	roles := make(map[string]bool, len(p.Children))
	for _, c := range p.Children {
		if c.Role == "" {
			return fmt.Errorf("%w: agent with empty role", ErrInvalidPlan)
		}
		if roles[c.Role] {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidPlan, c.Role)
		}
		roles[c.Role] = true
	}

	for _, c := range p.Children {
		if len(c.Tools) > MaxAgentTools {
			return fmt.Errorf("%w: agent %q has %d tools (max %d)", ErrInvalidPlan, c.Role, len(c.Tools), MaxAgentTools)
		}
		for _, tool := range c.Tools {
			if !KnownTools[tool] {
				return fmt.Errorf("%w: agent %q references unknown tool %q", ErrInvalidPlan, c.Role, tool)
			}
		}
		for _, dep := range c.DependsOn {
			if !roles[dep] {
				return fmt.Errorf("%w: agent %q depends on unknown role %q", ErrInvalidPlan, c.Role, dep)
			}
			if dep == c.Role {
				return fmt.Errorf("%w: agent %q depends on itself", ErrInvalidPlan, c.Role)
			}
		}
		for _, g := range c.QualityGates {
			if err := g.Validate(roles); err != nil {
				return fmt.Errorf("%w: agent %q gate %q: %v", ErrInvalidPlan, c.Role, g.GateID, err)
			}
		}
	}

	if _, err := p.Levels(); err != nil {
		return err
	}
	return nil
}

// Validate checks a gate's config parses for its kind. roles is the set of
// sibling roles, used to resolve escalation targets.
func (g *QualityGate) Validate(roles map[string]bool) error {
	if g.GateID == "" {
		return fmt.Errorf("missing gate_id")
	}
	if g.MaxRetries < 0 || g.MaxRetries > MaxGateRetries {
		return fmt.Errorf("max_retries %d outside [0, %d]", g.MaxRetries, MaxGateRetries)
	}
	if g.EscalateOnFail {
		if g.EscalationTarget == "" {
			return fmt.Errorf("escalate_on_fail set without escalation_target")
		}
		if roles != nil && !roles[g.EscalationTarget] {
			return fmt.Errorf("escalation_target %q is not a sibling role", g.EscalationTarget)
		}
	}

	switch g.Kind {
	case GateJSONSchema:
		var cfg struct {
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(g.Config, &cfg); err != nil {
			return fmt.Errorf("parse config: %v", err)
		}
		if len(cfg.Schema) == 0 {
			return fmt.Errorf("json_schema gate requires schema")
		}
	case GateRegex:
		var cfg struct {
			Pattern   string `json:"pattern"`
			MatchType string `json:"match_type"`
		}
		if err := json.Unmarshal(g.Config, &cfg); err != nil {
			return fmt.Errorf("parse config: %v", err)
		}
		if cfg.Pattern == "" {
			return fmt.Errorf("regex gate requires pattern")
		}
		if _, err := regexp.Compile(cfg.Pattern); err != nil {
			return fmt.Errorf("compile pattern: %v", err)
		}
		switch cfg.MatchType {
		case "", "search", "match", "fullmatch":
		default:
			return fmt.Errorf("unknown match_type %q", cfg.MatchType)
		}
	case GateLLMJudge:
		var cfg struct {
			Criteria string `json:"criteria"`
		}
		if err := json.Unmarshal(g.Config, &cfg); err != nil {
			return fmt.Errorf("parse config: %v", err)
		}
		if cfg.Criteria == "" {
			return fmt.Errorf("llm_judge gate requires criteria")
		}
	case GateCustom:
		var cfg struct {
			Function string `json:"function"`
		}
		if err := json.Unmarshal(g.Config, &cfg); err != nil {
			return fmt.Errorf("parse config: %v", err)
		}
		if cfg.Function == "" {
			return fmt.Errorf("custom gate requires function")
		}
	default:
		return fmt.Errorf("unknown gate kind %q", g.Kind)
	}
	return nil
}

// Levels computes Kahn-style topological levels from the children's
// depends_on edges. Each level holds roles with no remaining in-edges; the
// scheduler runs one level fully before the next. A cycle yields
// ErrInvalidPlan.
func (p *Plan) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(p.Children))
	dependents := make(map[string][]string, len(p.Children))
	for _, c := range p.Children {
		inDegree[c.Role] = len(c.DependsOn)
		for _, dep := range c.DependsOn {
			dependents[dep] = append(dependents[dep], c.Role)
		}
	}

	var levels [][]string
	remaining := len(inDegree)
	for remaining > 0 {
		var level []string
		for _, c := range p.Children {
			if deg, ok := inDegree[c.Role]; ok && deg == 0 {
				level = append(level, c.Role)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("%w: dependency cycle detected", ErrInvalidPlan)
		}
		for _, role := range level {
			delete(inDegree, role)
			for _, next := range dependents[role] {
				if _, ok := inDegree[next]; ok {
					inDegree[next]--
				}
			}
		}
		levels = append(levels, level)
		remaining -= len(level)
	}
	return levels, nil
}

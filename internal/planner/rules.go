package planner

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// intentKeywords maps each intent to its keyword stems, in match-priority
// order. The first family with a hit wins; further hits become alternatives.
var intentKeywords = []struct {
	intent string
	stems  []string
}{
	{"deploy", []string{"deploy", "release", "publish", "launch"}},
	{"code", []string{"write", "create", "generate", "code", "implement", "build"}},
	{"research", []string{"research", "find", "search", "investigate"}},
	{"test", []string{"test", "verify", "validate"}},
	{"analyze", []string{"analyze", "examine", "review", "inspect"}},
	{"automate", []string{"automate", "schedule", "run"}},
}

// compileRules classifies by keyword stems and instantiates the fixed
// template for the winning intent.
func (c *Compiler) compileRules(utterance string) *schema.Intent {
	words := strings.Fields(strings.ToLower(utterance))

	var matched []string
	for _, family := range intentKeywords {
		if anyStemMatch(words, family.stems) {
			matched = append(matched, family.intent)
		}
	}

	intent := "unknown"
	var alternatives []string
	if len(matched) > 0 {
		intent = matched[0]
		alternatives = matched[1:]
	}

	return &schema.Intent{
		OriginalCommand: utterance,
		Intent:          intent,
		Plan:            buildTemplate(intent, utterance),
		Confidence:      ruleConfidence,
		Alternatives:    alternatives,
	}
}

func anyStemMatch(words, stems []string) bool {
	for _, w := range words {
		for _, stem := range stems {
			if strings.HasPrefix(w, stem) {
				return true
			}
		}
	}
	return false
}

// buildTemplate instantiates the fixed DAG for an intent.
func buildTemplate(intent, utterance string) *schema.Plan {
	plan := &schema.Plan{
		WorkflowID:     newWorkflowID(),
		ParentRole:     "orchestrator",
		ParentPrompt:   fmt.Sprintf("You coordinate specialized agents to fulfill: %s", utterance),
		MaxParallel:    defaultMaxParallel,
		TimeoutSeconds: defaultTimeoutSecs,
	}

	child := func(role, task string, tools []string, deps ...string) schema.AgentConfig {
		return schema.AgentConfig{
			Role:         role,
			SystemPrompt: fmt.Sprintf("You are the %s agent. %s: %s", role, task, utterance),
			Model:        defaultChildModel,
			Tools:        tools,
			DependsOn:    deps,
		}
	}

	switch intent {
	case "code":
		plan.Children = []schema.AgentConfig{
			child("code", "Implement", []string{"filesystem", "git", "terminal"}),
			child("test", "Test the implementation of", []string{"test_runner", "filesystem", "terminal"}, "code"),
		}
	case "research":
		plan.Children = []schema.AgentConfig{
			child("research", "Research", []string{"search", "research", "filesystem"}),
		}
	case "test":
		plan.Children = []schema.AgentConfig{
			child("test", "Verify", []string{"test_runner", "filesystem", "terminal"}),
		}
	case "deploy":
		plan.Children = []schema.AgentConfig{
			child("test", "Run pre-deployment tests for", []string{"test_runner", "terminal"}),
			child("shell", "Execute the deployment for", []string{"terminal", "git"}, "test"),
			child("test2", "Run post-deployment validation for", []string{"test_runner", "terminal"}, "shell"),
		}
	case "analyze":
		plan.Children = []schema.AgentConfig{
			child("research", "Gather material for", []string{"search", "research", "filesystem"}),
			child("analysis", "Analyze the findings of", []string{"filesystem", "research"}, "research"),
		}
	case "automate":
		plan.Children = []schema.AgentConfig{
			child("browser", "Automate the browser part of", []string{"browser"}),
			child("shell", "Automate the shell part of", []string{"terminal"}),
		}
	default:
		plan.Children = []schema.AgentConfig{
			child("generic", "Handle", []string{"filesystem", "search"}),
		}
	}
	return plan
}

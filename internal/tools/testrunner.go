package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const testRunTimeout = 5 * time.Minute

// testCommands maps framework names to their invocation.
var testCommands = map[string][]string{
	"go":     {"go", "test", "./..."},
	"pytest": {"python", "-m", "pytest", "-q"},
	"npm":    {"npm", "test", "--silent"},
}

// TestRunnerTool runs a project test suite in the workspace.
type TestRunnerTool struct {
	workspace string
}

func NewTestRunnerTool(workspace string) *TestRunnerTool {
	return &TestRunnerTool{workspace: workspace}
}

func (t *TestRunnerTool) Name() string        { return "test_runner" }
func (t *TestRunnerTool) Description() string { return "Run the project test suite" }

func (t *TestRunnerTool) Execute(ctx context.Context, args map[string]any) *Result {
	framework, _ := args["framework"].(string)
	if framework == "" {
		framework = "go"
	}
	base, ok := testCommands[framework]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown test framework %q", framework))
	}

	cmdArgs := append([]string{}, base...)
	if target, ok := args["target"].(string); ok && target != "" {
		cmdArgs = append(cmdArgs, target)
	}

	ctx, cancel := context.WithTimeout(ctx, testRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = t.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("test run timed out after %s\n%s", testRunTimeout, output))
	}
	if err != nil {
		// A failing suite is a valid result, not a tool error.
		return NewResult(fmt.Sprintf("tests failed: %v\n%s", err, output))
	}
	return NewResult(output)
}

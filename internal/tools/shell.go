package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"time"
)

const shellTimeout = 60 * time.Second

// Dangerous command patterns denied by default. The list complements
// whatever isolation the host provides; it is not a sandbox by itself.
var shellDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// ShellTool executes a command line in the workspace with a timeout.
// The engine exposes it under the "terminal" capability name.
type ShellTool struct {
	workspace string
}

func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{workspace: workspace}
}

func (t *ShellTool) Name() string        { return "terminal" }
func (t *ShellTool) Description() string { return "Execute a shell command in the workspace" }

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range shellDenyPatterns {
		if pattern.MatchString(command) {
			slog.Warn("tools.shell_denied", "pattern", pattern.String())
			return ErrorResult(fmt.Sprintf("command denied by policy: %s", pattern))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", shellTimeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output)).WithError(err)
	}
	return NewResult(output)
}

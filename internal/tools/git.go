package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const gitTimeout = 30 * time.Second

// gitAllowedSubcommands bounds what the git capability may run.
var gitAllowedSubcommands = map[string]bool{
	"status": true,
	"log":    true,
	"diff":   true,
	"add":    true,
	"commit": true,
	"branch": true,
	"show":   true,
}

// GitTool runs a bounded set of git subcommands in the workspace.
type GitTool struct {
	workspace string
}

func NewGitTool(workspace string) *GitTool {
	return &GitTool{workspace: workspace}
}

func (t *GitTool) Name() string        { return "git" }
func (t *GitTool) Description() string { return "Run read-mostly git operations in the workspace" }

func (t *GitTool) Execute(ctx context.Context, args map[string]any) *Result {
	sub, _ := args["subcommand"].(string)
	if !gitAllowedSubcommands[sub] {
		return ErrorResult(fmt.Sprintf("git subcommand %q not allowed", sub))
	}

	cmdArgs := []string{sub}
	if extra, ok := args["args"].([]any); ok {
		for _, a := range extra {
			if s, ok := a.(string); ok {
				cmdArgs = append(cmdArgs, s)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	cmd.Dir = t.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return ErrorResult(fmt.Sprintf("git %s: %v\n%s", sub, err, out.String())).WithError(err)
	}
	return NewResult(out.String())
}

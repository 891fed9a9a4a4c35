package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemTool reads, writes and lists files inside its workspace. Paths
// are resolved against the workspace and may not escape it.
type FilesystemTool struct {
	workspace string
}

func NewFilesystemTool(workspace string) *FilesystemTool {
	return &FilesystemTool{workspace: workspace}
}

func (t *FilesystemTool) Name() string { return "filesystem" }
func (t *FilesystemTool) Description() string {
	return "Read, write and list files in the agent workspace"
}

// resolve joins path with the workspace and rejects escapes.
func (t *FilesystemTool) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(t.workspace, path))
	root := filepath.Clean(t.workspace)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

func (t *FilesystemTool) Execute(_ context.Context, args map[string]any) *Result {
	op, _ := args["op"].(string)
	path, _ := args["path"].(string)

	switch op {
	case "read":
		full, err := t.resolve(path)
		if err != nil {
			return ErrorResult(err.Error())
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return ErrorResult(fmt.Sprintf("read %s: %v", path, err)).WithError(err)
		}
		return NewResult(string(data))

	case "write":
		content, _ := args["content"].(string)
		full, err := t.resolve(path)
		if err != nil {
			return ErrorResult(err.Error())
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("mkdir for %s: %v", path, err)).WithError(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))

	case "list":
		if path == "" {
			path = "."
		}
		full, err := t.resolve(path)
		if err != nil {
			return ErrorResult(err.Error())
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return ErrorResult(fmt.Sprintf("list %s: %v", path, err)).WithError(err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return NewResult(strings.Join(names, "\n"))

	default:
		return ErrorResult(fmt.Sprintf("unknown op %q (want read, write or list)", op))
	}
}

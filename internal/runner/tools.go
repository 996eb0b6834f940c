package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/copperline/foundry/internal/engine"
	"github.com/copperline/foundry/internal/provider"
)

// workspaceRoot confines agent file tools. Paths resolving outside it
// are rejected before any filesystem call.
const workspaceRoot = "/workspace"

// DefaultTools registers the built-in agent tools. The workflow's
// allow-list still gates which of these a given run may call.
func DefaultTools() *engine.ToolRegistry {
	reg := engine.NewToolRegistry()

	reg.Register(provider.Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Input: {\"path\": \"relative/path\"}",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}, readFile)

	reg.Register(provider.Tool{
		Name:        "write_file",
		Description: "Write a file in the workspace. Input: {\"path\": \"relative/path\", \"content\": \"...\"}",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	}, writeFile)

	reg.Register(provider.Tool{
		Name:        "list_dir",
		Description: "List a workspace directory. Input: {\"path\": \"relative/path\"}",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}, listDir)

	return reg
}

// resolve joins a tool path against the workspace and rejects escapes.
func resolve(path string) (string, error) {
	full := filepath.Join(workspaceRoot, path)
	if full != workspaceRoot && !strings.HasPrefix(full, workspaceRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

func readFile(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	full, err := resolve(in.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeFile(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	full, err := resolve(in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(in.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

func listDir(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("decode input: %w", err)
		}
	}
	full, err := resolve(in.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString(e.Name() + "/\n")
		} else {
			b.WriteString(e.Name() + "\n")
		}
	}
	return b.String(), nil
}

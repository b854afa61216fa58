package tool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hupe1980/agenthive/internal/util"
)

const maxExecChars = 5000

type shellCommandArgs struct {
	Command string `json:"command" description:"Shell command line to execute in the workspace"`
}

// NewShellCommandTool runs a command line through the system shell with the
// workspace as working directory. Register it with DangerSystem so the guard
// screens its arguments.
func NewShellCommandTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"shell_command",
		"Execute a shell command in the workspace and return its combined output.",
		util.CreateSchema(shellCommandArgs{}),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "", fmt.Errorf("command must not be empty")
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = workspace

			out, err := cmd.CombinedOutput()
			output := truncate(string(out), maxExecChars)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				if output != "" {
					return "", fmt.Errorf("command failed: %w\n%s", err, output)
				}
				return "", fmt.Errorf("command failed: %w", err)
			}
			if output == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	)
}

type runCodeArgs struct {
	Code     string `json:"code" description:"Source code to execute"`
	Language string `json:"language,omitempty" description:"Language of the snippet; only python is supported"`
}

// NewRunCodeTool executes a Python snippet in an isolated temp file. Register
// it with DangerSystem so the guard screens its arguments.
func NewRunCodeTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"run_code",
		"Run a short Python snippet and return its combined output.",
		util.CreateSchema(runCodeArgs{}),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			code, _ := args["code"].(string)
			if code == "" {
				return "", fmt.Errorf("code must not be empty")
			}
			if lang, _ := args["language"].(string); lang != "" && lang != "python" {
				return "", fmt.Errorf("unsupported language %q", lang)
			}

			f, err := os.CreateTemp("", "snippet-*.py")
			if err != nil {
				return "", err
			}
			path := f.Name()
			defer os.Remove(path)

			if _, err := f.WriteString(code); err != nil {
				f.Close()
				return "", err
			}
			if err := f.Close(); err != nil {
				return "", err
			}

			cmd := exec.CommandContext(ctx, "python3", filepath.Clean(path))
			cmd.Dir = workspace

			out, err := cmd.CombinedOutput()
			output := truncate(string(out), maxExecChars)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				if output != "" {
					return "", fmt.Errorf("snippet failed: %w\n%s", err, output)
				}
				return "", fmt.Errorf("snippet failed: %w", err)
			}
			if output == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	)
}

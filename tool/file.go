package tool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/agenthive/internal/util"
)

const (
	maxReadChars   = 10000
	maxSearchChars = 5000
	maxSearchHits  = 50
	maxSearchFile  = 1 << 20 // skip files larger than 1 MiB
)

// truncate caps s at max characters, appending a marker when content was cut.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}

// resolveWorkspacePath joins rel onto the workspace root and rejects paths
// that escape it.
func resolveWorkspacePath(workspace, rel string) (string, error) {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return joined, nil
}

type readFileArgs struct {
	Path string `json:"path" description:"Workspace-relative path of the file to read"`
}

// NewReadFileTool reads a file from the workspace, truncating long content.
func NewReadFileTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"read_file",
		"Read a text file from the workspace and return its content.",
		util.CreateSchema(readFileArgs{}),
		func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			path, err := resolveWorkspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return truncate(string(data), maxReadChars), nil
		},
	)
}

type writeFileArgs struct {
	Path    string `json:"path" description:"Workspace-relative path of the file to write"`
	Content string `json:"content" description:"Full content to store in the file"`
}

// NewWriteFileTool writes a file inside the workspace, creating parent
// directories as needed.
func NewWriteFileTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"write_file",
		"Write content to a file in the workspace, replacing what was there.",
		util.CreateSchema(writeFileArgs{}),
		func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			path, err := resolveWorkspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
		},
	)
}

type listFilesArgs struct {
	Path string `json:"path,omitempty" description:"Workspace-relative directory to list; defaults to the workspace root"`
}

// NewListFilesTool lists a workspace directory, one entry per line.
// Directories carry a trailing slash.
func NewListFilesTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"list_files",
		"List the entries of a workspace directory.",
		util.CreateSchema(listFilesArgs{}),
		func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, _ := args["path"].(string)
			path, err := resolveWorkspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				sb.WriteString(e.Name())
				if e.IsDir() {
					sb.WriteString("/")
				}
				sb.WriteString("\n")
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	)
}

type searchFilesArgs struct {
	Pattern string `json:"pattern" description:"Text to look for (case-insensitive)"`
	Path    string `json:"path,omitempty" description:"Workspace-relative directory to search; defaults to the workspace root"`
}

// NewSearchFilesTool scans workspace files for a substring and reports
// matching lines as path:line: text.
func NewSearchFilesTool(workspace string) *FunctionTool {
	return NewFunctionTool(
		"search_files",
		"Search workspace files for lines containing a pattern.",
		util.CreateSchema(searchFilesArgs{}),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			pattern, _ := args["pattern"].(string)
			if pattern == "" {
				return "", fmt.Errorf("pattern must not be empty")
			}
			rel, _ := args["path"].(string)
			root, err := resolveWorkspacePath(workspace, rel)
			if err != nil {
				return "", err
			}

			needle := strings.ToLower(pattern)
			var hits []string
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // unreadable entries are skipped, not fatal
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				if info, err := d.Info(); err != nil || info.Size() > maxSearchFile {
					return nil
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil
				}
				relPath, _ := filepath.Rel(root, path)
				for i, line := range strings.Split(string(data), "\n") {
					if strings.Contains(strings.ToLower(line), needle) {
						hits = append(hits, fmt.Sprintf("%s:%d: %s", relPath, i+1, strings.TrimSpace(line)))
						if len(hits) >= maxSearchHits {
							return fs.SkipAll
						}
					}
				}
				return nil
			})
			if err != nil && err != fs.SkipAll {
				return "", err
			}
			if len(hits) == 0 {
				return "no matches", nil
			}
			return truncate(strings.Join(hits, "\n"), maxSearchChars), nil
		},
	)
}

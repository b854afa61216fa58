package tool

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

// BuiltinsConfig wires the standard tool set.
type BuiltinsConfig struct {
	// Workspace is the directory file and shell tools operate in. It is
	// created if missing.
	Workspace string

	// HTTPClient backs http_request and web_search. Defaults to a client
	// with a 30s overall timeout.
	HTTPClient *http.Client

	// SearchEndpoint overrides the web_search endpoint, mainly for tests.
	SearchEndpoint string

	// ExecTimeout bounds shell_command and run_code. Defaults to 30s.
	ExecTimeout time.Duration
}

// RegisterBuiltins registers the standard tool set on the registry:
// read_file, write_file, list_files, search_files, shell_command, run_code,
// http_request and web_search. Shell and code execution are registered as
// system tools so the guard screens their arguments.
func RegisterBuiltins(r *Registry, cfg BuiltinsConfig) error {
	if cfg.Workspace == "" {
		cfg.Workspace = "./workspace"
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}

	type entry struct {
		tool Tool
		opts []func(*Descriptor)
	}
	entries := []entry{
		{NewReadFileTool(cfg.Workspace), nil},
		{NewWriteFileTool(cfg.Workspace), nil},
		{NewListFilesTool(cfg.Workspace), nil},
		{NewSearchFilesTool(cfg.Workspace), nil},
		{NewShellCommandTool(cfg.Workspace), []func(*Descriptor){WithDanger(DangerSystem), WithTimeout(cfg.ExecTimeout)}},
		{NewRunCodeTool(cfg.Workspace), []func(*Descriptor){WithDanger(DangerSystem), WithTimeout(cfg.ExecTimeout)}},
		{NewHTTPRequestTool(cfg.HTTPClient), nil},
		{NewWebSearchTool(cfg.HTTPClient, cfg.SearchEndpoint), []func(*Descriptor){WithTimeout(15 * time.Second)}},
	}

	for _, e := range entries {
		if err := r.Register(e.tool, e.opts...); err != nil {
			return err
		}
	}

	return nil
}

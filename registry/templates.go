package registry

import (
	"strings"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/internal/util"
)

// Template is a behavioral preset new agents are created from: a description
// for pickers, the system prompt that shapes the agent's behavior and the
// ordered tool set it is authorized to call. A nil tool list authorizes
// every registered tool.
type Template struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"-"`
	Tools        []string `json:"tools,omitempty"`
}

// DefaultTemplate is used when creation does not name a template.
const DefaultTemplate = "custom"

var templateOrder = []string{"research", "trading", "content", "devops", "custom"}

var templates = map[string]Template{
	"research": {
		Name:        "research",
		Description: "Deep web research, article summarization, trend analysis",
		SystemPrompt: "You are a Research Agent. Your job is to thoroughly research topics " +
			"using web search and browsing. Always cite sources. Be comprehensive " +
			"but organized. Use bullet points and headers.",
		Tools: []string{"web_search", "http_request", "read_file", "write_file", "run_code", "working_memory"},
	},
	"trading": {
		Name:        "trading",
		Description: "Crypto market scanning, token analysis, trading signals",
		SystemPrompt: "You are a Trading Agent specialized in crypto analysis. " +
			"Use web search to check token metrics, social presence, " +
			"and market data. Be data-driven. Always show numbers.",
		Tools: []string{"web_search", "http_request", "run_code", "read_file", "write_file", "working_memory"},
	},
	"content": {
		Name:        "content",
		Description: "Writing, editing, social media, content creation",
		SystemPrompt: "You are a Content Agent. You help create, edit, and improve written " +
			"content. You can research topics, write drafts, and iterate. " +
			"Match the user's tone and style.",
		Tools: []string{"web_search", "read_file", "write_file", "run_code", "working_memory"},
	},
	"devops": {
		Name:        "devops",
		Description: "Infrastructure, deployment, monitoring, system administration",
		SystemPrompt: "You are a DevOps Agent. You help with infrastructure, deployments, " +
			"monitoring, and system administration. Use shell commands and code " +
			"execution. Be precise and safe.",
		Tools: []string{"shell_command", "run_code", "read_file", "write_file", "http_request", "search_files", "working_memory"},
	},
	"custom": {
		Name:         "custom",
		Description:  "General-purpose agent with all tools",
		SystemPrompt: "You are a specialized AI agent. Follow your instructions carefully.",
		Tools:        nil,
	},
}

// Templates returns the available presets in a stable order.
func Templates() []Template {
	out := make([]Template, 0, len(templateOrder))
	for _, name := range templateOrder {
		out = append(out, templates[name])
	}
	return out
}

// LookupTemplate returns the preset with the given name.
func LookupTemplate(name string) (Template, bool) {
	tmpl, ok := templates[name]
	return tmpl, ok
}

const personaTemplate = `{{.system_prompt}}{{if .personality}}

Personality: {{.personality}}{{end}}`

// Instructions renders an agent's system prompt from its template and
// personality. Unknown templates fall back to the custom preset so agents
// created under a removed template keep working.
func Instructions(agent core.Agent) string {
	tmpl, ok := templates[agent.Template]
	if !ok {
		tmpl = templates[DefaultTemplate]
	}

	rendered, err := util.RenderTemplate(personaTemplate, map[string]any{
		"system_prompt": tmpl.SystemPrompt,
		"personality":   strings.TrimSpace(agent.Personality),
	})
	if err != nil {
		return tmpl.SystemPrompt
	}
	return rendered
}

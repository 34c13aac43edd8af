package mcpserver

import "github.com/modelcontextprotocol/go-sdk/mcp"

const (
	toolProbePage  = "probe_page"
	toolRunSuite   = "run_suite"
	toolListSuites = "list_suites"
)

// ToolDefinitions returns the probe tools.
func ToolDefinitions() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        toolProbePage,
			Description: "Load one page of the target workspace and report what is on it. Pass path (relative to the configured base URL, e.g. /admin/rooms). Optional selectors (CSS) are counted and must each match at least one element; optional texts must all appear in the body (case-insensitive); optional min_body_length requires at least that many characters of body text. Set login to true to sign in as the configured admin first. Assertions are retried until the probe timeout. Returns passed, per-selector match counts and the executed steps.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Page path or absolute URL to load",
					},
					"selectors": map[string]any{
						"type":        "array",
						"description": "CSS selectors that must each match at least one element",
						"items":       map[string]any{"type": "string"},
					},
					"texts": map[string]any{
						"type":        "array",
						"description": "Text fragments that must all appear in the page body",
						"items":       map[string]any{"type": "string"},
					},
					"min_body_length": map[string]any{
						"type":        "integer",
						"description": "Minimum number of characters of visible body text",
						"minimum":     0,
					},
					"login": map[string]any{
						"type":        "boolean",
						"description": "Sign in as the configured admin before loading the page",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        toolRunSuite,
			Description: "Run built-in probe suites against the target workspace and return a summary: pass/fail counts, duration and each failing case with the step and error that failed it. Pass suites as a list of names from list_suites; omit it to run every suite. Suites that create records (custom emoji, sounds, integrations) leave them behind on the target.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"suites": map[string]any{
						"type":        "array",
						"description": "Suite names to run; empty runs all",
						"items":       map[string]any{"type": "string"},
					},
				},
			},
		},
		{
			Name:        toolListSuites,
			Description: "List the built-in probe suites with their descriptions and case names.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

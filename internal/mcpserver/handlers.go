package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/probe"
	"github.com/kuitang/rcprobe/internal/report"
	"github.com/kuitang/rcprobe/internal/suite"
)

// SuiteSource builds the suites for one tool call. Catalog suites that
// create records embed a per-build suffix, so a source is called on every
// run_suite call instead of being built once.
type SuiteSource func() []suite.Suite

// StaticSuites always returns the same suites.
func StaticSuites(suites ...suite.Suite) SuiteSource {
	return func() []suite.Suite { return suites }
}

// Handler implements MCP tool call handling on top of a suite runner.
type Handler struct {
	runner *suite.Runner
	suites SuiteSource
}

// NewHandler serves suites through runner. A nil source serves none.
func NewHandler(runner *suite.Runner, suites SuiteSource) *Handler {
	if suites == nil {
		suites = StaticSuites()
	}
	return &Handler{runner: runner, suites: suites}
}

// createToolHandler returns a tool handler function for the given tool name.
func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes tool calls. Tool failures are reported in the result
// with IsError set; the returned error is reserved for protocol problems.
func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	logger := obs.From(ctx).With("pkg", "mcpserver", "tool", name)
	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case toolProbePage:
		result, err = h.handleProbePage(ctx, arguments)
	case toolRunSuite:
		result, err = h.handleRunSuite(ctx, arguments)
	case toolListSuites:
		result, err = h.handleListSuites()
	default:
		return newToolResultError(errs.New(errs.NotFound, fmt.Sprintf("unknown tool: %s", name))), nil
	}
	if err != nil {
		logger.Info("tool_failed", "code", errs.CodeOf(err), "error", err)
		return newToolResultError(err), nil
	}
	logger.Info("tool_completed")
	return result, nil
}

type toolErrorPayload struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

// newToolResultText creates a successful tool result with text content.
func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// newToolResultError creates a tool result indicating an error.
func newToolResultError(err error) *mcp.CallToolResult {
	msg := err.Error()
	if errs.CodeOf(err) == errs.Internal {
		msg = errs.MessageOf(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: marshalToolJSON(toolErrorPayload{Error: msg, Code: errs.CodeOf(err)})},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response","detail":%q}`, err.Error())
	}
	return string(data)
}

// decodeToolArgs maps the loose argument object onto a typed struct and
// rejects unknown fields.
func decodeToolArgs(args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid arguments", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.New(errs.InvalidArgument, "invalid arguments: "+err.Error())
	}
	return nil
}

// ProbePageArgs are the probe_page tool arguments.
type ProbePageArgs struct {
	Path          string   `json:"path"`
	Selectors     []string `json:"selectors"`
	Texts         []string `json:"texts"`
	MinBodyLength int      `json:"min_body_length"`
	Login         bool     `json:"login"`
}

// ProbePageResult is what probe_page reports back.
type ProbePageResult struct {
	Path   string             `json:"path"`
	Passed bool               `json:"passed"`
	Counts map[string]int     `json:"counts,omitempty"`
	Error  string             `json:"error,omitempty"`
	Steps  []suite.StepResult `json:"steps"`
}

func (h *Handler) handleProbePage(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in ProbePageArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	res, err := h.ProbePage(ctx, in)
	if err != nil {
		return nil, err
	}
	return newToolResultText(marshalToolJSON(res)), nil
}

// ProbePage loads one page in a fresh session, counts the selectors and
// asserts every check. A failed assertion is a result, not an error; errors
// are reserved for malformed arguments.
func (h *Handler) ProbePage(ctx context.Context, in ProbePageArgs) (ProbePageResult, error) {
	in.Path = strings.TrimSpace(in.Path)
	if in.Path == "" {
		return ProbePageResult{}, errs.New(errs.InvalidArgument, "path is required")
	}
	if in.MinBodyLength < 0 {
		return ProbePageResult{}, errs.New(errs.InvalidArgument, "min_body_length must not be negative")
	}
	for _, sel := range in.Selectors {
		if err := probe.ValidateSelector(sel); err != nil {
			return ProbePageResult{}, err
		}
	}

	var checks []probe.Check
	for _, sel := range in.Selectors {
		checks = append(checks, probe.Exists(sel))
	}
	for _, text := range in.Texts {
		checks = append(checks, probe.ContainsText(text))
	}
	if in.MinBodyLength > 0 {
		checks = append(checks, probe.MinBodyLength(in.MinBodyLength))
	}

	var steps []suite.Step
	if in.Login {
		steps = append(steps, suite.Login(suite.Credentials{}))
	}
	steps = append(steps, suite.Visit(in.Path))
	counts := make(map[string]int, len(in.Selectors))
	if len(in.Selectors) > 0 {
		steps = append(steps, suite.Do("count selectors", func(ctx context.Context, env *suite.Env) (string, error) {
			parts := make([]string, 0, len(in.Selectors))
			for _, sel := range in.Selectors {
				q, err := probe.Probe(ctx, env.Session, sel)
				if err != nil {
					return "", err
				}
				counts[sel] = q.Count()
				parts = append(parts, fmt.Sprintf("%s=%d", sel, q.Count()))
			}
			return strings.Join(parts, " "), nil
		}))
	}
	if len(checks) > 0 {
		steps = append(steps, suite.Expect(probe.AllOf(checks...)))
	}

	rep := h.runner.Run(ctx, suite.Suite{
		Name:  toolProbePage,
		Cases: []suite.Case{{Name: in.Path, Steps: steps}},
	})
	cr := rep.Suites[0].Cases[0]
	return ProbePageResult{
		Path:   in.Path,
		Passed: cr.Status == suite.StatusPassed,
		Counts: counts,
		Error:  cr.Error,
		Steps:  cr.Steps,
	}, nil
}

type runSuiteArgs struct {
	Suites []string `json:"suites"`
}

func (h *Handler) handleRunSuite(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in runSuiteArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	selected, err := suite.Select(h.suites(), in.Suites...)
	if err != nil {
		return nil, err
	}
	rep := h.runner.Run(ctx, selected...)
	return newToolResultText(marshalToolJSON(report.Summarize(rep))), nil
}

type suiteInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Cases       []string `json:"cases"`
}

func (h *Handler) handleListSuites() (*mcp.CallToolResult, error) {
	all := h.suites()
	out := make([]suiteInfo, 0, len(all))
	for _, s := range all {
		info := suiteInfo{Name: s.Name, Description: s.Description}
		for _, c := range s.Cases {
			info.Cases = append(info.Cases, c.Name)
		}
		out = append(out, info)
	}
	return newToolResultText(marshalToolJSON(map[string]any{"suites": out})), nil
}

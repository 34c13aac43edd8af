// Package report renders suite run reports as JSON, markdown, HTML and a
// colored console summary.
package report

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/rcprobe/internal/suite"
)

// Summary is the compact view of a run, used by the MCP tools and the
// JSON report header.
type Summary struct {
	RunID    string       `json:"run_id"`
	BaseURL  string       `json:"base_url,omitempty"`
	Passed   bool         `json:"passed"`
	Counts   suite.Counts `json:"counts"`
	Duration string       `json:"duration"`
	Failures []Failure    `json:"failures,omitempty"`
}

// Failure names one failed case.
type Failure struct {
	Suite string `json:"suite"`
	Case  string `json:"case"`
	Step  string `json:"step,omitempty"`
	Error string `json:"error,omitempty"`
}

// Summarize collapses a report to counts and failures.
func Summarize(r suite.Report) Summary {
	s := Summary{
		RunID:    r.RunID,
		BaseURL:  r.BaseURL,
		Passed:   r.Passed(),
		Counts:   r.Counts(),
		Duration: r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	}
	for _, sr := range r.Suites {
		for _, c := range sr.Cases {
			if c.Status == suite.StatusFailed {
				s.Failures = append(s.Failures, Failure{Suite: sr.Name, Case: c.Name, Step: c.FailedStep, Error: c.Error})
			}
		}
	}
	return s
}

// WriteJSON writes the summary followed by the full report.
func WriteJSON(w io.Writer, r suite.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary Summary      `json:"summary"`
		Report  suite.Report `json:"report"`
	}{Summarize(r), r})
}

// Markdown renders the report as a GitHub-flavored markdown document.
func Markdown(r suite.Report) []byte {
	var b strings.Builder
	s := Summarize(r)
	verdict := "PASSED"
	if !s.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "# Probe run %s\n\n", r.RunID)
	if r.BaseURL != "" {
		fmt.Fprintf(&b, "Target: `%s`\n\n", r.BaseURL)
	}
	fmt.Fprintf(&b, "**%s**: %d passed, %d failed, %d skipped in %s\n\n",
		verdict, s.Counts.Passed, s.Counts.Failed, s.Counts.Skipped, s.Duration)

	for _, sr := range r.Suites {
		fmt.Fprintf(&b, "## %s\n\n", escapeCell(sr.Name))
		b.WriteString("| Case | Status | Duration | Detail |\n|---|---|---|---|\n")
		for _, c := range sr.Cases {
			detail := ""
			if c.Status != suite.StatusPassed {
				detail = c.Error
				if c.FailedStep != "" {
					detail = c.FailedStep + ": " + detail
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				escapeCell(c.Name), statusMark(c.Status), c.Duration.Round(time.Millisecond), escapeCell(detail))
		}
		b.WriteString("\n")
		for _, c := range sr.Cases {
			for _, a := range c.Artifacts {
				fmt.Fprintf(&b, "- artifact for *%s*: %s\n", escapeCell(c.Name), a)
			}
		}
	}
	return []byte(b.String())
}

// HTML renders the markdown report to a standalone, sanitized page.
func HTML(r suite.Report) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	doc := p.Parse(Markdown(r))
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Probe run %s</title>\n", html.EscapeString(r.RunID))
	b.WriteString("<style>body{font-family:sans-serif;max-width:70em;margin:2em auto}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3em .6em}</style>\n")
	b.WriteString("</head><body>\n")
	b.Write(body)
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}

func statusMark(s suite.Status) string {
	switch s {
	case suite.StatusPassed:
		return "✅ passed"
	case suite.StatusFailed:
		return "❌ failed"
	default:
		return "⏭ skipped"
	}
}

// escapeCell keeps a value inside one markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// Console prints a human summary of a run.
type Console struct {
	Out io.Writer
	// NoColor disables ANSI colors, e.g. when Out is not a terminal.
	NoColor bool
	// Verbose also lists passing cases and every step.
	Verbose bool
}

func (c Console) colors() (pass, fail, skip, head *color.Color) {
	pass = color.New(color.FgGreen)
	fail = color.New(color.FgRed, color.Bold)
	skip = color.New(color.FgYellow)
	head = color.New(color.FgCyan, color.Bold)
	if c.NoColor {
		for _, col := range []*color.Color{pass, fail, skip, head} {
			col.DisableColor()
		}
	} else {
		for _, col := range []*color.Color{pass, fail, skip, head} {
			col.EnableColor()
		}
	}
	return pass, fail, skip, head
}

// Print writes the per-suite results and the final tally.
func (c Console) Print(r suite.Report) {
	pass, fail, skip, head := c.colors()
	for _, sr := range r.Suites {
		head.Fprintf(c.Out, "%s\n", sr.Name)
		for _, cr := range sr.Cases {
			switch cr.Status {
			case suite.StatusPassed:
				if c.Verbose {
					pass.Fprintf(c.Out, "  ✓ %s", cr.Name)
					fmt.Fprintf(c.Out, " (%s)\n", cr.Duration.Round(time.Millisecond))
				}
			case suite.StatusFailed:
				fail.Fprintf(c.Out, "  ✗ %s\n", cr.Name)
				if cr.FailedStep != "" {
					fmt.Fprintf(c.Out, "      step:  %s\n", cr.FailedStep)
				}
				fmt.Fprintf(c.Out, "      error: %s\n", cr.Error)
				for _, a := range cr.Artifacts {
					fmt.Fprintf(c.Out, "      artifact: %s\n", a)
				}
			default:
				skip.Fprintf(c.Out, "  - %s (skipped)\n", cr.Name)
			}
			if c.Verbose {
				for _, st := range cr.Steps {
					fmt.Fprintf(c.Out, "      %-8s %s %s\n", st.Status, st.Name, st.Detail)
				}
			}
		}
	}

	s := Summarize(r)
	fmt.Fprintln(c.Out)
	tally := fmt.Sprintf("%d passed, %d failed, %d skipped (%s)", s.Counts.Passed, s.Counts.Failed, s.Counts.Skipped, s.Duration)
	if s.Passed {
		pass.Fprintf(c.Out, "PASS %s\n", tally)
	} else {
		fail.Fprintf(c.Out, "FAIL %s\n", tally)
	}
}

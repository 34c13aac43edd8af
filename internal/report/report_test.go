package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/suite"
)

func sampleReport() suite.Report {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return suite.Report{
		RunID:      "run-1",
		BaseURL:    "http://localhost:3000",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Suites: []suite.SuiteResult{
			{Name: "admin-rooms", Cases: []suite.CaseResult{
				{Name: "page load", Status: suite.StatusPassed, Duration: 120 * time.Millisecond,
					Steps: []suite.StepResult{{Name: "visit /admin/rooms", Status: suite.StatusPassed}}},
				{Name: "lists rooms", Status: suite.StatusFailed, FailedStep: "expect table",
					Error:     "no match for <script>alert(1)</script> | table",
					Artifacts: []string{"/tmp/run-1/admin-rooms/lists-rooms/failure.html"}},
			}},
			{Name: "marketing", Cases: []suite.CaseResult{
				{Name: "download link", Status: suite.StatusSkipped, Error: "context canceled"},
			}},
		},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleReport())
	assert.False(t, s.Passed)
	assert.Equal(t, suite.Counts{Passed: 1, Failed: 1, Skipped: 1}, s.Counts)
	assert.Equal(t, "1.5s", s.Duration)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, Failure{Suite: "admin-rooms", Case: "lists rooms", Step: "expect table",
		Error: "no match for <script>alert(1)</script> | table"}, s.Failures[0])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var out struct {
		Summary Summary      `json:"summary"`
		Report  suite.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "run-1", out.Summary.RunID)
	assert.Len(t, out.Report.Suites, 2)
}

func TestMarkdown(t *testing.T) {
	md := string(Markdown(sampleReport()))
	assert.Contains(t, md, "# Probe run run-1")
	assert.Contains(t, md, "**FAILED**: 1 passed, 1 failed, 1 skipped")
	assert.Contains(t, md, "## admin-rooms")
	assert.Contains(t, md, "| page load | ✅ passed | 120ms |  |")
	assert.Contains(t, md, `expect table: no match for <script>alert(1)</script> \| table`)
	assert.Contains(t, md, "failure.html")
}

func TestHTMLIsSanitized(t *testing.T) {
	page := string(HTML(sampleReport()))
	assert.True(t, strings.HasPrefix(page, "<!doctype html>"))
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "admin-rooms")
	assert.NotContains(t, page, "<script>")
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	Console{Out: &buf, NoColor: true}.Print(sampleReport())
	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "✗ lists rooms")
	assert.Contains(t, out, "step:  expect table")
	assert.Contains(t, out, "artifact: /tmp/run-1")
	assert.Contains(t, out, "download link (skipped)")
	assert.NotContains(t, out, "✓ page load")
	assert.Contains(t, out, "FAIL 1 passed, 1 failed, 1 skipped")

	buf.Reset()
	Console{Out: &buf, NoColor: true, Verbose: true}.Print(sampleReport())
	assert.Contains(t, buf.String(), "✓ page load")
	assert.Contains(t, buf.String(), "visit /admin/rooms")
}

func TestConsoleColor(t *testing.T) {
	var buf bytes.Buffer
	Console{Out: &buf}.Print(suite.Report{RunID: "ok"})
	assert.Contains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "PASS 0 passed")
}

func testEscapeCell(t *rapid.T) {
	in := rapid.String().Draw(t, "in")
	out := escapeCell(in)
	if strings.ContainsAny(out, "\n\r") {
		t.Fatalf("escaped cell %q contains a line break", out)
	}
	if strings.Count(out, "|") != strings.Count(out, `\|`) {
		t.Fatalf("escaped cell %q contains a bare pipe", out)
	}
}

func TestEscapeCell(t *testing.T) {
	rapid.Check(t, testEscapeCell)
}

func FuzzEscapeCell(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testEscapeCell))
}

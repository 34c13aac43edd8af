package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &m))
	return m
}

func TestFromAddsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	defer SetOutputForTests(&buf)()

	ctx := WithCorrelation(context.Background(), Correlation{RunID: "run-1", Suite: "users"})
	ctx = WithCorrelation(ctx, Correlation{Case: "page load"})
	From(ctx).Info("case_started")

	m := lastLine(t, &buf)
	assert.Equal(t, "case_started", m["msg"])
	assert.Equal(t, "run-1", m["run_id"])
	assert.Equal(t, "users", m["suite"])
	assert.Equal(t, "page load", m["case"])
	assert.NotContains(t, m, "request_id")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	defer SetOutputForTests(&buf)()
	defer SetLevel(slog.LevelInfo)

	SetLevel(slog.LevelInfo)
	Pkg("suite").Debug("hidden")
	assert.Empty(t, buf.String())

	SetLevel(ParseLevel("DEBUG"))
	Pkg("suite").Debug("shown")
	assert.Equal(t, "suite", lastLine(t, &buf)["pkg"])
}

func testParseLevelDefaultsToInfo(t *rapid.T) {
	s := rapid.String().Draw(t, "level")
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "warn", "warning", "error":
		t.Skip("known level")
	}
	if got := ParseLevel(s); got != slog.LevelInfo {
		t.Fatalf("ParseLevel(%q) = %v, want info", s, got)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	rapid.Check(t, testParseLevelDefaultsToInfo)
}

func TestMiddlewareRequestID(t *testing.T) {
	var buf bytes.Buffer
	defer SetOutputForTests(&buf)()
	SetLevel(slog.LevelDebug)
	defer SetLevel(slog.LevelInfo)

	var seen Correlation
	h := RequestContextMiddleware(AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "abc", seen.RequestID)
	m := lastLine(t, &buf)
	assert.Equal(t, "http_access", m["msg"])
	assert.Equal(t, float64(http.StatusTeapot), m["status"])
	assert.Equal(t, float64(len("short and stout")), m["resp_bytes"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Request-Id"), "req-"))
}

func TestResponseRecorderWritten(t *testing.T) {
	r := NewResponseRecorder(httptest.NewRecorder())
	assert.False(t, r.Written())
	assert.Equal(t, http.StatusOK, r.StatusCode())
	_, _ = r.Write([]byte("x"))
	assert.True(t, r.Written())

	under := httptest.NewRecorder()
	r = NewResponseRecorder(under)
	r.Flush()
	assert.True(t, r.Written())
	assert.True(t, under.Flushed)
}

func TestAccessLogLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	defer SetOutputForTests(&buf)()
	SetLevel(slog.LevelInfo)

	h := AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Empty(t, buf.String())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	m := lastLine(t, &buf)
	assert.Equal(t, "ERROR", m["level"])
	assert.Equal(t, "/boom", m["path"])
}

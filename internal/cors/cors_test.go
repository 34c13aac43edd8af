package cors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/settings"
)

func registry(t testing.TB, enabled, origin string) *settings.Registry {
	t.Helper()
	store := settings.NewMemoryStore()
	ctx := context.Background()
	r, err := settings.NewRegistry(store, settings.MapEnv(nil), settings.Defaults()...)
	require.NoError(t, err)
	if enabled != "" {
		require.NoError(t, r.Set(ctx, settings.APIEnableCORS, enabled))
	}
	if origin != "" {
		require.NoError(t, r.Set(ctx, settings.APICORSOrigin, origin))
	}
	return r
}

func serve(t *testing.T, r *settings.Registry, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	h := Middleware(r)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/api/v1/info", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", "GET")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDisabledSendsNoHeaders(t *testing.T) {
	t.Parallel()
	rec := serve(t, registry(t, "", ""), http.MethodGet, "https://a.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWildcardDefault(t *testing.T) {
	t.Parallel()
	rec := serve(t, registry(t, "true", ""), http.MethodGet, "https://a.example")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, AllowMethods, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, rec.Header().Get("Vary"))
}

func TestAllowList(t *testing.T) {
	t.Parallel()
	r := registry(t, "true", "https://a.example, https://b.example/")

	rec := serve(t, r, http.MethodGet, "https://b.example")
	assert.Equal(t, "https://b.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = serve(t, r, http.MethodGet, "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	rec := serve(t, registry(t, "true", ""), http.MethodOptions, "https://a.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, AllowHeaders, rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
	assert.Equal(t, []string{"https://a", "https://b"}, ParseOrigins("https://a/, https://b"))
}

// A listed origin is always echoed; an unlisted one never is.
func testAllowListEcho(t *rapid.T) {
	origins := rapid.SliceOfNDistinct(rapid.StringMatching(`https://[a-z]{1,8}\.example`), 1, 5, rapid.ID[string]).Draw(t, "origins")
	p := Policy{Enabled: true, Origins: origins}
	listed := rapid.SampledFrom(origins).Draw(t, "listed")
	if got := p.Headers(listed).Get("Access-Control-Allow-Origin"); got != listed {
		t.Fatalf("listed origin %q not echoed, got %q", listed, got)
	}
	if got := p.Headers("https://unlisted.invalid").Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin echoed: %q", got)
	}
}

func TestAllowListEcho(t *testing.T) {
	rapid.Check(t, testAllowListEcho)
}

// Package cors adds CORS headers to API responses according to the
// API_Enable_CORS and API_CORS_Origin settings.
package cors

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/settings"
)

const (
	AllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	AllowHeaders = "Origin, X-Requested-With, Content-Type, Accept, X-User-Id, X-Auth-Token, X-2fa-Code, X-2fa-Method"
)

// Settings is the subset of the settings registry CORS reads.
type Settings interface {
	Bool(ctx context.Context, id string) (bool, error)
	String(ctx context.Context, id string) (string, error)
}

var _ Settings = (*settings.Registry)(nil)

// Policy is the resolved CORS configuration for one request.
type Policy struct {
	Enabled bool
	// Origins is ["*"] or an explicit allow list.
	Origins []string
}

// ParseOrigins splits a comma-separated origin list. Empty input means "*".
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Headers returns the response headers for a request from origin.
func (p Policy) Headers(origin string) http.Header {
	h := http.Header{}
	if !p.Enabled {
		return h
	}
	if slices.Contains(p.Origins, "*") {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Vary", "Origin")
		if origin != "" && slices.Contains(p.Origins, strings.TrimRight(origin, "/")) {
			h.Set("Access-Control-Allow-Origin", origin)
		}
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		h.Set("Access-Control-Allow-Methods", AllowMethods)
		h.Set("Access-Control-Allow-Headers", AllowHeaders)
	}
	return h
}

func resolve(ctx context.Context, s Settings) Policy {
	logger := obs.From(ctx).With("pkg", "cors")
	enabled, err := s.Bool(ctx, settings.APIEnableCORS)
	if err != nil {
		logger.Warn("cors_setting_unreadable", "id", settings.APIEnableCORS, "error", err)
		return Policy{}
	}
	if !enabled {
		return Policy{}
	}
	raw, err := s.String(ctx, settings.APICORSOrigin)
	if err != nil {
		logger.Warn("cors_setting_unreadable", "id", settings.APICORSOrigin, "error", err)
		raw = "*"
	}
	return Policy{Enabled: true, Origins: ParseOrigins(raw)}
}

// Middleware applies the current policy to every response and answers
// preflight requests with 204. Settings are read per request so changes
// take effect immediately.
func Middleware(s Settings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := resolve(r.Context(), s)
			for k, vs := range policy.Headers(r.Header.Get("Origin")) {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package adminapp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

type apiSetting struct {
	ID    string `json:"_id"`
	Value any    `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(errs.CodeOf(err))
	if status >= 500 {
		obs.From(r.Context()).Error("api_failed", "pkg", "adminapp", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": errs.MessageOf(err)})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": Version})
}

// handlePublicSettings lists public settings without authentication.
func (s *Server) handlePublicSettings(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.settings.Public(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	out := make([]apiSetting, 0, len(resolved))
	for _, res := range resolved {
		out = append(out, apiSetting{ID: res.ID, Value: res.Value})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(out),
		"settings": out,
	})
}

type webhookMessage struct {
	Text string `json:"text"`
}

// handleWebhook accepts a post from an incoming integration.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hook, err := s.integrations.Authorize(ctx, r.PathValue("id"), r.PathValue("token"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	var msg webhookMessage
	body := io.LimitReader(r.Body, 1<<20)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		// Slack-compatible senders post payload=<json>.
		if err := r.ParseForm(); err != nil {
			writeAPIError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed form", err))
			return
		}
		body = strings.NewReader(r.PostForm.Get("payload"))
	}
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		writeAPIError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed JSON body", err))
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		writeAPIError(w, r, errs.New(errs.InvalidArgument, "text is required"))
		return
	}
	obs.From(ctx).Info("webhook_message", "pkg", "adminapp", "integration", hook.ID, "channels", hook.Channels, "chars", len(msg.Text))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}


// Package adminapp is a small Rocket.Chat style workspace administration
// server. It is the reference target the probe catalog runs against.
package adminapp

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/kuitang/rcprobe/internal/authz"
	"github.com/kuitang/rcprobe/internal/cors"
	"github.com/kuitang/rcprobe/internal/db"
	"github.com/kuitang/rcprobe/internal/emoji"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/integrations"
	"github.com/kuitang/rcprobe/internal/mailer"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/ratelimit"
	"github.com/kuitang/rcprobe/internal/settings"
	"github.com/kuitang/rcprobe/internal/sounds"
)

// Version is reported by /api/v1/info.
const Version = "7.0.0-rcadmin"

// Config wires the server's external collaborators.
type Config struct {
	// Env feeds settings overrides; nil reads the process environment.
	Env settings.LookupEnv
	// Sender delivers mailer emails; nil captures them in memory.
	Sender mailer.Sender
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	// Now is the clock for two-factor checks; nil means time.Now.
	Now func() time.Time
}

// Server holds the admin app's services.
type Server struct {
	db           *db.DB
	settings     *settings.Registry
	authz        *authz.Checker
	emoji        *emoji.Service
	sounds       *sounds.Service
	integrations *integrations.Service
	sender       mailer.Sender
	limiter      *ratelimit.RateLimiter
	render       *Renderer
	cfg          Config
}

// New builds a server over an opened database and runs settings init.
func New(ctx context.Context, store *db.DB, cfg Config) (*Server, error) {
	if cfg.Env == nil {
		cfg.Env = os.LookupEnv
	}
	if cfg.Sender == nil {
		cfg.Sender = mailer.NewMockSender()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	reg, err := settings.NewRegistry(store, cfg.Env, settings.Defaults()...)
	if err != nil {
		return nil, err
	}
	if err := reg.Init(ctx); err != nil {
		return nil, err
	}
	render, err := NewRenderer()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "parse templates", err)
	}
	return &Server{
		db:           store,
		settings:     reg,
		authz:        authz.NewChecker(store, store),
		emoji:        emoji.NewService(store),
		sounds:       sounds.NewService(store),
		integrations: integrations.NewService(store),
		sender:       cfg.Sender,
		limiter:      ratelimit.NewRateLimiter(ratelimit.Config{CleanupInterval: time.Hour}),
		render:       render,
		cfg:          cfg,
	}, nil
}

// Settings exposes the registry, for tests and the CLI.
func (s *Server) Settings() *settings.Registry { return s.settings }

// Close stops background work. It does not close the database.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Handler returns the full route table wrapped in request id, access log and
// session middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleLanding)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.Handle("POST /login", ratelimit.Middleware(s.limiter, ratelimit.ClientIP, s.loginPerMinute)(http.HandlerFunc(s.handleLogin)))
	mux.Handle("POST /login/2fa", ratelimit.Middleware(s.limiter, ratelimit.ClientIP, s.loginPerMinute)(http.HandlerFunc(s.handleTwoFactor)))
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /mailer/unsubscribe/{userID}", s.handleUnsubscribe)
	mux.HandleFunc("GET /emoji-custom/{file}", s.handleEmojiFile)

	mux.Handle("GET /home", s.requireUser(s.handleHome))
	mux.Handle("GET /directory", s.requirePermission(authz.ViewDirectory, s.handleDirectory))

	mux.Handle("GET /admin/rooms", s.requirePermission(authz.ViewRoomAdministration, s.handleRooms))
	mux.Handle("GET /admin/users", s.requirePermission(authz.ViewUserAdministration, s.handleUsers))
	mux.Handle("GET /admin/device-management", s.requirePermission(authz.ViewDeviceManagement, s.handleDevices))
	mux.Handle("GET /admin/permissions", s.requirePermission(authz.AccessPermissions, s.handlePermissions))
	mux.Handle("GET /admin/emoji-custom", s.requirePermission(authz.ManageEmoji, s.handleEmojiList))
	mux.Handle("GET /admin/emoji-custom/new", s.requirePermission(authz.ManageEmoji, s.handleEmojiNew))
	mux.Handle("POST /admin/emoji-custom/new", s.requirePermission(authz.ManageEmoji, s.handleEmojiCreate))
	mux.Handle("GET /admin/sounds", s.requirePermission(authz.ManageSounds, s.handleSoundsList))
	mux.Handle("GET /admin/sounds/new", s.requirePermission(authz.ManageSounds, s.handleSoundsNew))
	mux.Handle("POST /admin/sounds/new", s.requirePermission(authz.ManageSounds, s.handleSoundsCreate))
	mux.Handle("GET /admin/integrations", s.requirePermission(authz.ManageIncomingIntegrations, s.handleIntegrationsList))
	mux.Handle("GET /admin/integrations/new/incoming", s.requirePermission(authz.ManageIncomingIntegrations, s.handleIntegrationsNew))
	mux.Handle("POST /admin/integrations/new/incoming", s.requirePermission(authz.ManageIncomingIntegrations, s.handleIntegrationsCreate))
	mux.Handle("GET /admin/mailer", s.requirePermission(authz.SendMail, s.handleMailerPage))
	mux.Handle("POST /admin/mailer", s.requirePermission(authz.SendMail, s.handleMailerSend))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/info", s.handleInfo)
	api.HandleFunc("GET /api/v1/settings/public", s.handlePublicSettings)
	api.HandleFunc("POST /hooks/{id}/{token}", s.handleWebhook)
	withCORS := cors.Middleware(s.settings)(api)
	mux.Handle("/api/", withCORS)
	mux.Handle("/hooks/", withCORS)

	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = s.sessionMiddleware(h)
	h = obs.AccessLogMiddleware("adminapp", h)
	h = obs.RequestContextMiddleware(h)
	return h
}

func (s *Server) loginPerMinute(r *http.Request) int {
	n, err := s.settings.Int(r.Context(), settings.LoginRateLimit)
	if err != nil {
		obs.From(r.Context()).Warn("login_rate_limit_unreadable", "pkg", "adminapp", "error", err)
		return ratelimit.DefaultConfig.PerMinute
	}
	return n
}

func (s *Server) siteName(ctx context.Context) string {
	name, err := s.settings.String(ctx, settings.SiteName)
	if err != nil || name == "" {
		return "Rocket.Chat"
	}
	return name
}

func (s *Server) siteURL(ctx context.Context) string {
	u, err := s.settings.String(ctx, settings.SiteURL)
	if err != nil {
		return ""
	}
	return u
}

// page fills the chrome fields of a Page.
func (s *Server) page(r *http.Request, title string, data any) Page {
	ctx := r.Context()
	p := Page{Title: title, SiteName: s.siteName(ctx), Data: data}
	if u := userFrom(ctx); u != nil {
		p.User = u
		p.IsAdmin = u.HasRole("admin")
	}
	return p
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, p Page) {
	if err := s.render.Render(w, status, name, p); err != nil {
		obs.From(r.Context()).Error("render_failed", "pkg", "adminapp", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// renderError shows an error page with the status that matches err's code.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(errs.CodeOf(err))
	msg := errs.MessageOf(err)
	if status >= 500 {
		obs.From(r.Context()).Error("request_failed", "pkg", "adminapp", "path", r.URL.Path, "error", err)
		msg = "Something went wrong."
	}
	s.renderPage(w, r, status, "error", s.page(r, http.StatusText(status), map[string]any{
		"Status":  http.StatusText(status),
		"Message": msg,
	}))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderError(w, r, errs.New(errs.NotFound, "Page not found: "+r.URL.Path))
}

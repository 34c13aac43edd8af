package adminapp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/rcprobe/internal/db"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/ratelimit"
	"github.com/kuitang/rcprobe/internal/settings"
	"github.com/kuitang/rcprobe/internal/twofactor"
	"github.com/kuitang/rcprobe/internal/validate"
)

// SessionCookieName holds the session bearer token.
const SessionCookieName = "rc_session"

type contextKey string

const userKey contextKey = "user"

func userFrom(ctx context.Context) *db.User {
	u, _ := ctx.Value(userKey).(*db.User)
	return u
}

// sessionMiddleware attaches the signed-in user, if any. Invalid or expired
// cookies are treated as anonymous.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		userID, err := s.db.SessionUser(ctx, c.Value)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		u, err := s.db.UserByID(ctx, userID)
		if err != nil || !u.Active {
			next.ServeHTTP(w, r)
			return
		}
		ctx = context.WithValue(ctx, userKey, &u)
		ctx = obs.WithCorrelation(ctx, obs.Correlation{UserID: u.ID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser redirects anonymous visitors to the login page.
func (s *Server) requireUser(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()) == nil {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
			return
		}
		h(w, r)
	})
}

// requirePermission is requireUser plus an authz check; users without the
// permission get the 403 page.
func (s *Server) requirePermission(permission string, h http.HandlerFunc) http.Handler {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		u := userFrom(ctx)
		ok, err := s.authz.HasPermission(ctx, u.ID, permission, "")
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		if !ok {
			obs.From(ctx).Info("permission_denied", "pkg", "adminapp", "permission", permission, "path", r.URL.Path)
			s.renderPage(w, r, http.StatusForbidden, "forbidden", s.page(r, "Not allowed", map[string]any{"Permission": permission}))
			return
		}
		h(w, r)
	})
}

type loginData struct {
	Login string
	Next  string
}

type twoFactorData struct {
	Challenge string
	Next      string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if userFrom(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	s.renderPage(w, r, http.StatusOK, "login", s.page(r, "Sign in", loginData{Next: r.URL.Query().Get("next")}))
}

func (s *Server) loginFailed(w http.ResponseWriter, r *http.Request, login string) {
	p := s.page(r, "Sign in", loginData{Login: login, Next: r.URL.Query().Get("next")})
	p.Errors = []string{"User not found or incorrect password"}
	s.renderPage(w, r, http.StatusUnauthorized, "login", p)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed form", err))
		return
	}
	login := strings.TrimSpace(r.PostForm.Get("emailOrUsername"))
	password := r.PostForm.Get("password")
	logger := obs.From(ctx).With("pkg", "adminapp")

	u, err := s.db.UserByLogin(ctx, login)
	if err != nil {
		if errs.CodeOf(err) != errs.NotFound {
			s.renderError(w, r, err)
			return
		}
		// Compare anyway so unknown users cost the same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		logger.Info("login_failed", "reason", "unknown_user")
		s.loginFailed(w, r, login)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil || !u.Active {
		logger.Info("login_failed", "reason", "bad_password", "user_id", u.ID)
		s.loginFailed(w, r, login)
		return
	}

	enabled, err := s.settings.Bool(ctx, settings.TwoFactorEnabled)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if enabled && u.TwoFactor != nil {
		challenge, err := s.db.CreateChallenge(ctx, u.ID)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		logger.Info("login_two_factor_required", "user_id", u.ID)
		s.renderPage(w, r, http.StatusOK, "twofactor", s.page(r, "Two-factor authentication", twoFactorData{Challenge: challenge, Next: r.URL.Query().Get("next")}))
		return
	}
	s.startSession(w, r, u)
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed form", err))
		return
	}
	challenge := r.PostForm.Get("challenge")
	userID, err := s.db.ChallengeUser(ctx, challenge)
	if err != nil {
		if errs.CodeOf(err) == errs.NotFound {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		s.renderError(w, r, err)
		return
	}
	u, err := s.db.UserByID(ctx, userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	delta, err := s.settings.Int(ctx, settings.TwoFactorDelta)
	if err != nil {
		delta = twofactor.DefaultMaxDelta
	}
	verifier := twofactor.NewVerifier(delta)
	verifier.Now = s.cfg.Now
	before := u.TwoFactor.Clone()
	method, err := verifier.Verify(r.PostForm.Get("twoFactorCode"), u.TwoFactor)
	if err == nil {
		// Verify spent a backup code or advanced the TOTP step; persist that
		// only if no concurrent request got there first.
		err = s.db.ConsumeTwoFactor(ctx, u.ID, before, u.TwoFactor)
		if err != nil && errs.CodeOf(err) != errs.FailedPrecondition {
			s.renderError(w, r, err)
			return
		}
	}
	if err != nil {
		obs.From(ctx).Info("two_factor_failed", "pkg", "adminapp", "user_id", u.ID, "code", errs.CodeOf(err))
		p := s.page(r, "Two-factor authentication", twoFactorData{Challenge: challenge, Next: r.URL.Query().Get("next")})
		p.Errors = []string{"Invalid two-factor code"}
		s.renderPage(w, r, http.StatusUnauthorized, "twofactor", p)
		return
	}
	obs.From(ctx).Info("two_factor_passed", "pkg", "adminapp", "user_id", u.ID, "method", method)
	if err := s.db.DeleteChallenge(ctx, challenge); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.startSession(w, r, u)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u db.User) {
	ctx := r.Context()
	token, err := s.db.CreateSession(ctx, u.ID, r.UserAgent(), ratelimit.ClientIP(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(db.SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	obs.From(ctx).Info("login_succeeded", "pkg", "adminapp", "user_id", u.ID)
	http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
}

// safeNext only allows local absolute paths.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/home"
	}
	return next
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		if err := s.db.DeleteSession(r.Context(), c.Value); err != nil {
			s.renderError(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// dummyHash is compared against when the user does not exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("rcadmin-dummy-password"), bcrypt.MinCost)

// formErrors turns a validation error into per-field messages.
func formErrors(err error) []string {
	var v *validate.Errors
	if errors.As(err, &v) {
		out := make([]string, len(v.Fields))
		for i, f := range v.Fields {
			out[i] = f.Message
		}
		return out
	}
	return []string{errs.MessageOf(err)}
}

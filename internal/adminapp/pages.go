package adminapp

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/kuitang/rcprobe/internal/emoji"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/integrations"
	"github.com/kuitang/rcprobe/internal/mailer"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/settings"
	"github.com/kuitang/rcprobe/internal/sounds"
)

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "landing", s.page(r, "Welcome", nil))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "download", s.page(r, "Download", nil))
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "home", s.page(r, "Home", nil))
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	rooms, err := s.db.ListRooms(r.Context(), q)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "rooms", s.page(r, "Rooms", map[string]any{"Query": q, "Rooms": rooms}))
}

type directoryRow struct {
	Name   string
	Detail string
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tab := r.URL.Query().Get("tab")
	if !slices.Contains([]string{"channels", "users", "teams"}, tab) {
		tab = "channels"
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	var rows []directoryRow
	switch tab {
	case "users":
		users, err := s.db.ListUsers(ctx, q)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		for _, u := range users {
			rows = append(rows, directoryRow{Name: u.Username, Detail: u.Name})
		}
	default:
		kind := "c"
		if tab == "teams" {
			kind = "t"
		}
		rooms, err := s.db.ListRooms(ctx, q, kind)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		for _, room := range rooms {
			rows = append(rows, directoryRow{Name: room.Name, Detail: fmt.Sprintf("%d members", room.UsersCount)})
		}
	}
	s.renderPage(w, r, http.StatusOK, "directory", s.page(r, "Directory", map[string]any{"Tab": tab, "Query": q, "Rows": rows}))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "devices", s.page(r, "Device Management", map[string]any{"Sessions": sessions}))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	users, err := s.db.ListUsers(r.Context(), q)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "users", s.page(r, "Users", map[string]any{"Query": q, "Users": users}))
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.db.ListPermissions(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var roles []string
	for _, p := range perms {
		for _, role := range p.Roles {
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	slices.Sort(roles)
	s.renderPage(w, r, http.StatusOK, "permissions", s.page(r, "Permissions", map[string]any{"Permissions": perms, "Roles": roles}))
}

// uploadLimit bounds multipart parsing; files are checked again by their
// validators.
const uploadLimit = 8 << 20

// formFile reads an optional upload. A missing part is not an error.
func formFile(r *http.Request, field string, max int64) (name, contentType string, data []byte, err error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", nil, nil
	}
	if err != nil {
		return "", "", nil, errs.Wrap(errs.InvalidArgument, "Malformed upload", err)
	}
	defer f.Close()
	data, err = io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return "", "", nil, errs.Wrap(errs.InvalidArgument, "Malformed upload", err)
	}
	return hdr.Filename, hdr.Header.Get("Content-Type"), data, nil
}

func parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(uploadLimit); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return errs.Wrap(errs.InvalidArgument, "Malformed form", err)
	}
	return nil
}

func (s *Server) handleEmojiList(w http.ResponseWriter, r *http.Request) {
	list, err := s.emoji.List(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	p := s.page(r, "Custom Emoji", map[string]any{"Emoji": list})
	if created := r.URL.Query().Get("created"); created != "" {
		p.Flash = "Custom emoji " + created + " added"
	}
	s.renderPage(w, r, http.StatusOK, "emoji_list", p)
}

func (s *Server) handleEmojiNew(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "emoji_new", s.page(r, "New custom emoji", emoji.Input{}))
}

func (s *Server) handleEmojiCreate(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(r); err != nil {
		s.renderError(w, r, err)
		return
	}
	in := emoji.Input{Name: r.FormValue("name"), Aliases: r.FormValue("aliases")}
	name, ct, data, err := formFile(r, "image", emoji.MaxFileSize)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if data != nil {
		in.File = &emoji.File{Name: name, ContentType: ct, Data: data}
	}
	created, err := s.emoji.Create(r.Context(), in)
	if err != nil {
		if errs.CodeOf(err) != errs.InvalidArgument {
			s.renderError(w, r, err)
			return
		}
		p := s.page(r, "New custom emoji", in)
		p.Errors = formErrors(err)
		s.renderPage(w, r, http.StatusBadRequest, "emoji_new", p)
		return
	}
	http.Redirect(w, r, "/admin/emoji-custom?created="+url.QueryEscape(created.Name), http.StatusSeeOther)
}

// handleEmojiFile serves /emoji-custom/<name><ext>.
func (s *Server) handleEmojiFile(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	ext := path.Ext(file)
	data, stored, err := s.db.EmojiFile(r.Context(), strings.TrimSuffix(file, ext))
	if err != nil || stored != ext {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) handleSoundsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.sounds.List(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "sounds_list", s.page(r, "Custom Sounds", map[string]any{"Sounds": list}))
}

func (s *Server) handleSoundsNew(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "sounds_new", s.page(r, "New custom sound", sounds.Input{}))
}

func (s *Server) handleSoundsCreate(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(r); err != nil {
		s.renderError(w, r, err)
		return
	}
	in := sounds.Input{Name: r.FormValue("name")}
	name, ct, data, err := formFile(r, "sound", sounds.MaxFileSize)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if data != nil {
		in.File = &sounds.File{Name: name, ContentType: ct, Data: data}
	}
	if _, err := s.sounds.Create(r.Context(), in); err != nil {
		if errs.CodeOf(err) != errs.InvalidArgument {
			s.renderError(w, r, err)
			return
		}
		p := s.page(r, "New custom sound", in)
		p.Errors = formErrors(err)
		s.renderPage(w, r, http.StatusBadRequest, "sounds_new", p)
		return
	}
	http.Redirect(w, r, "/admin/sounds", http.StatusSeeOther)
}

func (s *Server) handleIntegrationsList(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.integrations.List(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "integrations_list", s.page(r, "Integrations", map[string]any{"Hooks": hooks}))
}

func (s *Server) handleIntegrationsNew(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, "integrations_new", s.page(r, "New incoming webhook", integrations.Input{Enabled: true}))
}

func (s *Server) handleIntegrationsCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed form", err))
		return
	}
	in := integrations.Input{
		Name:     r.PostForm.Get("name"),
		Enabled:  r.PostForm.Get("enabled") != "",
		Channel:  r.PostForm.Get("channel"),
		Username: r.PostForm.Get("username"),
		Alias:    r.PostForm.Get("alias"),
		Emoji:    r.PostForm.Get("emoji"),
	}
	hook, err := s.integrations.CreateIncoming(r.Context(), in)
	if err != nil {
		if errs.CodeOf(err) != errs.InvalidArgument {
			s.renderError(w, r, err)
			return
		}
		p := s.page(r, "New incoming webhook", in)
		p.Errors = formErrors(err)
		s.renderPage(w, r, http.StatusBadRequest, "integrations_new", p)
		return
	}
	s.renderPage(w, r, http.StatusCreated, "integration_created", s.page(r, hook.Name, map[string]any{
		"Hook": hook,
		"URL":  hook.WebhookURL(s.siteURL(r.Context())),
	}))
}

type mailerForm struct {
	From    string
	Subject string
	Body    string
}

func (s *Server) handleMailerPage(w http.ResponseWriter, r *http.Request) {
	from, _ := s.settings.String(r.Context(), settings.MailerFrom)
	s.renderPage(w, r, http.StatusOK, "mailer", s.page(r, "Mailer", mailerForm{From: from}))
}

func (s *Server) handleMailerSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Malformed form", err))
		return
	}
	form := mailerForm{
		From:    r.PostForm.Get("from"),
		Subject: r.PostForm.Get("subject"),
		Body:    r.PostForm.Get("body"),
	}
	svc := mailer.NewService(s.sender, s.db, s.siteURL(ctx))
	res, err := svc.Send(ctx, mailer.Message{
		From:    form.From,
		Subject: form.Subject,
		Body:    form.Body,
		DryRun:  r.PostForm.Get("dryrun") != "",
	})
	if err != nil {
		if errs.CodeOf(err) != errs.InvalidArgument {
			s.renderError(w, r, err)
			return
		}
		p := s.page(r, "Mailer", form)
		p.Errors = formErrors(err)
		s.renderPage(w, r, http.StatusBadRequest, "mailer", p)
		return
	}
	p := s.page(r, "Mailer", mailerForm{From: form.From})
	p.Flash = fmt.Sprintf("Sent %d emails (%d failed)", res.Sent, res.Failed)
	s.renderPage(w, r, http.StatusOK, "mailer", p)
}

// handleUnsubscribe is the target of the [unsubscribe] link.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if err := s.db.SetSubscribed(r.Context(), userID, false); err != nil {
		s.renderError(w, r, err)
		return
	}
	obs.From(r.Context()).Info("mailer_unsubscribed", "pkg", "adminapp", "user_id", userID)
	s.renderPage(w, r, http.StatusOK, "unsubscribe", s.page(r, "Unsubscribed", nil))
}

package adminapp

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/kuitang/rcprobe/internal/db"
)

//go:embed templates
var templateFS embed.FS

// Page is the data every template receives.
type Page struct {
	Title    string
	SiteName string
	User     *db.User
	IsAdmin  bool
	Flash    string
	Errors   []string
	Data     any
}

// Renderer holds one parsed template set per page, each combined with
// base.html.
type Renderer struct {
	templates map[string]*template.Template
}

func createFuncMap() template.FuncMap {
	return template.FuncMap{
		"join": strings.Join,
		"has":  func(list []string, item string) bool { return slices.Contains(list, item) },
		"date": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") },
		"roomType": func(t string) string {
			switch t {
			case "c":
				return "Channel"
			case "p":
				return "Private"
			case "t":
				return "Team"
			}
			return t
		},
	}
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}
	base, err := fs.ReadFile(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read base template: %w", err)
	}
	pages, err := fs.Glob(templateFS, "templates/pages/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to list page templates: %w", err)
	}
	for _, p := range pages {
		content, err := fs.ReadFile(templateFS, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		name := strings.TrimSuffix(path.Base(p), ".html")
		tmpl, err := template.New(name).Funcs(createFuncMap()).Parse(string(base))
		if err != nil {
			return nil, fmt.Errorf("failed to parse base for %s: %w", name, err)
		}
		if _, err := tmpl.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render writes the named page with status.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) error {
	tmpl, ok := r.templates[name]
	if !ok {
		return fmt.Errorf("template %q not found", name)
	}
	var buf strings.Builder
	if err := tmpl.ExecuteTemplate(&buf, "base", page); err != nil {
		return fmt.Errorf("failed to execute template %q: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write([]byte(buf.String()))
	return err
}

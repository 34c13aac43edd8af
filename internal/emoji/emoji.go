// Package emoji validates and stores custom emoji.
package emoji

import (
	"context"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/validate"
)

// MaxFileSize bounds an uploaded emoji image.
const MaxFileSize = 1 << 20

var (
	nameRE        = regexp.MustCompile(`^[0-9a-zA-Z\-_+;.]+$`)
	allowedImages = []string{".png", ".gif", ".jpg", ".jpeg", ".svg", ".webp"}
)

// Emoji is a stored custom emoji.
type Emoji struct {
	ID        string
	Name      string
	Aliases   []string
	Extension string
	CreatedAt time.Time
}

// File is an uploaded image.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Input is the create form as submitted.
type Input struct {
	Name    string
	Aliases string
	File    *File
}

// Store persists emoji. NameInUse checks names and aliases of every emoji.
type Store interface {
	NameInUse(ctx context.Context, name string) (bool, error)
	InsertEmoji(ctx context.Context, e Emoji, data []byte) error
	ListEmoji(ctx context.Context) ([]Emoji, error)
}

// ParseAliases splits a comma-separated alias list, trimming, dropping
// empties and duplicates, and dropping any alias equal to name.
func ParseAliases(raw, name string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a == "" || a == name || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Validate checks the form without touching the store.
func Validate(in Input) (Emoji, error) {
	var problems validate.Errors
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		problems.Required("name", "Name")
	case !nameRE.MatchString(name):
		problems.Add("name", "Name %q contains invalid characters", name)
	}

	aliases := ParseAliases(in.Aliases, name)
	for _, a := range aliases {
		if !nameRE.MatchString(a) {
			problems.Add("aliases", "Alias %q contains invalid characters", a)
		}
	}

	var ext string
	switch {
	case in.File == nil || len(in.File.Data) == 0:
		problems.Required("file", "File")
	case len(in.File.Data) > MaxFileSize:
		problems.Add("file", "File is larger than %d bytes", MaxFileSize)
	default:
		ext = strings.ToLower(path.Ext(in.File.Name))
		if !slices.Contains(allowedImages, ext) {
			problems.Add("file", "File type %q is not an allowed image type", ext)
		}
	}
	if err := problems.Err(); err != nil {
		return Emoji{}, err
	}
	return Emoji{Name: name, Aliases: aliases, Extension: strings.TrimPrefix(ext, ".")}, nil
}

// Service creates emoji against a Store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create validates in, checks name and alias uniqueness and stores it.
func (s *Service) Create(ctx context.Context, in Input) (Emoji, error) {
	e, err := Validate(in)
	if err != nil {
		return Emoji{}, err
	}
	var problems validate.Errors
	for i, n := range append([]string{e.Name}, e.Aliases...) {
		taken, err := s.store.NameInUse(ctx, n)
		if err != nil {
			return Emoji{}, err
		}
		if !taken {
			continue
		}
		if i == 0 {
			problems.Add("name", "Custom emoji %q already exists", n)
		} else {
			problems.Add("aliases", "Alias %q is already in use", n)
		}
	}
	if err := problems.Err(); err != nil {
		return Emoji{}, err
	}

	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()
	if err := s.store.InsertEmoji(ctx, e, in.File.Data); err != nil {
		return Emoji{}, errs.Wrap(errs.CodeOf(err), "store emoji", err)
	}
	obs.From(ctx).Info("emoji_created", "pkg", "emoji", "name", e.Name, "aliases", len(e.Aliases))
	return e, nil
}

func (s *Service) List(ctx context.Context) ([]Emoji, error) {
	return s.store.ListEmoji(ctx)
}

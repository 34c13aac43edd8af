// Package sounds validates and stores custom notification sounds.
package sounds

import (
	"context"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/validate"
)

const MaxFileSize = 5 << 20

var allowedExtensions = []string{".mp3", ".wav", ".ogg"}

type Sound struct {
	ID        string
	Name      string
	Extension string
	CreatedAt time.Time
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Input struct {
	Name string
	File *File
}

type Store interface {
	SoundNameInUse(ctx context.Context, name string) (bool, error)
	InsertSound(ctx context.Context, s Sound, data []byte) error
	ListSounds(ctx context.Context) ([]Sound, error)
}

// Validate checks name and file; the file must be mp3, wav or ogg.
func Validate(in Input) (Sound, error) {
	var problems validate.Errors
	name := strings.TrimSpace(in.Name)
	if name == "" {
		problems.Required("name", "Name")
	}
	var ext string
	switch {
	case in.File == nil || len(in.File.Data) == 0:
		problems.Required("file", "File")
	case len(in.File.Data) > MaxFileSize:
		problems.Add("file", "File is larger than %d bytes", MaxFileSize)
	default:
		ext = strings.ToLower(path.Ext(in.File.Name))
		if !slices.Contains(allowedExtensions, ext) {
			problems.Add("file", "File must be an mp3, wav or ogg file")
		}
	}
	if err := problems.Err(); err != nil {
		return Sound{}, err
	}
	return Sound{Name: name, Extension: strings.TrimPrefix(ext, ".")}, nil
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) Create(ctx context.Context, in Input) (Sound, error) {
	snd, err := Validate(in)
	if err != nil {
		return Sound{}, err
	}
	taken, err := s.store.SoundNameInUse(ctx, snd.Name)
	if err != nil {
		return Sound{}, err
	}
	if taken {
		var problems validate.Errors
		problems.Add("name", "Sound %q already exists", snd.Name)
		return Sound{}, problems.Err()
	}
	snd.ID = uuid.NewString()
	snd.CreatedAt = s.now().UTC()
	if err := s.store.InsertSound(ctx, snd, in.File.Data); err != nil {
		return Sound{}, errs.Wrap(errs.CodeOf(err), "store sound", err)
	}
	obs.From(ctx).Info("sound_created", "pkg", "sounds", "name", snd.Name, "ext", snd.Extension)
	return snd, nil
}

func (s *Service) List(ctx context.Context) ([]Sound, error) {
	return s.store.ListSounds(ctx)
}

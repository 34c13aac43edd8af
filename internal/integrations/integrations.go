// Package integrations manages incoming webhook integrations.
package integrations

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/validate"
)

// Incoming is an incoming webhook.
type Incoming struct {
	ID        string
	Name      string
	Enabled   bool
	Channels  []string
	Username  string
	Alias     string
	Emoji     string
	Token     string
	CreatedAt time.Time
}

// WebhookURL is where the integration accepts posts.
func (i Incoming) WebhookURL(siteURL string) string {
	return strings.TrimRight(siteURL, "/") + "/hooks/" + i.ID + "/" + i.Token
}

// Input is the incoming webhook form as submitted.
type Input struct {
	Name     string
	Enabled  bool
	Channel  string
	Username string
	Alias    string
	Emoji    string
}

type Store interface {
	InsertIncoming(ctx context.Context, in Incoming) error
	ListIncoming(ctx context.Context) ([]Incoming, error)
	IncomingByToken(ctx context.Context, id, token string) (Incoming, error)
}

// ParseChannels splits a comma-separated channel list; every entry must
// start with # (channel) or @ (user).
func ParseChannels(raw string) ([]string, []string) {
	var channels, invalid []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if (strings.HasPrefix(c, "#") || strings.HasPrefix(c, "@")) && len(c) > 1 {
			channels = append(channels, c)
		} else {
			invalid = append(invalid, c)
		}
	}
	return channels, invalid
}

func Validate(in Input) (Incoming, error) {
	var problems validate.Errors
	name := strings.TrimSpace(in.Name)
	if name == "" {
		problems.Required("name", "Name")
	}
	channels, invalid := ParseChannels(in.Channel)
	switch {
	case len(channels) == 0 && len(invalid) == 0:
		problems.Required("channel", "Post to Channel")
	case len(invalid) > 0:
		problems.Add("channel", "Invalid channel %q: must start with # or @", invalid[0])
	}
	username := strings.TrimPrefix(strings.TrimSpace(in.Username), "@")
	if username == "" {
		problems.Required("username", "Post as")
	}
	if err := problems.Err(); err != nil {
		return Incoming{}, err
	}
	return Incoming{
		Name:     name,
		Enabled:  in.Enabled,
		Channels: channels,
		Username: username,
		Alias:    strings.TrimSpace(in.Alias),
		Emoji:    strings.TrimSpace(in.Emoji),
	}, nil
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateIncoming validates in and stores it with a fresh id and token.
func (s *Service) CreateIncoming(ctx context.Context, in Input) (Incoming, error) {
	hook, err := Validate(in)
	if err != nil {
		return Incoming{}, err
	}
	hook.ID = uuid.NewString()
	hook.Token = strings.ReplaceAll(uuid.NewString(), "-", "")
	hook.CreatedAt = s.now().UTC()
	if err := s.store.InsertIncoming(ctx, hook); err != nil {
		return Incoming{}, errs.Wrap(errs.CodeOf(err), "store integration", err)
	}
	obs.From(ctx).Info("integration_created", "pkg", "integrations", "id", hook.ID, "channels", len(hook.Channels))
	return hook, nil
}

func (s *Service) List(ctx context.Context) ([]Incoming, error) {
	return s.store.ListIncoming(ctx)
}

// Authorize resolves an enabled webhook from its URL credentials.
func (s *Service) Authorize(ctx context.Context, id, token string) (Incoming, error) {
	hook, err := s.store.IncomingByToken(ctx, id, token)
	if err != nil {
		return Incoming{}, err
	}
	if !hook.Enabled {
		return Incoming{}, errs.New(errs.FailedPrecondition, "integration is disabled")
	}
	return hook, nil
}

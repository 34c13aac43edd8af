package integrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/errs"
)

type memStore struct{ items []Incoming }

func (m *memStore) InsertIncoming(_ context.Context, in Incoming) error {
	m.items = append(m.items, in)
	return nil
}

func (m *memStore) ListIncoming(context.Context) ([]Incoming, error) { return m.items, nil }

func (m *memStore) IncomingByToken(_ context.Context, id, token string) (Incoming, error) {
	for _, in := range m.items {
		if in.ID == id && in.Token == token {
			return in, nil
		}
	}
	return Incoming{}, errs.New(errs.NotFound, "integration not found")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	_, err := Validate(Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")

	_, err = Validate(Input{Name: "ci", Channel: "general", Username: "rocket.cat"})
	assert.Contains(t, err.Error(), "must start with # or @")

	hook, err := Validate(Input{Name: " ci ", Channel: "#general, @alice", Username: "@rocket.cat"})
	require.NoError(t, err)
	assert.Equal(t, "ci", hook.Name)
	assert.Equal(t, []string{"#general", "@alice"}, hook.Channels)
	assert.Equal(t, "rocket.cat", hook.Username)
}

func TestCreateAndAuthorize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewService(&memStore{})

	hook, err := svc.CreateIncoming(ctx, Input{Name: "ci", Enabled: true, Channel: "#general", Username: "rocket.cat"})
	require.NoError(t, err)
	assert.Len(t, hook.Token, 32)
	assert.Equal(t, "http://localhost:3000/hooks/"+hook.ID+"/"+hook.Token, hook.WebhookURL("http://localhost:3000/"))

	got, err := svc.Authorize(ctx, hook.ID, hook.Token)
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	_, err = svc.Authorize(ctx, hook.ID, "wrong")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	off, err := svc.CreateIncoming(ctx, Input{Name: "off", Channel: "#x", Username: "bot"})
	require.NoError(t, err)
	_, err = svc.Authorize(ctx, off.ID, off.Token)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

// Every accepted channel carries a prefix; every rejected one lacks it.
func testParseChannels(t *rapid.T) {
	raw := rapid.StringMatching(`([#@]?[a-z]{0,4}, ?){0,4}`).Draw(t, "raw")
	ok, bad := ParseChannels(raw)
	for _, c := range ok {
		if len(c) < 2 || (c[0] != '#' && c[0] != '@') {
			t.Fatalf("accepted %q from %q", c, raw)
		}
	}
	for _, c := range bad {
		if len(c) >= 2 && (c[0] == '#' || c[0] == '@') {
			t.Fatalf("rejected %q from %q", c, raw)
		}
	}
}

func TestParseChannels(t *testing.T) {
	rapid.Check(t, testParseChannels)
}

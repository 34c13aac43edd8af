package emoji

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/validate"
)

type memStore struct {
	mu    sync.Mutex
	items []Emoji
}

func (m *memStore) NameInUse(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.items {
		if e.Name == name {
			return true, nil
		}
		for _, a := range e.Aliases {
			if a == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) InsertEmoji(ctx context.Context, e Emoji, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, e)
	return nil
}

func (m *memStore) ListEmoji(ctx context.Context) ([]Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Emoji(nil), m.items...), nil
}

var png = &File{Name: "party.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

func TestValidate_EmptyNameAndNoFileAreRequired(t *testing.T) {
	t.Parallel()
	_, err := Validate(Input{Name: ""})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	assert.Regexp(t, regexp.MustCompile(`(?i)required`), err.Error())

	var v *validate.Errors
	require.ErrorAs(t, err, &v)
	assert.NotEmpty(t, v.For("name"))
	assert.NotEmpty(t, v.For("file"))
}

func TestValidate_NameCharset(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"party", "party_parrot", "a-b+c;d.e", "123"} {
		_, err := Validate(Input{Name: ok, File: png})
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"party parrot", "émoji", "a/b", ":smile:"} {
		_, err := Validate(Input{Name: bad, File: png})
		assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err), bad)
	}
}

func TestValidate_FileType(t *testing.T) {
	t.Parallel()
	_, err := Validate(Input{Name: "x", File: &File{Name: "x.exe", Data: []byte("MZ")}})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	e, err := Validate(Input{Name: "x", File: &File{Name: "X.GIF", Data: []byte("GIF")}})
	require.NoError(t, err)
	assert.Equal(t, "gif", e.Extension)
}

func TestParseAliases(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, ParseAliases(" a, b ,a,,party", "party"))
	assert.Empty(t, ParseAliases("", "party"))
}

func TestCreate_Uniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewService(&memStore{})

	e, err := svc.Create(ctx, Input{Name: "party", Aliases: "celebrate", File: png})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	_, err = svc.Create(ctx, Input{Name: "party", File: png})
	assert.Contains(t, err.Error(), "already exists")

	_, err = svc.Create(ctx, Input{Name: "celebrate", File: png})
	assert.Contains(t, err.Error(), "already exists")

	_, err = svc.Create(ctx, Input{Name: "other", Aliases: "celebrate", File: png})
	assert.Contains(t, err.Error(), "already in use")

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// Aliases never contain the name, duplicates or empty strings.
func testAliasesNormalized(t *rapid.T) {
	name := rapid.StringMatching(`[a-z]{1,5}`).Draw(t, "name")
	parts := rapid.SliceOf(rapid.SampledFrom([]string{"", " ", name, "x", "y", " x ", "zz"})).Draw(t, "parts")
	raw := ""
	for i, p := range parts {
		if i > 0 {
			raw += ","
		}
		raw += p
	}
	got := ParseAliases(raw, name)
	seen := map[string]bool{}
	for _, a := range got {
		if a == "" || a == name || seen[a] {
			t.Fatalf("ParseAliases(%q, %q) = %q", raw, name, got)
		}
		seen[a] = true
	}
}

func TestAliasesNormalized(t *testing.T) {
	rapid.Check(t, testAliasesNormalized)
}

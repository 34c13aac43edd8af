package artifacts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/rcprobe/internal/errs"
)

func TestKey_SanitizesSegments(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "run-1/users/page-load/failure.png", Key("run-1", "users", "page-load", "failure.png"))
	assert.Regexp(t, `^run-1/admin-rooms-[0-9a-f]{8}/page-load-shows-heading-[0-9a-f]{8}/failure\.png$`,
		Key("run-1", "admin rooms", "page load shows heading", "failure.png"))
	assert.Regexp(t, `^_/_-[0-9a-f]{8}/x/y$`, Key("", "../..", "x", "y"))
}

func TestKey_DistinctCaseNamesDoNotCollide(t *testing.T) {
	t.Parallel()
	names := []string{"creates emoji", "creates emoji!", "creates/emoji", "creates  emoji", "creates-emoji", " creates emoji"}
	seen := map[string]string{}
	for _, n := range names {
		key := Key("r1", "emoji", n, "failure.png")
		if prev, ok := seen[key]; ok {
			t.Fatalf("%q and %q share key %q", prev, n, key)
		}
		seen[key] = n
	}
	// Same name, same key.
	assert.Equal(t, Key("r1", "emoji", "creates emoji!", "a.png"), Key("r1", "emoji", "creates emoji!", "a.png"))
}

func TestKey_AlwaysValid(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.String(), 4, 4).Draw(t, "parts")
		key := Key(parts[0], parts[1], parts[2], parts[3])
		if err := validateKey(key); err != nil {
			t.Fatalf("Key(%q) = %q is invalid: %v", parts, key, err)
		}
		if strings.Count(key, "/") != 3 {
			t.Fatalf("Key(%q) = %q does not have four segments", parts, key)
		}
	})
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	key := Key("r1", "emoji", "create", "page.html")
	loc, err := s.Put(ctx, key, []byte("<html></html>"), "text/html")
	require.NoError(t, err)
	assert.NotEmpty(t, loc)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(got))

	_, err = s.Get(ctx, Key("r1", "emoji", "create", "missing.png"))
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = s.Put(ctx, "../escape", []byte("x"), "text/plain")
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestLocalStore(t *testing.T) {
	t.Parallel()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestS3Store_Roundtrip(t *testing.T) {
	t.Parallel()
	s := TestS3Store(t, "rcprobe-artifacts", "ci")
	exerciseStore(t, s)

	loc, err := s.Put(context.Background(), "a/b/c/d.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "s3://rcprobe-artifacts/ci/a/b/c/d.txt", loc)
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	loc, err := Discard{}.Put(context.Background(), "a/b", nil, "")
	require.NoError(t, err)
	assert.Empty(t, loc)
}

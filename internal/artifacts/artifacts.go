// Package artifacts stores diagnostic captures (screenshots, page markup,
// reports) taken during a probe run.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kuitang/rcprobe/internal/errs"
)

// Store persists artifacts by key.
type Store interface {
	// Put stores data and returns where it can be found (a file path or URL).
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Key builds "<run_id>/<suite>/<case>/<name>" with each segment reduced to
// a filesystem and URL safe form. A run, suite or case segment that had to
// be rewritten gets a short hash of the original appended, so names that
// differ only in punctuation or spacing still get distinct keys.
func Key(runID, suite, caseName, name string) string {
	return path.Join(tagged(runID), tagged(suite), tagged(caseName), sanitize(name))
}

func sanitize(segment string) string {
	s := unsafeSegment.ReplaceAllString(strings.TrimSpace(segment), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "_"
	}
	return s
}

func tagged(segment string) string {
	s := sanitize(segment)
	if s == segment || segment == "" {
		return s
	}
	sum := sha256.Sum256([]byte(segment))
	return s + "-" + hex.EncodeToString(sum[:4])
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("invalid artifact key %q", key))
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("invalid artifact key %q", key))
		}
	}
	return nil
}

// LocalStore writes artifacts under a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errs.New(errs.InvalidArgument, "artifact directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create artifact directory", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errs.Wrap(errs.Unavailable, "create artifact directory", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", errs.Wrap(errs.Unavailable, fmt.Sprintf("write artifact %q", key), err)
	}
	return full, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("artifact %q not found", key))
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("read artifact %q", key), err)
	}
	return data, nil
}

// Discard drops every artifact. Used when no artifact directory is set.
type Discard struct{}

func (Discard) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", nil
}

func (Discard) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errs.New(errs.NotFound, "artifacts are discarded")
}

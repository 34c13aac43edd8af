package db

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/kuitang/rcprobe/internal/emoji"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/integrations"
	"github.com/kuitang/rcprobe/internal/sounds"
)

var (
	_ emoji.Store        = (*DB)(nil)
	_ sounds.Store       = (*DB)(nil)
	_ integrations.Store = (*DB)(nil)
)

// Room is a channel, private group or team.
type Room struct {
	ID         string
	Name       string
	Type       string // "c" public, "p" private, "t" team
	Topic      string
	UsersCount int
	CreatedAt  time.Time
}

func (d *DB) CreateRoom(ctx context.Context, r Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO rooms (id, name, type, topic, users_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Type, r.Topic, r.UsersCount, r.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return errs.New(errs.InvalidArgument, "room "+r.Name+" already exists")
	}
	if err != nil {
		return errs.Wrap(errs.Internal, "insert room", err)
	}
	return nil
}

// ListRooms filters by name substring and, when types is non-empty, by type.
func (d *DB) ListRooms(ctx context.Context, query string, types ...string) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, type, topic, users_count, created_at FROM rooms
		WHERE (? = '' OR name LIKE ?) ORDER BY name`, query, "%"+query+"%")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list rooms", err)
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var r Room
		var created int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Topic, &r.UsersCount, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan room", err)
		}
		if len(types) > 0 && !slices.Contains(types, r.Type) {
			continue
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// NameInUse checks emoji names and aliases.
func (d *DB) NameInUse(ctx context.Context, name string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emoji WHERE name = ? OR csv_has(aliases, ?) = 1`, name, name).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.Internal, "check emoji name", err)
	}
	return n > 0, nil
}

func (d *DB) InsertEmoji(ctx context.Context, e emoji.Emoji, data []byte) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO emoji (id, name, aliases, extension, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, strings.Join(e.Aliases, ","), e.Extension, data, e.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return errs.New(errs.InvalidArgument, "Custom emoji "+e.Name+" already exists")
	}
	if err != nil {
		return errs.Wrap(errs.Internal, "insert emoji", err)
	}
	return nil
}

func (d *DB) ListEmoji(ctx context.Context) ([]emoji.Emoji, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, aliases, extension, created_at FROM emoji ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list emoji", err)
	}
	defer rows.Close()
	var out []emoji.Emoji
	for rows.Next() {
		var e emoji.Emoji
		var aliases string
		var created int64
		if err := rows.Scan(&e.ID, &e.Name, &aliases, &e.Extension, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan emoji", err)
		}
		e.Aliases = splitCSV(aliases)
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmojiFile returns the stored image and its extension.
func (d *DB) EmojiFile(ctx context.Context, name string) ([]byte, string, error) {
	var data []byte
	var ext string
	err := d.db.QueryRowContext(ctx, `SELECT data, extension FROM emoji WHERE name = ?`, name).Scan(&data, &ext)
	if err != nil {
		return nil, "", notFound(err, "emoji")
	}
	return data, ext, nil
}

func (d *DB) SoundNameInUse(ctx context.Context, name string) (bool, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sounds WHERE name = ?`, name).Scan(&n); err != nil {
		return false, errs.Wrap(errs.Internal, "check sound name", err)
	}
	return n > 0, nil
}

func (d *DB) InsertSound(ctx context.Context, s sounds.Sound, data []byte) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO sounds (id, name, extension, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Extension, data, s.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return errs.New(errs.InvalidArgument, "Custom sound "+s.Name+" already exists")
	}
	if err != nil {
		return errs.Wrap(errs.Internal, "insert sound", err)
	}
	return nil
}

func (d *DB) ListSounds(ctx context.Context) ([]sounds.Sound, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, extension, created_at FROM sounds ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list sounds", err)
	}
	defer rows.Close()
	var out []sounds.Sound
	for rows.Next() {
		var s sounds.Sound
		var created int64
		if err := rows.Scan(&s.ID, &s.Name, &s.Extension, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan sound", err)
		}
		s.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertIncoming keeps a digest of the token; the plain token is only ever
// shown once, right after creation.
func (d *DB) InsertIncoming(ctx context.Context, in integrations.Incoming) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO incoming_integrations (id, name, enabled, channels, username, alias, emoji, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, sha3(?, 256), ?)`,
		in.ID, in.Name, boolInt(in.Enabled), strings.Join(in.Channels, ","), in.Username, in.Alias, in.Emoji,
		in.Token, in.CreatedAt.Unix())
	if err != nil {
		return errs.Wrap(errs.Internal, "insert integration", err)
	}
	return nil
}

const incomingColumns = `id, name, enabled, channels, username, alias, emoji, created_at`

func scanIncoming(row rowScanner) (integrations.Incoming, error) {
	var in integrations.Incoming
	var enabled int
	var channels string
	var created int64
	if err := row.Scan(&in.ID, &in.Name, &enabled, &channels, &in.Username, &in.Alias, &in.Emoji, &created); err != nil {
		return integrations.Incoming{}, err
	}
	in.Enabled = enabled == 1
	in.Channels = splitCSV(channels)
	in.CreatedAt = time.Unix(created, 0).UTC()
	return in, nil
}

func (d *DB) ListIncoming(ctx context.Context) ([]integrations.Incoming, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+incomingColumns+` FROM incoming_integrations ORDER BY created_at, name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list integrations", err)
	}
	defer rows.Close()
	var out []integrations.Incoming
	for rows.Next() {
		in, err := scanIncoming(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "scan integration", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// IncomingByToken matches id and the token digest. The returned record
// carries the presented token.
func (d *DB) IncomingByToken(ctx context.Context, id, token string) (integrations.Incoming, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+incomingColumns+` FROM incoming_integrations
		WHERE id = ? AND token_hash = sha3(?, 256)`, id, token)
	in, err := scanIncoming(row)
	if err != nil {
		return integrations.Incoming{}, notFound(err, "integration")
	}
	in.Token = token
	return in, nil
}

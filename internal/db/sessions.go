package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/rcprobe/internal/errs"
)

const (
	SessionDuration   = 7 * 24 * time.Hour
	ChallengeDuration = 5 * time.Minute
	tokenLength       = 32 // 256 bits
)

// Session is a signed-in device.
type Session struct {
	ID        string
	UserID    string
	Username  string
	Client    string
	IP        string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func generateToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateSession stores a session and returns its bearer token. Only the
// token's SHA3 digest is persisted.
func (d *DB) CreateSession(ctx context.Context, userID, client, ip string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "create session", err)
	}
	now := d.now()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, id, user_id, client, ip, expires_at, created_at)
		VALUES (sha3(?, 256), ?, ?, ?, ?, ?, ?)`,
		token, uuid.NewString(), userID, client, ip, now.Add(SessionDuration).Unix(), now.Unix())
	if err != nil {
		return "", errs.Wrap(errs.Internal, "store session", err)
	}
	return token, nil
}

// SessionUser resolves a live session token to its user id.
func (d *DB) SessionUser(ctx context.Context, token string) (string, error) {
	var userID string
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id FROM sessions WHERE token_hash = sha3(?, 256) AND expires_at > ?`,
		token, d.now().Unix()).Scan(&userID)
	if err != nil {
		return "", notFound(err, "session")
	}
	return userID, nil
}

// DeleteSession signs a token out. Unknown tokens are ignored.
func (d *DB) DeleteSession(ctx context.Context, token string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = sha3(?, 256)`, token); err != nil {
		return errs.Wrap(errs.Internal, "delete session", err)
	}
	return nil
}

// ListSessions returns live sessions, newest first, for device management.
func (d *DB) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, u.username, s.client, s.ip, s.expires_at, s.created_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.expires_at > ? ORDER BY s.created_at DESC, s.id`, d.now().Unix())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list sessions", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var exp, created int64
		if err := rows.Scan(&s.ID, &s.UserID, &s.Username, &s.Client, &s.IP, &exp, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan session", err)
		}
		s.ExpiresAt = time.Unix(exp, 0).UTC()
		s.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupExpired removes expired sessions and login challenges.
func (d *DB) CleanupExpired(ctx context.Context) error {
	now := d.now().Unix()
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
		return errs.Wrap(errs.Internal, "cleanup sessions", err)
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM login_challenges WHERE expires_at <= ?`, now); err != nil {
		return errs.Wrap(errs.Internal, "cleanup challenges", err)
	}
	return nil
}

// CreateChallenge records a password-verified login awaiting its second
// factor and returns the challenge token.
func (d *DB) CreateChallenge(ctx context.Context, userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "create challenge", err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO login_challenges (token_hash, user_id, expires_at) VALUES (sha3(?, 256), ?, ?)`,
		token, userID, d.now().Add(ChallengeDuration).Unix())
	if err != nil {
		return "", errs.Wrap(errs.Internal, "store challenge", err)
	}
	return token, nil
}

// ChallengeUser resolves a live challenge without consuming it.
func (d *DB) ChallengeUser(ctx context.Context, token string) (string, error) {
	var userID string
	err := d.db.QueryRowContext(ctx, `SELECT user_id FROM login_challenges WHERE token_hash = sha3(?, 256) AND expires_at > ?`,
		token, d.now().Unix()).Scan(&userID)
	if err != nil {
		return "", notFound(err, "login challenge")
	}
	return userID, nil
}

// DeleteChallenge consumes a challenge.
func (d *DB) DeleteChallenge(ctx context.Context, token string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM login_challenges WHERE token_hash = sha3(?, 256)`, token); err != nil {
		return errs.Wrap(errs.Internal, "delete challenge", err)
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/kuitang/rcprobe/internal/authz"
	"github.com/kuitang/rcprobe/internal/crypto"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/mailer"
	"github.com/kuitang/rcprobe/internal/settings"
	"github.com/kuitang/rcprobe/internal/twofactor"
)

var (
	_ settings.Store    = (*DB)(nil)
	_ authz.RoleStore   = (*DB)(nil)
	_ authz.UserStore   = (*DB)(nil)
	_ mailer.Recipients = (*DB)(nil)
)

// GetSetting returns ok=false when id has never been stored.
func (d *DB) GetSetting(ctx context.Context, id string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE id = ?`, id).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.Internal, "get setting", err)
	}
	return value, true, nil
}

func (d *DB) SetSetting(ctx context.Context, id, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO settings (id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		id, value, d.now().Unix())
	if err != nil {
		return errs.Wrap(errs.Internal, "set setting", err)
	}
	return nil
}

// SetPermissionRoles replaces the roles granted a permission.
func (d *DB) SetPermissionRoles(ctx context.Context, permission string, roles []string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO permissions (id, roles) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET roles = excluded.roles`,
		permission, strings.Join(roles, ","))
	if err != nil {
		return errs.Wrap(errs.Internal, "set permission", err)
	}
	return nil
}

// RolesForPermission returns NotFound for an undeclared permission.
func (d *DB) RolesForPermission(ctx context.Context, permission string) ([]string, error) {
	var roles string
	err := d.db.QueryRowContext(ctx, `SELECT roles FROM permissions WHERE id = ?`, permission).Scan(&roles)
	if err != nil {
		return nil, notFound(err, "permission "+permission)
	}
	return splitCSV(roles), nil
}

// Permission is one row of the permission matrix.
type Permission struct {
	ID    string
	Roles []string
}

func (d *DB) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, roles FROM permissions ORDER BY id`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list permissions", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		var roles string
		if err := rows.Scan(&p.ID, &roles); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan permission", err)
		}
		p.Roles = splitCSV(roles)
		out = append(out, p)
	}
	return out, rows.Err()
}

// User is a workspace account.
type User struct {
	ID           string
	Username     string
	Name         string
	Email        string
	PasswordHash string
	Active       bool
	Subscribed   bool
	Roles        []string
	// TwoFactor is nil when the user has not enrolled.
	TwoFactor *twofactor.Enrollment
	CreatedAt time.Time
}

// CreateUser inserts u with its global roles. The TOTP secret is sealed
// before it is written.
func (d *DB) CreateUser(ctx context.Context, u User) error {
	secret, codes, err := d.sealTwoFactor(u.TwoFactor)
	if err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, "begin", err)
	}
	defer tx.Rollback()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, name, email, password_hash, active, subscribed, totp_secret, backup_codes, totp_last_step, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Name, u.Email, u.PasswordHash, boolInt(u.Active), boolInt(u.Subscribed),
		secret, codes, lastStep(u.TwoFactor), u.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return errs.New(errs.InvalidArgument, "username "+u.Username+" is already in use")
	}
	if err != nil {
		return errs.Wrap(errs.Internal, "insert user", err)
	}
	for _, role := range u.Roles {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles (user_id, role, scope) VALUES (?, ?, '')`, u.ID, role); err != nil {
			return errs.Wrap(errs.Internal, "insert role", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, "commit", err)
	}
	return nil
}

func (d *DB) sealTwoFactor(e *twofactor.Enrollment) (string, string, error) {
	if e == nil {
		return "", "", nil
	}
	secret, err := crypto.SealString(d.secretsKey, e.Secret)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "seal totp secret", err)
	}
	return secret, strings.Join(e.HashedBackupCodes, ","), nil
}

func lastStep(e *twofactor.Enrollment) int64 {
	if e == nil {
		return 0
	}
	return e.LastStep
}

// SaveTwoFactor stores e for userID; nil removes enrollment.
func (d *DB) SaveTwoFactor(ctx context.Context, userID string, e *twofactor.Enrollment) error {
	secret, codes, err := d.sealTwoFactor(e)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE users SET totp_secret = ?, backup_codes = ?, totp_last_step = ? WHERE id = ?`,
		secret, codes, lastStep(e), userID)
	if err != nil {
		return errs.Wrap(errs.Internal, "update two-factor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "user not found")
	}
	return nil
}

// ConsumeTwoFactor records a successful verification that turned before
// into after (a spent backup code or a newer TOTP step). It only writes if
// the stored state still equals before, so two requests racing on the same
// code cannot both succeed; the loser gets FailedPrecondition.
func (d *DB) ConsumeTwoFactor(ctx context.Context, userID string, before, after *twofactor.Enrollment) error {
	if before == nil || after == nil {
		return errs.New(errs.InvalidArgument, "two-factor is not enrolled")
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE users SET backup_codes = ?, totp_last_step = ?
		WHERE id = ? AND backup_codes = ? AND totp_last_step = ?`,
		strings.Join(after.HashedBackupCodes, ","), after.LastStep,
		userID, strings.Join(before.HashedBackupCodes, ","), before.LastStep)
	if err != nil {
		return errs.Wrap(errs.Internal, "consume two-factor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.FailedPrecondition, "two-factor code already used")
	}
	return nil
}

// SetSubscribed flips the newsletter subscription.
func (d *DB) SetSubscribed(ctx context.Context, userID string, subscribed bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE users SET subscribed = ? WHERE id = ?`, boolInt(subscribed), userID)
	if err != nil {
		return errs.Wrap(errs.Internal, "update subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "user not found")
	}
	return nil
}

const userColumns = `id, username, name, email, password_hash, active, subscribed, totp_secret, backup_codes, totp_last_step, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanUser(row rowScanner) (User, error) {
	var u User
	var active, subscribed int
	var secret, codes string
	var created, step int64
	if err := row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.PasswordHash, &active, &subscribed, &secret, &codes, &step, &created); err != nil {
		return User{}, err
	}
	u.Active = active == 1
	u.Subscribed = subscribed == 1
	u.CreatedAt = time.Unix(created, 0).UTC()
	if secret != "" {
		plain, err := crypto.OpenString(d.secretsKey, secret)
		if err != nil {
			return User{}, errs.Wrap(errs.Internal, "open totp secret", err)
		}
		u.TwoFactor = &twofactor.Enrollment{Secret: plain, HashedBackupCodes: splitCSV(codes), LastStep: step}
	}
	return u, nil
}

func (d *DB) withRoles(ctx context.Context, u User) (User, error) {
	roles, err := d.GlobalRoles(ctx, u.ID)
	if err != nil {
		return User{}, err
	}
	u.Roles = roles
	return u, nil
}

// UserByLogin finds a user by username or email.
func (d *DB) UserByLogin(ctx context.Context, login string) (User, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ? OR (email <> '' AND email = ?) LIMIT 1`, login, login)
	u, err := d.scanUser(row)
	if err != nil {
		return User{}, notFound(err, "user")
	}
	return d.withRoles(ctx, u)
}

func (d *DB) UserByID(ctx context.Context, id string) (User, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := d.scanUser(row)
	if err != nil {
		return User{}, notFound(err, "user")
	}
	return d.withRoles(ctx, u)
}

// ListUsers returns users ordered by username, filtered by a substring of
// username, name or email when query is set.
func (d *DB) ListUsers(ctx context.Context, query string) ([]User, error) {
	like := "%" + query + "%"
	rows, err := d.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		WHERE ? = '' OR username LIKE ? OR name LIKE ? OR email LIKE ?
		ORDER BY username`, query, like, like, like)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list users", err)
	}
	var out []User
	for rows.Next() {
		u, err := d.scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.Internal, "scan user", err)
		}
		out = append(out, u)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list users", err)
	}
	// Roles are loaded after the cursor is closed; in-memory databases run
	// on a single connection.
	for i := range out {
		if out[i], err = d.withRoles(ctx, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GlobalRoles returns NotFound for unknown users.
func (d *DB) GlobalRoles(ctx context.Context, userID string) ([]string, error) {
	var exists int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		return nil, errs.Wrap(errs.Internal, "lookup user", err)
	}
	if exists == 0 {
		return nil, errs.New(errs.NotFound, "unknown user "+userID)
	}
	return d.roles(ctx, userID, "")
}

func (d *DB) ScopedRoles(ctx context.Context, userID, scope string) ([]string, error) {
	return d.roles(ctx, userID, scope)
}

func (d *DB) roles(ctx context.Context, userID, scope string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? AND scope = ? ORDER BY role`, userID, scope)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list roles", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan role", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRole grants role to userID, globally when scope is empty.
func (d *DB) AddRole(ctx context.Context, userID, role, scope string) error {
	_, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles (user_id, role, scope) VALUES (?, ?, ?)`, userID, role, scope)
	if err != nil {
		return errs.Wrap(errs.Internal, "add role", err)
	}
	return nil
}

// Subscribed lists active users who receive the newsletter.
func (d *DB) Subscribed(ctx context.Context) ([]mailer.Recipient, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, email FROM users
		WHERE active = 1 AND subscribed = 1 AND email <> '' ORDER BY username`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list recipients", err)
	}
	defer rows.Close()
	var out []mailer.Recipient
	for rows.Next() {
		var r mailer.Recipient
		if err := rows.Scan(&r.UserID, &r.Name, &r.Email); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan recipient", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasRole is a convenience for templates and seeding.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

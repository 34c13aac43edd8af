package adminapp

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/rcprobe/internal/authz"
	"github.com/kuitang/rcprobe/internal/db"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/twofactor"
)

// SeedUser is an account created on first start.
type SeedUser struct {
	Username string
	Password string
	Name     string
	Email    string
	Roles    []string
	// TOTPSecret enrolls the user in two-factor authentication.
	TOTPSecret string
}

// SeedOptions describe the initial workspace.
type SeedOptions struct {
	Admin SeedUser
	Users []SeedUser
	// BcryptCost defaults to bcrypt.DefaultCost; tests lower it.
	BcryptCost int
}

var seedRooms = []db.Room{
	{Name: "general", Type: "c", Topic: "Workspace-wide announcements", UsersCount: 2},
	{Name: "random", Type: "c", Topic: "Anything goes", UsersCount: 2},
	{Name: "staff", Type: "p", Topic: "Administrators only", UsersCount: 1},
	{Name: "engineering", Type: "t", Topic: "Engineering team", UsersCount: 1},
}

// Seed creates the default permission table, rooms and accounts. Existing
// permissions, rooms and users are left untouched, so it is safe on every
// start.
func Seed(ctx context.Context, store *db.DB, opts SeedOptions) error {
	logger := obs.From(ctx).With("pkg", "adminapp")
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Admin.Username == "" || opts.Admin.Password == "" {
		return errs.New(errs.InvalidArgument, "admin username and password are required")
	}

	existing, err := store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for perm, roles := range authz.DefaultPermissions() {
			if err := store.SetPermissionRoles(ctx, perm, roles); err != nil {
				return err
			}
		}
	}

	rooms, err := store.ListRooms(ctx, "")
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		for _, room := range seedRooms {
			room.ID = uuid.NewString()
			if err := store.CreateRoom(ctx, room); err != nil {
				return err
			}
		}
	}

	admin := opts.Admin
	if len(admin.Roles) == 0 {
		admin.Roles = []string{"admin", "user"}
	}
	if admin.Name == "" {
		admin.Name = "Administrator"
	}
	for _, su := range append([]SeedUser{admin}, opts.Users...) {
		_, err := store.UserByLogin(ctx, su.Username)
		if err == nil {
			continue
		}
		if errs.CodeOf(err) != errs.NotFound {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(su.Password), opts.BcryptCost)
		if err != nil {
			return errs.Wrap(errs.Internal, "hash password", err)
		}
		roles := su.Roles
		if len(roles) == 0 {
			roles = []string{"user"}
		}
		u := db.User{
			ID:           uuid.NewString(),
			Username:     su.Username,
			Name:         su.Name,
			Email:        su.Email,
			PasswordHash: string(hash),
			Active:       true,
			Subscribed:   true,
			Roles:        roles,
		}
		if su.TOTPSecret != "" {
			u.TwoFactor = &twofactor.Enrollment{Secret: su.TOTPSecret}
		}
		if err := store.CreateUser(ctx, u); err != nil {
			return err
		}
		logger.Info("user_seeded", "username", su.Username, "roles", roles, "two_factor", u.TwoFactor != nil)
	}
	return nil
}

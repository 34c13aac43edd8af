// Package authz answers "may this user do that" from role assignments: a
// permission is granted to roles, users hold global roles and roles scoped
// to a single room.
package authz

import (
	"context"
	"slices"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

// Well-known permissions used by the admin pages.
const (
	ViewRoomAdministration     = "view-room-administration"
	ViewUserAdministration     = "view-user-administration"
	ViewDeviceManagement       = "view-device-management"
	ManageEmoji                = "manage-emoji"
	ManageSounds               = "manage-sounds"
	ManageIncomingIntegrations = "manage-incoming-integrations"
	SendMail                   = "send-mail"
	AccessPermissions          = "access-permissions"
	ViewDirectory              = "view-outside-room"
)

// RoleStore maps permissions to the roles that hold them.
type RoleStore interface {
	RolesForPermission(ctx context.Context, permission string) ([]string, error)
}

// UserStore reports the roles a user holds.
type UserStore interface {
	// GlobalRoles returns NotFound for unknown users.
	GlobalRoles(ctx context.Context, userID string) ([]string, error)
	// ScopedRoles returns the roles held only inside scope (a room id).
	ScopedRoles(ctx context.Context, userID, scope string) ([]string, error)
}

// Checker evaluates permissions against injected stores.
type Checker struct {
	roles RoleStore
	users UserStore
}

func NewChecker(roles RoleStore, users UserStore) *Checker {
	return &Checker{roles: roles, users: users}
}

// HasPermission reports whether userID holds permission, globally or inside
// scope when scope is non-empty. Unknown users and empty ids hold nothing.
func (c *Checker) HasPermission(ctx context.Context, userID, permission, scope string) (bool, error) {
	if userID == "" || permission == "" {
		return false, nil
	}
	held, err := c.userRoles(ctx, userID, scope)
	if err != nil || len(held) == 0 {
		return false, err
	}
	granted, err := c.roles.RolesForPermission(ctx, permission)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return false, nil
		}
		return false, err
	}
	for _, r := range held {
		if slices.Contains(granted, r) {
			return true, nil
		}
	}
	obs.From(ctx).Debug("permission_denied", "pkg", "authz", "user_id", userID, "permission", permission, "scope", scope)
	return false, nil
}

// HasAllPermissions is true when every permission is held. An empty list is
// vacuously true.
func (c *Checker) HasAllPermissions(ctx context.Context, userID string, permissions []string, scope string) (bool, error) {
	for _, p := range permissions {
		ok, err := c.HasPermission(ctx, userID, p, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// HasAtLeastOnePermission is true when any permission is held. An empty list
// is false.
func (c *Checker) HasAtLeastOnePermission(ctx context.Context, userID string, permissions []string, scope string) (bool, error) {
	for _, p := range permissions {
		ok, err := c.HasPermission(ctx, userID, p, scope)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether userID holds role globally.
func (c *Checker) HasRole(ctx context.Context, userID, role string) (bool, error) {
	held, err := c.userRoles(ctx, userID, "")
	if err != nil {
		return false, err
	}
	return slices.Contains(held, role), nil
}

func (c *Checker) userRoles(ctx context.Context, userID, scope string) ([]string, error) {
	global, err := c.users.GlobalRoles(ctx, userID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if scope == "" {
		return global, nil
	}
	scoped, err := c.users.ScopedRoles(ctx, userID, scope)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return nil, err
	}
	return append(slices.Clone(global), scoped...), nil
}

// MemoryStore is an in-memory RoleStore and UserStore.
type MemoryStore struct {
	Permissions map[string][]string
	Users       map[string][]string
	// Scoped maps user id to scope to roles.
	Scoped      map[string]map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Permissions: map[string][]string{},
		Users:       map[string][]string{},
		Scoped:      map[string]map[string][]string{},
	}
}

func (m *MemoryStore) RolesForPermission(ctx context.Context, permission string) ([]string, error) {
	roles, ok := m.Permissions[permission]
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown permission "+permission)
	}
	return roles, nil
}

func (m *MemoryStore) GlobalRoles(ctx context.Context, userID string) ([]string, error) {
	roles, ok := m.Users[userID]
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown user "+userID)
	}
	return roles, nil
}

func (m *MemoryStore) ScopedRoles(ctx context.Context, userID, scope string) ([]string, error) {
	return m.Scoped[userID][scope], nil
}

// DefaultPermissions is the stock grant table of the reference app.
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		ViewRoomAdministration:     {"admin"},
		ViewUserAdministration:     {"admin"},
		ViewDeviceManagement:       {"admin"},
		ManageEmoji:                {"admin"},
		ManageSounds:               {"admin"},
		ManageIncomingIntegrations: {"admin"},
		SendMail:                   {"admin"},
		AccessPermissions:          {"admin"},
		ViewDirectory:              {"admin", "user", "bot"},
		"edit-message":             {"admin", "owner", "moderator"},
		"delete-message":           {"admin", "owner", "moderator"},
	}
}

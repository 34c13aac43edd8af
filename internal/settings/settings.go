// Package settings resolves typed workspace settings. The effective value of
// a setting is, in order: the OVERWRITE_SETTING_<id> environment variable,
// the stored value, the <id> environment variable (copied into the store on
// first start), then the declared default.
package settings

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

// Type is the declared value type of a setting.
type Type string

const (
	Boolean Type = "boolean"
	Int     Type = "int"
	String  Type = "string"
)

const OverwritePrefix = "OVERWRITE_SETTING_"

// Well-known setting ids.
const (
	APIEnableCORS    = "API_Enable_CORS"
	APICORSOrigin    = "API_CORS_Origin"
	TwoFactorEnabled = "Accounts_TwoFactorAuthentication_Enabled"
	TwoFactorDelta   = "Accounts_TwoFactorAuthentication_MaxDelta"
	SiteName         = "Site_Name"
	SiteURL          = "Site_Url"
	MailerFrom       = "From_Email"
	LoginRateLimit   = "Rate_Limiter_Limit_Login_Per_Minute"
)

// Definition declares a setting.
type Definition struct {
	ID      string
	Type    Type
	Default string
	// Public settings are exposed on the unauthenticated settings endpoint.
	Public bool
}

// Defaults is the stock set of definitions.
func Defaults() []Definition {
	return []Definition{
		{ID: APIEnableCORS, Type: Boolean, Default: "false"},
		{ID: APICORSOrigin, Type: String, Default: "*"},
		{ID: TwoFactorEnabled, Type: Boolean, Default: "true", Public: true},
		{ID: TwoFactorDelta, Type: Int, Default: "1"},
		{ID: SiteName, Type: String, Default: "Rocket.Chat", Public: true},
		{ID: SiteURL, Type: String, Default: "http://localhost:3000", Public: true},
		{ID: MailerFrom, Type: String, Default: "no-reply@rocket.chat"},
		{ID: LoginRateLimit, Type: Int, Default: "10"},
	}
}

// Store persists raw setting values.
type Store interface {
	// GetSetting returns ok=false when nothing is stored.
	GetSetting(ctx context.Context, id string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, id, value string) error
}

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// Registry holds definitions and resolves effective values.
type Registry struct {
	store Store
	env   LookupEnv

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry; a nil env reads the process environment.
func NewRegistry(store Store, env LookupEnv, defs ...Definition) (*Registry, error) {
	if env == nil {
		env = os.LookupEnv
	}
	r := &Registry{store: store, env: env, defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Define(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Define adds a definition. The default must coerce to the declared type.
func (r *Registry) Define(d Definition) error {
	if strings.TrimSpace(d.ID) == "" {
		return errs.New(errs.InvalidArgument, "setting id is required")
	}
	if _, err := Coerce(d.Type, d.Default); err != nil {
		return errs.Wrap(errs.InvalidArgument, fmt.Sprintf("default for %s: %s", d.ID, errs.MessageOf(err)), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
	return nil
}

func (r *Registry) definition(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, errs.New(errs.NotFound, "unknown setting "+id)
	}
	return d, nil
}

// Init copies <id> environment values into the store for settings that have
// never been stored. Later changes to those variables have no effect.
func (r *Registry) Init(ctx context.Context) error {
	logger := obs.From(ctx).With("pkg", "settings")
	for _, d := range r.Definitions() {
		raw, ok := r.env(d.ID)
		if !ok {
			continue
		}
		if _, stored, err := r.store.GetSetting(ctx, d.ID); err != nil {
			return err
		} else if stored {
			continue
		}
		if _, err := Coerce(d.Type, raw); err != nil {
			logger.Warn("setting_env_ignored", "id", d.ID, "error", err)
			continue
		}
		if err := r.store.SetSetting(ctx, d.ID, raw); err != nil {
			return err
		}
		logger.Info("setting_initialized_from_env", "id", d.ID)
	}
	return nil
}

// Resolved is an effective value and where it came from.
type Resolved struct {
	ID     string
	Value  any
	Source string
}

// Resolve returns the effective, coerced value of id.
func (r *Registry) Resolve(ctx context.Context, id string) (Resolved, error) {
	d, err := r.definition(id)
	if err != nil {
		return Resolved{}, err
	}
	raw, source := d.Default, "default"
	if v, ok := r.env(OverwritePrefix + id); ok {
		raw, source = v, "overwrite"
	} else if v, ok, err := r.store.GetSetting(ctx, id); err != nil {
		return Resolved{}, err
	} else if ok {
		raw, source = v, "stored"
	} else if v, ok := r.env(id); ok {
		raw, source = v, "env"
	}
	val, err := Coerce(d.Type, raw)
	if err != nil {
		if source == "default" {
			return Resolved{}, err
		}
		obs.From(ctx).Warn("setting_value_invalid", "pkg", "settings", "id", id, "source", source, "error", err)
		val, _ = Coerce(d.Type, d.Default)
		source = "default"
	}
	return Resolved{ID: id, Value: val, Source: source}, nil
}

// Bool resolves a boolean setting.
func (r *Registry) Bool(ctx context.Context, id string) (bool, error) {
	res, err := r.Resolve(ctx, id)
	if err != nil {
		return false, err
	}
	b, ok := res.Value.(bool)
	if !ok {
		return false, errs.New(errs.FailedPrecondition, id+" is not a boolean setting")
	}
	return b, nil
}

// Int resolves an integer setting.
func (r *Registry) Int(ctx context.Context, id string) (int, error) {
	res, err := r.Resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	n, ok := res.Value.(int)
	if !ok {
		return 0, errs.New(errs.FailedPrecondition, id+" is not an int setting")
	}
	return n, nil
}

// String resolves any setting in its string form.
func (r *Registry) String(ctx context.Context, id string) (string, error) {
	res, err := r.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(res.Value), nil
}

// Set validates and stores raw for id.
func (r *Registry) Set(ctx context.Context, id, raw string) error {
	d, err := r.definition(id)
	if err != nil {
		return err
	}
	val, err := Coerce(d.Type, raw)
	if err != nil {
		return err
	}
	if _, overwritten := r.env(OverwritePrefix + id); overwritten {
		obs.From(ctx).Warn("setting_shadowed_by_overwrite", "pkg", "settings", "id", id)
	}
	return r.store.SetSetting(ctx, id, fmt.Sprint(val))
}

// Definitions returns all definitions sorted by id.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Public returns the effective values of public settings.
func (r *Registry) Public(ctx context.Context) ([]Resolved, error) {
	var out []Resolved
	for _, d := range r.Definitions() {
		if !d.Public {
			continue
		}
		res, err := r.Resolve(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Coerce converts raw to the Go value for t. Booleans accept
// true/1/yes/on and false/0/no/off/"" in any case.
func Coerce(t Type, raw string) (any, error) {
	switch t {
	case Boolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("%q is not a boolean", raw))
	case Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("%q is not an integer", raw))
		}
		return n, nil
	case String:
		return raw, nil
	}
	return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown setting type %q", t))
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (m *MemoryStore) GetSetting(ctx context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id]
	return v, ok, nil
}

func (m *MemoryStore) SetSetting(ctx context.Context, id, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = value
	return nil
}

// MapEnv adapts a map to LookupEnv.
func MapEnv(m map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

package rbacgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration of the engine, the rule table and
// the per-route gate options.
type Config struct {
	Version     uint16             `json:"version" yaml:"version"`
	Engine      EngineConfig       `json:"engine" yaml:"engine"`
	Audit       AuditConfig        `json:"audit" yaml:"audit"`
	Rules       []RBACRule         `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
	Routes      []RouteConfig      `json:"routes,omitempty" yaml:"routes,omitempty" validate:"dive"`
	Users       []UserConfig       `json:"users,omitempty" yaml:"users,omitempty" validate:"dive"`
	Memberships []MembershipConfig `json:"memberships,omitempty" yaml:"memberships,omitempty" validate:"dive"`
}

type EngineConfig struct {
	CacheTTL      int64           `json:"cache_ttl_ms" yaml:"cache_ttl_ms" validate:"gte=0"`
	SweepInterval int64           `json:"sweep_interval_ms" yaml:"sweep_interval_ms" validate:"gte=0"`
	CacheBackend  string          `json:"cache_backend" yaml:"cache_backend" validate:"omitempty,oneof=memory ristretto"`
	Ristretto     RistrettoConfig `json:"ristretto" yaml:"ristretto"`
}

type AuditConfig struct {
	Buffer int `json:"buffer" yaml:"buffer" validate:"gte=0"`
}

// RouteConfig binds gate options to a "METHOD /path/:param" pattern.
type RouteConfig struct {
	Pattern string `json:"pattern" yaml:"pattern" validate:"required"`
	Options `yaml:",inline"`
}

// UserConfig seeds identity and session stores.
type UserConfig struct {
	ID                string `json:"id" yaml:"id" validate:"required"`
	Role              Role   `json:"role" yaml:"role" validate:"required"`
	Email             string `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
	EmailVerified     bool   `json:"email_verified,omitempty" yaml:"email_verified,omitempty"`
	TwoFactorVerified bool   `json:"two_factor_verified,omitempty" yaml:"two_factor_verified,omitempty"`
	Token             string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Principal converts the seed entry to a Principal.
func (u UserConfig) Principal() *Principal {
	return &Principal{
		ID:                u.ID,
		Role:              u.Role,
		Email:             u.Email,
		EmailVerified:     u.EmailVerified,
		TwoFactorVerified: u.TwoFactorVerified,
	}
}

// MembershipConfig seeds project team memberships.
type MembershipConfig struct {
	ProjectID string   `json:"project_id" yaml:"project_id" validate:"required"`
	Members   []string `json:"members" yaml:"members" validate:"dive,required"`
}

// UnmarshalJSON accepts the duration either as a Go duration string or as
// nanoseconds.
func (l *Limit) UnmarshalJSON(data []byte) error {
	var raw struct {
		Points   int             `json:"points"`
		Duration json.RawMessage `json:"duration"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Points = raw.Points
	l.Duration = 0
	if len(raw.Duration) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Duration, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("rate limit duration: %w", err)
		}
		l.Duration = d
		return nil
	}
	var ns int64
	if err := json.Unmarshal(raw.Duration, &ns); err != nil {
		return fmt.Errorf("rate limit duration: %w", err)
	}
	l.Duration = time.Duration(ns)
	return nil
}

// MarshalJSON writes the duration as a Go duration string.
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Points   int    `json:"points"`
		Duration string `json:"duration"`
	}{l.Points, l.Duration.String()})
}

// ConfigLoader loads configuration from YAML or JSON and validates it.
type ConfigLoader struct {
	validate *validator.Validate
}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{validate: validator.New()}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, l.Validate(cfg)
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, l.Validate(cfg)
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension", path)
	}
}

// Validate runs the struct tags and then the semantic checks: the rule table
// must build, route options must be valid and patterns unique, seeded users
// must carry known roles.
func (l *ConfigLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Rules) > 0 {
		if _, err := NewRuleTable(cfg.Rules); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if _, dup := seen[r.Pattern]; dup {
			return fmt.Errorf("config: duplicate route pattern %q", r.Pattern)
		}
		seen[r.Pattern] = struct{}{}
		if err := r.Options.Validate(); err != nil {
			return fmt.Errorf("config: route %q: %w", r.Pattern, err)
		}
	}
	for _, u := range cfg.Users {
		if !u.Role.Valid() {
			return fmt.Errorf("config: user %s: unknown role %q", u.ID, u.Role)
		}
	}
	return nil
}

// RuleTable builds the configured table, or the default one when the file
// declares no rules.
func (c *Config) RuleTable() (*RuleTable, error) {
	if len(c.Rules) == 0 {
		return DefaultRuleTable(), nil
	}
	return NewRuleTable(c.Rules)
}

// CacheTTL returns the configured TTL, DefaultCacheTTL when unset.
func (c *Config) CacheTTL() time.Duration {
	if c.Engine.CacheTTL <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.Engine.CacheTTL) * time.Millisecond
}

// SweepInterval returns the sweep period, equal to the TTL when unset.
func (c *Config) SweepInterval() time.Duration {
	if c.Engine.SweepInterval <= 0 {
		return c.CacheTTL()
	}
	return time.Duration(c.Engine.SweepInterval) * time.Millisecond
}

// BuildCache creates the configured cache backend.
func (c *Config) BuildCache(now Clock) (PermissionCache, error) {
	switch c.Engine.CacheBackend {
	case "ristretto":
		return NewRistrettoCache(c.Engine.Ristretto, c.CacheTTL(), now)
	default:
		return NewMemoryCache(WithCacheTTL(c.CacheTTL()), WithCacheClock(now)), nil
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

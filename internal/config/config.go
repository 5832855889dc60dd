// Package config loads the server's YAML configuration through viper,
// the way the teacher's cmd/authsome-cli wires its own config file, and
// validates the decoded struct with go-playground/validator before any
// tenant or store is built from it.
package config

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/xraph/scimserver/internal/compat"
	"github.com/xraph/scimserver/internal/logging"
	"github.com/xraph/scimserver/internal/patch"
	"github.com/xraph/scimserver/internal/store"
	"github.com/xraph/scimserver/internal/tenant"
)

// Config is the root of the server's YAML configuration file.
type Config struct {
	Listen   string         `mapstructure:"listen" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Logging  logging.Config `mapstructure:"logging"`
	Tenants  []TenantConfig `mapstructure:"tenants" validate:"required,min=1,dive"`
}

// DatabaseConfig selects and configures the storage engine.
type DatabaseConfig struct {
	Engine string `mapstructure:"engine" validate:"required,oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// TenantConfig is one tenant's YAML representation, decoded into a
// tenant.Descriptor by BuildTenants.
type TenantConfig struct {
	ID       int    `mapstructure:"id" validate:"required,gt=0"`
	Path     string `mapstructure:"path" validate:"required,startswith=/"`
	Host     string `mapstructure:"host"`
	HostMode string `mapstructure:"host_mode" validate:"omitempty,oneof=host forwarded xforwarded"`

	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"omitempty,dive,ip|cidr"`

	Auth        string `mapstructure:"auth" validate:"required,oneof=bearer token basic unauthenticated"`
	BearerToken string `mapstructure:"bearer_token"`
	BasicUser   string `mapstructure:"basic_user"`
	BasicPass   string `mapstructure:"basic_pass"`

	OverrideBaseURL string `mapstructure:"override_base_url"`

	Compat    CompatConfig    `mapstructure:"compat"`
	Patch     PatchConfig     `mapstructure:"patch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	SupportGroupMembersFilter     bool `mapstructure:"support_group_members_filter"`
	SupportGroupDisplayNameFilter bool `mapstructure:"support_group_display_name_filter"`
	MaxPageSize                   int  `mapstructure:"max_page_size"`
}

// RateLimitConfig configures a tenant's per-minute request throttle,
// grounded on the teacher's per-organization RateLimitMiddleware.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// CompatConfig configures the per-tenant output-shaping toggles.
type CompatConfig struct {
	MetaDateTimeFormatEpoch bool `mapstructure:"meta_datetime_format_epoch"`
	ShowEmptyGroupsMembers  bool `mapstructure:"show_empty_groups_members"`
	IncludeUserGroups       bool `mapstructure:"include_user_groups"`
}

// PatchConfig configures the per-tenant PATCH leniency toggles.
type PatchConfig struct {
	AllowReplaceEmptyArray bool `mapstructure:"support_patch_replace_empty_array"`
	AllowReplaceEmptyValue bool `mapstructure:"support_patch_replace_empty_value"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("scimserver")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	seen := map[int]bool{}
	for _, t := range cfg.Tenants {
		if seen[t.ID] {
			return nil, fmt.Errorf("config: duplicate tenant id %d", t.ID)
		}
		seen[t.ID] = true
	}

	return &cfg, nil
}

// StorageEngine maps the configured database engine name to a
// store.Engine.
func (c *Config) StorageEngine() store.Engine {
	if c.Database.Engine == "postgres" {
		return store.EnginePostgres
	}
	return store.EngineSQLite
}

// BuildTenants decodes every TenantConfig into a *tenant.Descriptor,
// ready to hand to tenant.NewRegistry. customRoutes, keyed by tenant id,
// lets the caller attach handlers that config alone cannot express.
func BuildTenants(tenants []TenantConfig, customRoutes map[int]map[string]http.Handler) []*tenant.Descriptor {
	out := make([]*tenant.Descriptor, 0, len(tenants))
	for _, t := range tenants {
		d := &tenant.Descriptor{
			ID:             t.ID,
			Path:           strings.TrimSuffix(t.Path, "/"),
			Host:           t.Host,
			HostMode:       tenant.HostMode(defaultStr(t.HostMode, "host")),
			TrustedProxies: t.TrustedProxies,

			Auth:        tenant.AuthScheme(t.Auth),
			BearerToken: t.BearerToken,
			BasicUser:   t.BasicUser,
			BasicPass:   t.BasicPass,

			OverrideBaseURL: t.OverrideBaseURL,

			Compat: compat.Toggles{
				MetaDateTimeFormatEpoch: t.Compat.MetaDateTimeFormatEpoch,
				ShowEmptyGroupsMembers:  t.Compat.ShowEmptyGroupsMembers,
				IncludeUserGroups:       t.Compat.IncludeUserGroups,
			},
			Patch: patch.Toggles{
				AllowReplaceEmptyArray: t.Patch.AllowReplaceEmptyArray,
				AllowReplaceEmptyValue: t.Patch.AllowReplaceEmptyValue,
			},
			RateLimit: tenant.RateLimitConfig{
				Enabled:           t.RateLimit.Enabled,
				RequestsPerMinute: t.RateLimit.RequestsPerMinute,
				Burst:             t.RateLimit.Burst,
			},

			SupportGroupMembersFilter:     t.SupportGroupMembersFilter,
			SupportGroupDisplayNameFilter: t.SupportGroupDisplayNameFilter,
			MaxPageSize:                   t.MaxPageSize,
			CustomRoutes:                  customRoutes[t.ID],
		}
		out = append(out, d)
	}
	return out
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package ecity

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/spf13/viper"
)

// App selects which front application the gateway serves.
type App string

const (
	AppPortal App = "portal" // citizen-facing portal
	AppAdmin  App = "admin"  // moderation panel
)

// DefaultForwardHeaders is the allow-list of inbound headers copied onto backend requests.
// Authorization is always rebuilt from the caller's token and never copied.
var DefaultForwardHeaders = []string{"Accept", "Accept-Language", "Content-Type", "X-Request-ID"}

// AdminConfig controls the capability checks of the admin proxy.
type AdminConfig struct {
	RequiredPermission string            `mapstructure:"required_permission"`
	RoutePermissions   map[string]string `mapstructure:"route_permissions"` // sub-path prefix -> permission
}

// PermissionFor returns the capability required to reach subpath through the admin proxy.
// The longest matching prefix in RoutePermissions wins; otherwise RequiredPermission applies.
// Prefixes match case-insensitively since viper lowercases map keys read from the file.
func (admin AdminConfig) PermissionFor(subpath string) domain.Permission {
	subpath = "/" + strings.ToLower(strings.TrimPrefix(subpath, "/"))
	prefixes := make([]string, 0, len(admin.RoutePermissions))
	for prefix := range admin.RoutePermissions {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		normalized := "/" + strings.ToLower(strings.Trim(prefix, "/"))
		if subpath == normalized || strings.HasPrefix(subpath, normalized+"/") {
			return domain.Permission(admin.RoutePermissions[prefix])
		}
	}
	return domain.Permission(admin.RequiredPermission)
}

// TLSConfig points at an optional certificate served on the gateway port.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// TrackingConfig controls the live vehicle poller.
type TrackingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the gateway configuration, read from config.yaml in the config dir and
// overridden by ECITY_* environment variables.
type Config struct {
	viper *viper.Viper

	App                  App            `mapstructure:"app"`
	BackendURL           string         `mapstructure:"backend_url"`
	PublicAPIURL         string         `mapstructure:"public_api_url"`
	WebSocketURL         string         `mapstructure:"ws_url"`
	ListenAddress        string         `mapstructure:"listen_address"`
	ListenPort           string         `mapstructure:"listen_port"`
	Database             string         `mapstructure:"database"`
	ForwardHeaders       []string       `mapstructure:"forward_headers"`
	MaxBodyBytes         int64          `mapstructure:"max_body_bytes"`
	BackendTimeout       time.Duration  `mapstructure:"backend_timeout"`
	SessionTTL           time.Duration  `mapstructure:"session_ttl"`
	SessionSweepInterval time.Duration  `mapstructure:"session_sweep_interval"`
	IdentityCacheTTL     time.Duration  `mapstructure:"identity_cache_ttl"`
	CookieSecure         bool           `mapstructure:"cookie_secure"`
	RecordTraffic        bool           `mapstructure:"record_traffic"`
	PreviewLimit         int            `mapstructure:"preview_limit"`
	Admin                AdminConfig    `mapstructure:"admin"`
	Tracking             TrackingConfig `mapstructure:"tracking"`
	TLS                  TLSConfig      `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app", string(AppPortal))
	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("public_api_url", "http://localhost:8000")
	v.SetDefault("ws_url", "ws://localhost:8000/ws")
	v.SetDefault("listen_address", "127.0.0.1")
	v.SetDefault("listen_port", "3000")
	v.SetDefault("database", "ecity.db")
	v.SetDefault("forward_headers", DefaultForwardHeaders)
	v.SetDefault("max_body_bytes", 10<<20)
	v.SetDefault("backend_timeout", "30s")
	v.SetDefault("session_ttl", "12h")
	v.SetDefault("session_sweep_interval", "10m")
	v.SetDefault("identity_cache_ttl", "1m")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("record_traffic", true)
	v.SetDefault("preview_limit", 4096)
	v.SetDefault("admin.required_permission", string(domain.PermissionModerateAnnouncements))
	v.SetDefault("admin.route_permissions", map[string]string{})
	v.SetDefault("tracking.interval", "10s")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
}

// DefaultConfig returns the configuration used when no config dir is set.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("unmarshalling default config : %v", err))
	}
	cfg.viper = v
	return cfg
}

// LoadConfig reads config.yaml from configDir, creating the directory and a default
// file on first run.
func LoadConfig(configDir string) (*Config, error) {
	if _, err := os.ReadDir(configDir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking if directory exists %s: %w", configDir, err)
		}
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return nil, fmt.Errorf("creating config dir %s: %w", configDir, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("ECITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	cfg.viper = v

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the gateway cannot start without.
func (cfg *Config) Validate() error {
	switch cfg.App {
	case AppPortal, AppAdmin:
	default:
		return fmt.Errorf("invalid app %q: should be either portal or admin", cfg.App)
	}
	for name, raw := range map[string]string{"backend_url": cfg.BackendURL, "public_api_url": cfg.PublicAPIURL} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if cfg.App == AppAdmin && cfg.Admin.RequiredPermission == "" {
		return errors.New("admin.required_permission must be set for the admin app")
	}
	return nil
}

// Set updates a key and persists the config file when one is attached.
func (cfg *Config) Set(key string, value any) error {
	if cfg.viper == nil {
		return errors.New("config is not attached to a file")
	}
	cfg.viper.Set(key, value)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := cfg.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	return nil
}

// ConfigFile returns the path of the file backing the config, if any.
func (cfg *Config) ConfigFile() string {
	if cfg.viper == nil {
		return ""
	}
	return cfg.viper.ConfigFileUsed()
}

// Package config loads sandboxd's runtime configuration from environment
// variables via viper. All knobs have working defaults; a fresh binary with
// no environment serves anonymous traffic against the local Docker daemon.
package config

import (
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config is the resolved service configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// DevMode skips the memory probe (host OS file caches distort the
	// reading on developer machines) and implies DisableRateLimit.
	DevMode bool `mapstructure:"dev_mode"`

	// LogsDir enables rotating JSON file logs when non-empty.
	LogsDir string `mapstructure:"logs_dir"`

	// UseGVisor requests the gVisor runtime for sandbox containers.
	UseGVisor bool `mapstructure:"use_gvisor"`

	// GVisorRuntime is the daemon runtime name used when UseGVisor is set.
	GVisorRuntime string `mapstructure:"gvisor_runtime"`

	// DisableRateLimit substitutes very high limits for every tier.
	DisableRateLimit bool `mapstructure:"disable_rate_limit"`

	// MaxContainers is the circuit breaker's container-count admission cap.
	MaxContainers int `mapstructure:"max_containers"`

	// MaxMemoryPercent is the circuit breaker's memory admission cap.
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`

	// MaxMessageBytes caps the size of a single inbound terminal frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`

	// AllowedOrigins is the websocket Origin allow-list. Empty means
	// same-host only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// TrustProxyHeaders honors X-Forwarded-For when keying anonymous
	// clients. Leave off unless a reverse proxy in front sets the header;
	// a direct client can forge it and mint fresh per-ip identities.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`

	// JWTSecret is the HMAC secret for bearer-token verification.
	// Empty disables token auth; all clients are anonymous.
	JWTSecret string `mapstructure:"jwt_secret"`

	// APIKeys are accepted admin api keys.
	APIKeys []string `mapstructure:"api_keys"`

	// ContainerMemory, HomeTmpfs and TmpTmpfs are human-readable sizes
	// (e.g. "128m") applied to every sandbox container.
	ContainerMemory string `mapstructure:"container_memory"`
	HomeTmpfs       string `mapstructure:"home_tmpfs"`
	TmpTmpfs        string `mapstructure:"tmp_tmpfs"`

	// ShutdownGrace bounds the drain period on server shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Defaults mirrored by SetDefaults. Exported where other packages reuse them.
const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultGVisorRuntime    = "runsc"
	DefaultMaxContainers    = 15
	DefaultMaxMemoryPercent = 85.0
	DefaultMaxMessageBytes  = 64 * 1024
	DefaultContainerMemory  = "128m"
	DefaultHomeTmpfs        = "50m"
	DefaultTmpTmpfs         = "10m"
	DefaultShutdownGrace    = 10 * time.Second
)

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("debug", false)
	v.SetDefault("dev_mode", false)
	v.SetDefault("logs_dir", "")
	v.SetDefault("use_gvisor", true)
	v.SetDefault("gvisor_runtime", DefaultGVisorRuntime)
	v.SetDefault("disable_rate_limit", false)
	v.SetDefault("max_containers", DefaultMaxContainers)
	v.SetDefault("max_memory_percent", DefaultMaxMemoryPercent)
	v.SetDefault("max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("api_keys", []string{})
	v.SetDefault("container_memory", DefaultContainerMemory)
	v.SetDefault("home_tmpfs", DefaultHomeTmpfs)
	v.SetDefault("tmp_tmpfs", DefaultTmpTmpfs)
	v.SetDefault("shutdown_grace", DefaultShutdownGrace)
}

// newViper builds a viper instance bound to the service's environment
// variables. Most keys live under the SANDBOXD_ prefix; the sandbox and
// circuit knobs keep their historical unprefixed names.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Historical env names predating the SANDBOXD_ prefix.
	_ = v.BindEnv("use_gvisor", "SANDBOX_USE_GVISOR")
	_ = v.BindEnv("gvisor_runtime", "SANDBOX_GVISOR_RUNTIME")
	_ = v.BindEnv("disable_rate_limit", "DISABLE_RATE_LIMIT")
	_ = v.BindEnv("max_containers", "CIRCUIT_MAX_CONTAINERS")
	_ = v.BindEnv("max_memory_percent", "CIRCUIT_MAX_MEMORY_PERCENT")

	SetDefaults(v)
	return v
}

// Load resolves the configuration from the environment and validates it.
func Load() (*Config, error) {
	return load(newViper())
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// SANDBOX_USE_GVISOR semantics: any value other than "false" enables it.
	if raw, ok := v.Get("use_gvisor").(string); ok {
		cfg.UseGVisor = raw != "false"
	}

	if cfg.DevMode {
		cfg.DisableRateLimit = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ContainerMemoryBytes returns the per-container memory cap in bytes.
func (c *Config) ContainerMemoryBytes() int64 {
	n, _ := units.RAMInBytes(c.ContainerMemory)
	return n
}

// HomeTmpfsBytes returns the home tmpfs size in bytes.
func (c *Config) HomeTmpfsBytes() int64 {
	n, _ := units.RAMInBytes(c.HomeTmpfs)
	return n
}

// TmpTmpfsBytes returns the /tmp tmpfs size in bytes.
func (c *Config) TmpTmpfsBytes() int64 {
	n, _ := units.RAMInBytes(c.TmpTmpfs)
	return n
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/retry"
	"github.com/sigil-dev/relay/internal/secrets"
	"github.com/sigil-dev/relay/internal/store"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_SERVER_LISTEN.
const EnvPrefix = "RELAY"

// Config is the top-level relay configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Retry        retry.Policy       `mapstructure:"retry"`
	Availability AvailabilityConfig `mapstructure:"availability"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Normalize    normalize.Options  `mapstructure:"normalize"`
	Audit        store.Config       `mapstructure:"audit"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen          string          `mapstructure:"listen"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	TurnTimeout     time.Duration   `mapstructure:"turn_timeout"`
}

// RateLimitConfig bounds requests per client IP. A zero rate disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ProvidersConfig lists the LLM providers in failover order.
type ProvidersConfig struct {
	LocalFirst   bool                      `mapstructure:"local_first"`
	SystemPrompt string                    `mapstructure:"system_prompt"`
	ChatTimeout  time.Duration             `mapstructure:"chat_timeout"`
	Defaults     ProviderDefaults          `mapstructure:"defaults"`
	List         []provider.ProviderConfig `mapstructure:"list"`
}

// ProviderDefaults fill unset fields of every provider entry.
type ProviderDefaults struct {
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
}

// AvailabilityConfig controls the provider availability cache.
type AvailabilityConfig struct {
	SuccessTTL   time.Duration `mapstructure:"success_ttl"`
	FailureTTL   time.Duration `mapstructure:"failure_ttl"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// WarmInterval schedules background probes. Zero disables warming.
	WarmInterval time.Duration `mapstructure:"warm_interval"`
}

// ToolsConfig lists tool servers and the tool each route uses.
type ToolsConfig struct {
	Servers []toolserver.ServerConfig `mapstructure:"servers"`
	Graph   toolserver.ToolRef        `mapstructure:"graph"`
	Docs    toolserver.ToolRef        `mapstructure:"docs"`
	Web     toolserver.ToolRef        `mapstructure:"web"`
	// Alternatives extend the built-in related-endpoint table used when
	// a graph query fails for reasons other than syntax or permission.
	Alternatives map[string][]string `mapstructure:"alternatives"`
}

// Routes returns the orchestrator routing table.
func (t ToolsConfig) Routes() orchestrator.Routes {
	return orchestrator.Routes{Graph: t.Graph, Docs: t.Docs, Web: t.Web}
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SelectorConfig returns the provider selector configuration.
func (c *Config) SelectorConfig() provider.SelectorConfig {
	return provider.SelectorConfig{
		LocalFirst: c.Providers.LocalFirst,
		Providers:  c.Providers.List,
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8790")
	v.SetDefault("server.cors_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("server.rate_limit.requests_per_second", 5.0)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.turn_timeout", 2*time.Minute)

	v.SetDefault("providers.local_first", true)
	v.SetDefault("providers.chat_timeout", provider.DefaultChatTimeout)
	v.SetDefault("providers.defaults.temperature", 0.2)
	v.SetDefault("providers.defaults.max_output_tokens", 2048)

	v.SetDefault("retry.max_retries", retry.DefaultMaxRetries)
	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("retry.factor", retry.DefaultFactor)

	v.SetDefault("availability.success_ttl", provider.DefaultSuccessTTL)
	v.SetDefault("availability.failure_ttl", provider.DefaultFailureTTL)
	v.SetDefault("availability.probe_timeout", provider.DefaultProbeTimeout)
	v.SetDefault("availability.warm_interval", time.Minute)

	defaults := normalize.DefaultOptions()
	v.SetDefault("normalize.max_bytes", defaults.MaxBytes)
	v.SetDefault("normalize.max_rows", defaults.MaxRows)
	v.SetDefault("normalize.max_cols", defaults.MaxCols)
	v.SetDefault("normalize.auth_mode", string(defaults.AuthMode))

	v.SetDefault("audit.backend", store.BackendMemory)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "relay")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// SetupEnv binds RELAY_-prefixed environment variables to config keys.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, relayerr.Errorf(relayerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes, completes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, relayerr.Errorf(relayerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if err := cfg.complete(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, relayerr.Wrap(errors.Join(errs...), relayerr.CodeConfigValidateInvalidValue, "validating config")
	}

	return &cfg, nil
}

// SecretStore resolves keyring:// provider credentials.
var SecretStore secrets.Store = secrets.NewKeyringStore()

// complete normalizes provider kinds, expands credential references and
// merges provider defaults into each entry.
func (c *Config) complete() error {
	defaults := provider.ProviderConfig{
		Temperature:     c.Providers.Defaults.Temperature,
		MaxOutputTokens: c.Providers.Defaults.MaxOutputTokens,
	}
	for i := range c.Providers.List {
		p := &c.Providers.List[i]
		if kind, err := provider.ParseKind(string(p.Kind)); err == nil {
			p.Kind = kind
		}
		p.Credential = os.ExpandEnv(p.Credential)
		if secrets.IsReference(p.Credential) {
			cred, err := secrets.Resolve(SecretStore, p.Credential)
			if err != nil {
				return relayerr.Wrapf(err, relayerr.CodeConfigValidateInvalidValue, "providers.list[%d].credential", i)
			}
			p.Credential = cred
		}
		if err := mergo.Merge(p, defaults); err != nil {
			return relayerr.Errorf(relayerr.CodeConfigParseInvalidFormat, "merging defaults into providers.list[%d]: %w", i, err)
		}
	}
	for i := range c.Tools.Servers {
		for k, val := range c.Tools.Servers[i].Headers {
			c.Tools.Servers[i].Headers[k] = os.ExpandEnv(val)
		}
	}
	c.Audit.Path = os.ExpandEnv(c.Audit.Path)
	return nil
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validateAvailability()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateNormalize()...)
	errs = append(errs, c.validateAudit()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func invalid(format string, args ...any) error {
	return relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, invalid("server.listen must not be empty"))
	} else {
		_, portStr, err := net.SplitHostPort(c.Server.Listen)
		if err != nil {
			errs = append(errs, invalid("server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
		} else if port, err := strconv.Atoi(portStr); err != nil {
			errs = append(errs, invalid("server.listen port must be a number, got %q", portStr))
		} else if port < 1 || port > 65535 {
			errs = append(errs, invalid("server.listen port must be between 1 and 65535, got %d", port))
		}
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, invalid("server.rate_limit.requests_per_second must not be negative, got %g",
			c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		errs = append(errs, invalid("server.rate_limit.burst must be greater than 0 when rate limiting is enabled, got %d",
			c.Server.RateLimit.Burst))
	}
	if c.Server.TurnTimeout <= 0 {
		errs = append(errs, invalid("server.turn_timeout must be greater than 0, got %s", c.Server.TurnTimeout))
	}

	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error

	seen := make(map[string]bool, len(c.Providers.List))
	for i, p := range c.Providers.List {
		if !p.Kind.Valid() {
			errs = append(errs, invalid("providers.list[%d].kind must be one of %v, got %q", i, provider.Kinds(), p.Kind))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, invalid("providers.list[%d] (%s): %w", i, p.ID(), err))
		}
		if seen[p.ID()] {
			errs = append(errs, invalid("providers.list[%d]: duplicate provider id %q, set a distinct name", i, p.ID()))
		}
		seen[p.ID()] = true
	}

	if c.Providers.ChatTimeout <= 0 {
		errs = append(errs, invalid("providers.chat_timeout must be greater than 0, got %s", c.Providers.ChatTimeout))
	}

	return errs
}

func (c *Config) validateRetry() []error {
	var errs []error

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, invalid("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, invalid("retry.base_delay must be greater than 0, got %s", c.Retry.BaseDelay))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, invalid("retry.max_delay must be at least retry.base_delay, got %s < %s",
			c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, invalid("retry.factor must be at least 1, got %g", c.Retry.Factor))
	}

	return errs
}

func (c *Config) validateAvailability() []error {
	var errs []error

	a := c.Availability
	if a.SuccessTTL <= 0 {
		errs = append(errs, invalid("availability.success_ttl must be greater than 0, got %s", a.SuccessTTL))
	}
	if a.FailureTTL <= 0 {
		errs = append(errs, invalid("availability.failure_ttl must be greater than 0, got %s", a.FailureTTL))
	}
	if a.ProbeTimeout <= 0 {
		errs = append(errs, invalid("availability.probe_timeout must be greater than 0, got %s", a.ProbeTimeout))
	}
	if a.WarmInterval < 0 {
		errs = append(errs, invalid("availability.warm_interval must not be negative, got %s", a.WarmInterval))
	}

	return errs
}

func (c *Config) validateTools() []error {
	var errs []error

	servers := make(map[string]bool, len(c.Tools.Servers))
	for i, s := range c.Tools.Servers {
		if s.Name == "" {
			errs = append(errs, invalid("tools.servers[%d].name must not be empty", i))
		} else if servers[s.Name] {
			errs = append(errs, invalid("tools.servers[%d]: duplicate server name %q", i, s.Name))
		}
		servers[s.Name] = true
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			errs = append(errs, invalid("tools.servers[%d].url must be an http(s) URL, got %q", i, s.URL))
		}
	}

	for route, ref := range map[string]toolserver.ToolRef{"graph": c.Tools.Graph, "docs": c.Tools.Docs, "web": c.Tools.Web} {
		if ref.Server == "" && ref.Tool == "" {
			continue
		}
		if ref.IsZero() {
			errs = append(errs, invalid("tools.%s needs both server and tool, got %q", route, ref.String()))
			continue
		}
		if !servers[ref.Server] {
			errs = append(errs, invalid("tools.%s references server %q which is not configured", route, ref.Server))
		}
	}

	return errs
}

func (c *Config) validateNormalize() []error {
	var errs []error

	n := c.Normalize
	if n.MaxBytes <= 0 {
		errs = append(errs, invalid("normalize.max_bytes must be greater than 0, got %d", n.MaxBytes))
	}
	if n.MaxRows <= 0 {
		errs = append(errs, invalid("normalize.max_rows must be greater than 0, got %d", n.MaxRows))
	}
	if n.MaxCols <= 0 {
		errs = append(errs, invalid("normalize.max_cols must be greater than 0, got %d", n.MaxCols))
	}
	if n.AuthMode != normalize.AuthApplication && n.AuthMode != normalize.AuthDelegated {
		errs = append(errs, invalid("normalize.auth_mode must be one of [%s, %s], got %q",
			normalize.AuthApplication, normalize.AuthDelegated, n.AuthMode))
	}

	return errs
}

// auditBackends are the accepted audit.backend values. Empty disables the
// audit trail.
var auditBackends = []string{"", store.BackendMemory, "sqlite"}

func (c *Config) validateAudit() []error {
	var errs []error

	if !slices.Contains(auditBackends, c.Audit.Backend) {
		errs = append(errs, invalid("audit.backend must be one of [memory, sqlite] or empty, got %q", c.Audit.Backend))
	}
	if c.Audit.Backend == "sqlite" && c.Audit.Path == "" {
		errs = append(errs, invalid("audit.path is required for the sqlite backend"))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, invalid("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, invalid("logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	return errs
}

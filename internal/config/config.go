// Package config loads gateway configuration from environment variables and
// an optional YAML file. Environment names follow the public contract
// verbatim, so keys are bound explicitly instead of through a prefix; the
// environment always wins over the file.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Backend kinds accepted in PROXY_BACKEND.
const (
	BackendOpenAICompatible     = "OPENAI_COMPATIBLE"
	BackendAnthropicPassthrough = "ANTHROPIC_PASSTHROUGH"
	BackendDatabricks           = "DATABRICKS"
)

// DefaultConfigFile is consulted when no --config flag or CONFIG_FILE is set.
const DefaultConfigFile = "claudegate.yaml"

// Config is the full gateway configuration tree.
type Config struct {
	Backend     Backend     `mapstructure:"backend"`
	Upstream    Upstream    `mapstructure:"upstream"`
	Fallback    Fallback    `mapstructure:"fallback"`
	Models      Models      `mapstructure:"models"`
	Limits      Limits      `mapstructure:"limits"`
	Tools       Tools       `mapstructure:"tools"`
	Server      Server      `mapstructure:"server"`
	Logging     Logging     `mapstructure:"logging"`
	PromptCache PromptCache `mapstructure:"prompt_cache"`
	Batch       Batch       `mapstructure:"batch"`
	Store       Store       `mapstructure:"store"`
}

// Backend selects the upstream dialect.
type Backend struct {
	Kind string `mapstructure:"kind"`
}

// Upstream is the primary backend target.
type Upstream struct {
	APIBase                  string `mapstructure:"api_base"`
	APIKey                   string `mapstructure:"api_key"`
	RequestTimeoutS          int    `mapstructure:"request_timeout_s"`
	DatabricksEndpointPrefix string `mapstructure:"databricks_endpoint_prefix"`
}

// RequestTimeout is the per-request upstream deadline.
func (u Upstream) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutS) * time.Second
}

// Fallback is the optional secondary target tried once on 5xx or transport
// failure.
type Fallback struct {
	Enabled bool   `mapstructure:"enabled"`
	APIBase string `mapstructure:"api_base"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// Models configures alias resolution.
type Models struct {
	Big    string `mapstructure:"big"`
	Small  string `mapstructure:"small"`
	Prefix string `mapstructure:"prefix"`
}

// Limits holds request-shaping bounds.
type Limits struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	ClientRateRPM int `mapstructure:"client_rate_rpm"`
}

// Tools configures local tool execution.
type Tools struct {
	Enabled           bool     `mapstructure:"enabled"`
	MaxConcurrency    int      `mapstructure:"max_concurrency"`
	ExecutionTimeoutS int      `mapstructure:"execution_timeout_s"`
	RateWindowS       int      `mapstructure:"rate_window_s"`
	RateMax           int      `mapstructure:"rate_max"`
	MaxRounds         int      `mapstructure:"max_rounds"`
	AllowedCommands   []string `mapstructure:"allowed_commands"`
	DeniedPaths       []string `mapstructure:"denied_paths"`
	MaxOutputBytes    int      `mapstructure:"max_output_bytes"`
	WorkspaceDir      string   `mapstructure:"workspace_dir"`
	PermissionDefault string   `mapstructure:"permission_default"`
}

// ExecutionTimeout is the default per-tool deadline.
func (t Tools) ExecutionTimeout() time.Duration {
	return time.Duration(t.ExecutionTimeoutS) * time.Second
}

// RateWindow is the sliding-window span for the per-request tool limiter.
func (t Tools) RateWindow() time.Duration {
	return time.Duration(t.RateWindowS) * time.Second
}

// Server is the HTTP listener configuration.
type Server struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr is the host:port listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Logging selects level and sink.
type Logging struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// PromptCache configures the non-streaming response cache.
type PromptCache struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLS       int  `mapstructure:"ttl_s"`
	MaxEntries int  `mapstructure:"max_entries"`
}

// TTL is the cache entry lifetime.
func (p PromptCache) TTL() time.Duration {
	return time.Duration(p.TTLS) * time.Second
}

// Batch configures the Message Batches worker pool.
type Batch struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxConcurrency int  `mapstructure:"max_concurrency"`
	MaxRequests    int  `mapstructure:"max_requests"`
}

// Store locates the sqlite database.
type Store struct {
	Path string `mapstructure:"path"`
}

// envBindings maps viper keys to the public environment variable names.
var envBindings = [][2]string{
	{"backend.kind", "PROXY_BACKEND"},
	{"upstream.api_base", "UPSTREAM_API_BASE"},
	{"upstream.api_key", "UPSTREAM_API_KEY"},
	{"upstream.request_timeout_s", "REQUEST_TIMEOUT_S"},
	{"upstream.databricks_endpoint_prefix", "DATABRICKS_ENDPOINT_PREFIX"},
	{"fallback.enabled", "FALLBACK_ENABLED"},
	{"fallback.api_base", "FALLBACK_API_BASE"},
	{"fallback.api_key", "FALLBACK_API_KEY"},
	{"fallback.model", "FALLBACK_MODEL"},
	{"models.big", "BIG_MODEL"},
	{"models.small", "SMALL_MODEL"},
	{"models.prefix", "MODEL_PREFIX"},
	{"limits.max_tokens", "MAX_TOKENS_LIMIT"},
	{"limits.client_rate_rpm", "CLIENT_RATE_LIMIT_RPM"},
	{"tools.enabled", "TOOLS_ENABLED"},
	{"tools.max_concurrency", "TOOL_MAX_CONCURRENCY"},
	{"tools.execution_timeout_s", "TOOL_EXECUTION_TIMEOUT_S"},
	{"tools.rate_window_s", "TOOL_RATE_LIMIT_WINDOW_S"},
	{"tools.rate_max", "TOOL_RATE_LIMIT_MAX"},
	{"tools.max_rounds", "MAX_TOOL_ROUNDS"},
	{"tools.allowed_commands", "TOOL_ALLOWED_COMMANDS"},
	{"tools.denied_paths", "TOOL_DENIED_PATHS"},
	{"tools.max_output_bytes", "TOOL_MAX_OUTPUT_BYTES"},
	{"tools.workspace_dir", "TOOL_WORKSPACE_DIR"},
	{"tools.permission_default", "TOOL_PERMISSION_DEFAULT"},
	{"server.host", "HOST"},
	{"server.port", "PORT"},
	{"server.allowed_origins", "CORS_ALLOWED_ORIGINS"},
	{"logging.level", "LOG_LEVEL"},
	{"logging.file", "LOG_FILE"},
	{"prompt_cache.enabled", "PROMPT_CACHE_ENABLED"},
	{"prompt_cache.ttl_s", "PROMPT_CACHE_TTL_S"},
	{"prompt_cache.max_entries", "PROMPT_CACHE_MAX_ENTRIES"},
	{"batch.enabled", "BATCH_ENABLED"},
	{"batch.max_concurrency", "BATCH_MAX_CONCURRENCY"},
	{"batch.max_requests", "BATCH_MAX_REQUESTS"},
	{"store.path", "STORE_PATH"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.kind", "")
	v.SetDefault("upstream.api_base", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.request_timeout_s", 120)
	v.SetDefault("upstream.databricks_endpoint_prefix", "databricks-")
	v.SetDefault("fallback.enabled", false)
	v.SetDefault("fallback.api_base", "")
	v.SetDefault("fallback.api_key", "")
	v.SetDefault("fallback.model", "")
	v.SetDefault("models.big", "claude-sonnet-4-20250514")
	v.SetDefault("models.small", "claude-3-5-haiku-20241022")
	v.SetDefault("models.prefix", "")
	v.SetDefault("limits.max_tokens", 16384)
	v.SetDefault("limits.client_rate_rpm", 0)
	v.SetDefault("tools.enabled", true)
	v.SetDefault("tools.max_concurrency", 5)
	v.SetDefault("tools.execution_timeout_s", 30)
	v.SetDefault("tools.rate_window_s", 60)
	v.SetDefault("tools.rate_max", 50)
	v.SetDefault("tools.max_rounds", 3)
	v.SetDefault("tools.allowed_commands", []string{"ls", "cat", "echo", "pwd", "grep", "find", "head", "tail", "wc"})
	v.SetDefault("tools.denied_paths", []string{"/etc", "/sys", "/proc", "/dev", "/root/.ssh"})
	v.SetDefault("tools.max_output_bytes", 65536)
	v.SetDefault("tools.workspace_dir", ".")
	v.SetDefault("tools.permission_default", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("prompt_cache.enabled", false)
	v.SetDefault("prompt_cache.ttl_s", 300)
	v.SetDefault("prompt_cache.max_entries", 1024)
	v.SetDefault("batch.enabled", true)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("batch.max_requests", 1000)
	v.SetDefault("store.path", "claudegate.db")
}

// DefaultConfig returns the built-in defaults with no file or environment
// applied.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := new(Config)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Manager holds the loaded configuration and its viper instance, so the
// config file can be watched after startup.
type Manager struct {
	v    *viper.Viper
	cfg  *Config
	file string
}

// Load reads defaults, the optional config file and the environment, in
// ascending precedence, then validates. path comes from the --config flag;
// when empty, CONFIG_FILE and then the default file name are consulted. A
// missing optional file is not an error, an unreadable named one is.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	for _, binding := range envBindings {
		if err := v.BindEnv(binding[0], binding[1]); err != nil {
			return nil, fmt.Errorf("binding %s: %w", binding[1], err)
		}
	}

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{v: v, cfg: cfg, file: path}, nil
}

// Config returns the validated configuration.
func (m *Manager) Config() *Config {
	return m.cfg
}

// WatchLogLevel hot-applies logging.level when the config file changes.
// No-op when configuration came from the environment alone.
func (m *Manager) WatchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if m.file == "" {
		return
	}
	m.v.OnConfigChange(func(_ fsnotify.Event) {
		raw := m.v.GetString("logging.level")
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			logger.Warn("config change carries invalid log level", zap.String("level", raw))
			return
		}
		if level.Level() != parsed {
			level.SetLevel(parsed)
			logger.Info("log level updated", zap.String("level", raw))
		}
	})
	m.v.WatchConfig()
}

// normalize trims whitespace that CSV env values commonly carry.
func (c *Config) normalize() {
	c.Tools.AllowedCommands = trimAll(c.Tools.AllowedCommands)
	c.Tools.DeniedPaths = trimAll(c.Tools.DeniedPaths)
	c.Upstream.APIBase = strings.TrimRight(strings.TrimSpace(c.Upstream.APIBase), "/")
	c.Fallback.APIBase = strings.TrimRight(strings.TrimSpace(c.Fallback.APIBase), "/")
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the configuration and reports every violation at once,
// each naming the offending field and its environment variable.
func (c *Config) Validate() error {
	var errs []string

	switch c.Backend.Kind {
	case BackendOpenAICompatible, BackendAnthropicPassthrough, BackendDatabricks:
	case "":
		errs = append(errs, "backend.kind (PROXY_BACKEND) is required")
	default:
		errs = append(errs, fmt.Sprintf("backend.kind (PROXY_BACKEND) must be %s, %s or %s, got %q",
			BackendOpenAICompatible, BackendAnthropicPassthrough, BackendDatabricks, c.Backend.Kind))
	}

	if c.Upstream.APIBase == "" {
		errs = append(errs, "upstream.api_base (UPSTREAM_API_BASE) is required")
	} else if err := validateBaseURL(c.Upstream.APIBase); err != nil {
		errs = append(errs, fmt.Sprintf("upstream.api_base (UPSTREAM_API_BASE): %v", err))
	}
	if c.Upstream.APIKey == "" {
		errs = append(errs, "upstream.api_key (UPSTREAM_API_KEY) is required")
	}
	if c.Upstream.RequestTimeoutS <= 0 {
		errs = append(errs, "upstream.request_timeout_s (REQUEST_TIMEOUT_S) must be positive")
	}

	if c.Fallback.Enabled {
		if c.Fallback.APIBase == "" {
			errs = append(errs, "fallback.api_base (FALLBACK_API_BASE) is required when fallback is enabled")
		} else if err := validateBaseURL(c.Fallback.APIBase); err != nil {
			errs = append(errs, fmt.Sprintf("fallback.api_base (FALLBACK_API_BASE): %v", err))
		}
	}

	if c.Models.Big == "" {
		errs = append(errs, "models.big (BIG_MODEL) must not be empty")
	}
	if c.Models.Small == "" {
		errs = append(errs, "models.small (SMALL_MODEL) must not be empty")
	}

	if c.Limits.MaxTokens <= 0 {
		errs = append(errs, "limits.max_tokens (MAX_TOKENS_LIMIT) must be positive")
	}
	if c.Limits.ClientRateRPM < 0 {
		errs = append(errs, "limits.client_rate_rpm (CLIENT_RATE_LIMIT_RPM) must not be negative")
	}

	if c.Tools.MaxConcurrency < 1 {
		errs = append(errs, "tools.max_concurrency (TOOL_MAX_CONCURRENCY) must be at least 1")
	}
	if c.Tools.ExecutionTimeoutS <= 0 {
		errs = append(errs, "tools.execution_timeout_s (TOOL_EXECUTION_TIMEOUT_S) must be positive")
	}
	if c.Tools.RateWindowS <= 0 {
		errs = append(errs, "tools.rate_window_s (TOOL_RATE_LIMIT_WINDOW_S) must be positive")
	}
	if c.Tools.RateMax < 1 {
		errs = append(errs, "tools.rate_max (TOOL_RATE_LIMIT_MAX) must be at least 1")
	}
	if c.Tools.MaxRounds < 1 {
		errs = append(errs, "tools.max_rounds (MAX_TOOL_ROUNDS) must be at least 1")
	}
	if c.Tools.MaxOutputBytes < 1 {
		errs = append(errs, "tools.max_output_bytes (TOOL_MAX_OUTPUT_BYTES) must be at least 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port (PORT) must be between 1 and 65535")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level (LOG_LEVEL): unknown level %q", c.Logging.Level))
	}

	if c.PromptCache.Enabled {
		if c.PromptCache.TTLS <= 0 {
			errs = append(errs, "prompt_cache.ttl_s (PROMPT_CACHE_TTL_S) must be positive when the cache is enabled")
		}
		if c.PromptCache.MaxEntries < 1 {
			errs = append(errs, "prompt_cache.max_entries (PROMPT_CACHE_MAX_ENTRIES) must be at least 1")
		}
	}

	if c.Batch.Enabled {
		if c.Batch.MaxConcurrency < 1 {
			errs = append(errs, "batch.max_concurrency (BATCH_MAX_CONCURRENCY) must be at least 1")
		}
		if c.Batch.MaxRequests < 1 {
			errs = append(errs, "batch.max_requests (BATCH_MAX_REQUESTS) must be at least 1")
		}
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path (STORE_PATH) must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

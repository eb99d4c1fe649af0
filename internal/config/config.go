// Package config loads the gateway configuration from a YAML file with
// ${VAR} and ${VAR:-default} environment interpolation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultStrategy        = "first-available"
	DefaultProviderTimeout = 60 * time.Second
	DefaultCacheMaxItems   = 1000
	DefaultCacheTTL        = 3600 * time.Second
	DefaultRedisKeyPrefix  = "llmux:cache:"
	DefaultStoreMaxItems   = 1000
	DefaultStoreTTL        = time.Hour
	DefaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Providers     Providers           `yaml:"providers"`
	Routing       RoutingConfig       `yaml:"routing"`
	Cache         CacheConfig         `yaml:"cache"`
	ResponseStore ResponseStoreConfig `yaml:"response_store"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Usage         UsageConfig         `yaml:"usage"`
	Notifications NotificationConfig  `yaml:"notifications"`
	Secrets       SecretsConfig       `yaml:"secrets"`
}

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	if s.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// AuthConfig holds the static label -> key table. APIKey is shorthand for a
// single key under the label "default". Values beginning with "$2" are
// bcrypt digests.
type AuthConfig struct {
	APIKey  string            `yaml:"api_key"`
	APIKeys map[string]string `yaml:"api_keys"`
}

// Keys returns the merged label -> key table.
func (a AuthConfig) Keys() map[string]string {
	keys := make(map[string]string, len(a.APIKeys)+1)
	for label, key := range a.APIKeys {
		keys[label] = key
	}
	if a.APIKey != "" {
		keys["default"] = a.APIKey
	}
	return keys
}

type ProviderConfig struct {
	Enabled      *bool             `yaml:"enabled"`
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Models       []string          `yaml:"models"`
	Timeout      int               `yaml:"timeout"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	MaxRetries   int               `yaml:"max_retries"`
}

func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProviderTimeout
	}
	return time.Duration(p.Timeout) * time.Second
}

// Providers preserves the YAML mapping order: fallback defaults to
// configuration order, so the order providers appear in the file matters.
type Providers struct {
	Order   []string
	Entries map[string]*ProviderConfig
}

func (p *Providers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("providers must be a mapping, got %s", node.Tag)
	}

	p.Entries = make(map[string]*ProviderConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var pc ProviderConfig
		if err := node.Content[i+1].Decode(&pc); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		p.Order = append(p.Order, name)
		p.Entries[name] = &pc
	}
	return nil
}

func (p Providers) Get(name string) (*ProviderConfig, bool) {
	pc, ok := p.Entries[name]
	return pc, ok
}

type RoutingConfig struct {
	DefaultStrategy string                       `yaml:"default_strategy"`
	FallbackChain   []string                     `yaml:"fallback_chain"`
	ModelAliases    map[string]map[string]string `yaml:"model_aliases"`
}

type CacheConfig struct {
	Enabled bool              `yaml:"enabled"`
	Backend string            `yaml:"backend"`
	Memory  MemoryCacheConfig `yaml:"memory"`
	Redis   RedisCacheConfig  `yaml:"redis"`
}

type MemoryCacheConfig struct {
	MaxItems int `yaml:"max_items"`
	TTL      int `yaml:"ttl"`
}

type RedisCacheConfig struct {
	URL       string `yaml:"url"`
	TTL       int    `yaml:"ttl"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (c CacheConfig) TTL() time.Duration {
	ttl := c.Memory.TTL
	if c.Backend == "redis" {
		ttl = c.Redis.TTL
	}
	if ttl <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(ttl) * time.Second
}

type ResponseStoreConfig struct {
	MaxItems int `yaml:"max_items"`
	TTL      int `yaml:"ttl"`
}

func (r ResponseStoreConfig) TTLDuration() time.Duration {
	if r.TTL <= 0 {
		return DefaultStoreTTL
	}
	return time.Duration(r.TTL) * time.Second
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type UsageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	QueueURL    string `yaml:"queue_url"`
	Region      string `yaml:"region"`
}

type NotificationConfig struct {
	Region   string `yaml:"region"`
	TopicArn string `yaml:"topic_arn"`
}

type SecretsConfig struct {
	Region string `yaml:"region"`
}

// Load reads, interpolates, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	interpolated := Interpolate(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Interpolate expands ${VAR} and ${VAR:-default} references against the
// process environment. An unset variable without a default expands to the
// empty string.
func Interpolate(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[3]
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Routing.DefaultStrategy == "" {
		c.Routing.DefaultStrategy = DefaultStrategy
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Memory.MaxItems <= 0 {
		c.Cache.Memory.MaxItems = DefaultCacheMaxItems
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.ResponseStore.MaxItems <= 0 {
		c.ResponseStore.MaxItems = DefaultStoreMaxItems
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Routing.DefaultStrategy {
	case "first-available", "random", "round-robin", "latency":
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Routing.DefaultStrategy)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Enabled && c.Cache.Backend == "redis" && c.Cache.Redis.URL == "" {
		return fmt.Errorf("cache.redis.url required for the redis backend")
	}

	for _, name := range c.Providers.Order {
		pc := c.Providers.Entries[name]
		if pc.Enabled != nil && !*pc.Enabled {
			continue
		}
		if pc.APIKey == "" {
			continue
		}
		if pc.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url required", name)
		}
		if !strings.HasPrefix(pc.BaseURL, "http://") && !strings.HasPrefix(pc.BaseURL, "https://") {
			return fmt.Errorf("provider %s: base_url must be an http(s) URL", name)
		}
	}

	for _, name := range c.Routing.FallbackChain {
		if _, ok := c.Providers.Get(name); !ok {
			return fmt.Errorf("routing.fallback_chain references unknown provider %q", name)
		}
	}

	return nil
}

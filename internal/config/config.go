package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the root gateway configuration.
type Config struct {
	DefaultProvider string                    `mapstructure:"default_provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	MCP             MCPConfig                 `mapstructure:"mcp"`
	Billing         BillingConfig             `mapstructure:"billing"`
	Server          ServerConfig              `mapstructure:"server"`
}

// ProviderConfig configures a single named provider. Type is optional when
// the provider name matches a built-in type.
type ProviderConfig struct {
	Type    string            `mapstructure:"type"`
	APIKey  string            `mapstructure:"api_key"`
	Model   string            `mapstructure:"model"`
	BaseURL string            `mapstructure:"base_url"` // Required for openai-compat
	Headers map[string]string `mapstructure:"headers"`  // Extra HTTP headers
}

// MCPConfig configures MCP server discovery.
type MCPConfig struct {
	ConfigPath string `mapstructure:"config_path"` // Path to mcp.json
}

// BillingConfig configures the usage ledger.
type BillingConfig struct {
	DatabasePath string  `mapstructure:"database_path"`
	InputRate    float64 `mapstructure:"input_rate"`  // Power units per 1M input tokens
	OutputRate   float64 `mapstructure:"output_rate"` // Power units per 1M output tokens
}

// ServerConfig configures the HTTP delivery layer.
type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds"`
	ToolTimeout   int    `mapstructure:"tool_timeout_secs"`
}

// ProviderType identifies a built-in provider implementation.
type ProviderType string

const (
	ProviderTypeAnthropic    ProviderType = "anthropic"
	ProviderTypeOpenAI       ProviderType = "openai"
	ProviderTypeGemini       ProviderType = "gemini"
	ProviderTypeOpenAICompat ProviderType = "openai-compat"
)

// BuiltInProviderTypes returns the provider type names that work without an
// explicit type field in config.
func BuiltInProviderTypes() []string {
	return []string{
		string(ProviderTypeAnthropic),
		string(ProviderTypeOpenAI),
		string(ProviderTypeGemini),
		string(ProviderTypeOpenAICompat),
	}
}

// InferProviderType resolves the provider type for a named provider entry.
// An explicit type always wins; otherwise the entry name itself is matched
// against the built-in types. Anything else is treated as OpenAI-compatible
// so arbitrary self-hosted servers work with just base_url and model.
func InferProviderType(name, explicitType string) ProviderType {
	if explicitType != "" {
		return ProviderType(explicitType)
	}
	switch name {
	case "anthropic":
		return ProviderTypeAnthropic
	case "openai":
		return ProviderTypeOpenAI
	case "gemini":
		return ProviderTypeGemini
	default:
		return ProviderTypeOpenAICompat
	}
}

// GetConfigDir returns the directory holding config.yaml and mcp.json,
// honoring CHATCORE_CONFIG_DIR for tests and containers.
func GetConfigDir() (string, error) {
	if dir := os.Getenv("CHATCORE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "chatcore"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	setDefaults(v, configPath)

	// Config file is optional, defaults plus env vars are enough to run
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, configPath string) {
	v.SetDefault("default_provider", "anthropic")
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("providers.openai.model", "gpt-5.2")
	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("mcp.config_path", filepath.Join(configPath, "mcp.json"))
	v.SetDefault("billing.database_path", filepath.Join(configPath, "ledger.db"))
	v.SetDefault("billing.input_rate", 3.0)
	v.SetDefault("billing.output_rate", 15.0)
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.max_tool_rounds", 8)
	v.SetDefault("server.tool_timeout_secs", 30)
}

package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vireohq/chatcore/internal/config"
)

// ParseProviderModel parses "provider:model" or just "provider" from a flag
// or request value. Model is empty when not specified.
func ParseProviderModel(s string, cfg *config.Config) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	provider := strings.TrimSpace(parts[0])
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}

	if cfg != nil {
		if _, ok := cfg.Providers[provider]; ok {
			return provider, model, nil
		}
	}

	for _, name := range config.BuiltInProviderTypes() {
		if provider == name {
			return provider, model, nil
		}
	}

	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the default provider from the config, wrapped with
// automatic retry for rate limits (429) and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	return NewProviderByName(cfg, cfg.DefaultProvider)
}

// NewProviderByName creates a named provider from the config.
func NewProviderByName(cfg *config.Config, name string) (Provider, error) {
	providerCfg, ok := cfg.Providers[name]
	if !ok {
		return nil, &ConfigError{Provider: name, Reason: "not configured"}
	}
	provider, err := createProviderFromConfig(name, &providerCfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

// createProviderFromConfig creates a provider from a ProviderConfig.
func createProviderFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	providerType := config.InferProviderType(name, cfg.Type)

	switch providerType {
	case config.ProviderTypeAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.Model)

	case config.ProviderTypeOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Model)

	case config.ProviderTypeGemini:
		return NewGeminiProvider(cfg.APIKey, cfg.Model)

	case config.ProviderTypeOpenAICompat:
		// Use provider name as display name, with first letter capitalized
		displayName := strings.ToUpper(name[:1]) + name[1:]
		return NewOpenAICompatProviderWithHeaders(cfg.BaseURL, cfg.APIKey, cfg.Model, displayName, cfg.Headers)

	default:
		return nil, &ConfigError{Provider: name, Reason: fmt.Sprintf("unknown provider type: %s", providerType)}
	}
}

// ProviderCache keeps constructed providers keyed by name so repeated turns
// reuse clients and connection pools. Entries must be invalidated when the
// underlying configuration or credentials change.
type ProviderCache struct {
	mu        sync.Mutex
	cfg       *config.Config
	providers map[string]Provider
}

func NewProviderCache(cfg *config.Config) *ProviderCache {
	return &ProviderCache{
		cfg:       cfg,
		providers: make(map[string]Provider),
	}
}

// Get returns a cached provider, constructing it on first use. An empty name
// selects the configured default provider.
func (c *ProviderCache) Get(name string) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		name = c.cfg.DefaultProvider
	}
	if provider, ok := c.providers[name]; ok {
		return provider, nil
	}

	provider, err := NewProviderByName(c.cfg, name)
	if err != nil {
		return nil, err
	}
	c.providers[name] = provider
	return provider, nil
}

// Invalidate drops a cached provider so the next Get rebuilds it.
func (c *ProviderCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		name = c.cfg.DefaultProvider
	}
	delete(c.providers, name)
}

// InvalidateAll drops every cached provider.
func (c *ProviderCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = make(map[string]Provider)
}

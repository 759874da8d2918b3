package provider

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"marketdata-api/pkg/confkit"
)

// Config describes the market data vendors available to the application and
// the per-asset-class failover ordering.
type Config struct {
	Providers map[string]*ProviderConfig `yaml:"providers"`
	// Chains maps an asset class (crypto, stock, forex, ...) to the ordered
	// list of provider names tried during backfill. Later entries are
	// fallbacks; entries whose provider could not be built (e.g. missing API
	// key) are skipped at chain-assembly time.
	Chains map[string][]string `yaml:"chains"`
}

// ProviderConfig configures a single vendor adapter.
type ProviderConfig struct {
	Type string `yaml:"type"`

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Optional marks the provider as key-gated: when its credentials are
	// absent it is silently left out instead of failing config validation.
	Optional bool `yaml:"optional"`

	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
	MaxRetries int           `yaml:"max_retries"`
}

// Builder constructs a Provider from configuration. Builders return (nil, nil)
// to signal an optional provider that cannot be enabled.
type Builder func(name string, cfg *ProviderConfig) (Provider, error)

var (
	registry   = make(map[string]Builder)
	registryMu sync.RWMutex
)

// Register registers a vendor adapter constructor under a type name.
func Register(typeName string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupBuilder(typeName string) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	builder, ok := registry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads provider configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open provider config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal provider config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, pc := range c.Providers {
		if pc == nil {
			pc = &ProviderConfig{}
			c.Providers[name] = pc
		}
		pc.expandEnv()
		if pc.TimeoutRaw != "" {
			d, err := time.ParseDuration(pc.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("provider %s: invalid timeout %q: %w", name, pc.TimeoutRaw, err)
			}
			if d <= 0 {
				return fmt.Errorf("provider %s: timeout must be positive, got %s", name, d)
			}
			pc.Timeout = d
		}
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	p.Type = strings.TrimSpace(os.ExpandEnv(p.Type))
	p.BaseURL = strings.TrimSpace(os.ExpandEnv(p.BaseURL))
	p.APIKey = strings.TrimSpace(os.ExpandEnv(p.APIKey))
	p.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.TimeoutRaw))
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("provider config: providers cannot be empty")
	}
	for name, pc := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("provider config: provider name cannot be empty")
		}
		if strings.TrimSpace(pc.Type) == "" {
			return fmt.Errorf("provider config: provider %s must specify type", name)
		}
		if _, ok := lookupBuilder(pc.Type); !ok {
			return fmt.Errorf("provider config: provider %s has unsupported type %q", name, pc.Type)
		}
	}
	for class, chain := range c.Chains {
		for _, name := range chain {
			if _, ok := c.Providers[name]; !ok {
				return fmt.Errorf("provider config: chain %s references unknown provider %q", class, name)
			}
		}
	}
	return nil
}

// BuildProviders instantiates vendor adapters according to configuration.
// Optional providers with missing credentials are left out of the result.
func (c *Config) BuildProviders() (map[string]Provider, error) {
	result := make(map[string]Provider, len(c.Providers))
	for name, pc := range c.Providers {
		builder, ok := lookupBuilder(pc.Type)
		if !ok {
			return nil, fmt.Errorf("provider %s: unsupported type %q", name, pc.Type)
		}
		p, err := builder(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		if p == nil {
			continue
		}
		result[name] = p
	}
	return result, nil
}

// ChainFor resolves the ordered provider list for an asset class, skipping
// names that did not build.
func (c *Config) ChainFor(class string, built map[string]Provider) []Provider {
	names := c.Chains[strings.ToLower(strings.TrimSpace(class))]
	chain := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := built[name]; ok {
			chain = append(chain, p)
		}
	}
	return chain
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider identifiers accepted in the model table.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLoopback  = "loopback"
)

// ModelConfig binds a public model identifier to its upstream provider,
// provider-side model name and billing rates (credits per 1K tokens).
type ModelConfig struct {
	Provider   string  `yaml:"provider"`
	ModelName  string  `yaml:"model_name"`
	InputRate  float64 `yaml:"input_rate"`
	OutputRate float64 `yaml:"output_rate"`
}

// CreditPackage is a purchasable credit bundle.
type CreditPackage struct {
	Credits  int64 `yaml:"credits"`
	PriceUSD int64 `yaml:"price_usd"`
}

// Catalog is the model rate table plus the purchasable packages, loaded
// once at startup and validated eagerly so a misconfigured model fails the
// process instead of a request.
type Catalog struct {
	Models   map[string]ModelConfig `yaml:"models"`
	Packages []CreditPackage        `yaml:"packages"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("model catalog is empty")
	}
	for id, m := range c.Models {
		switch m.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderLoopback:
		default:
			return fmt.Errorf("model %q: unknown provider %q", id, m.Provider)
		}
		if m.ModelName == "" {
			return fmt.Errorf("model %q: model_name is required", id)
		}
		if m.InputRate < 0 || m.OutputRate < 0 {
			return fmt.Errorf("model %q: rates must be non-negative", id)
		}
	}
	for i, p := range c.Packages {
		if p.Credits <= 0 || p.PriceUSD <= 0 {
			return fmt.Errorf("package %d: credits and price must be positive", i)
		}
	}
	return nil
}

// Package returns the configured package matching the requested bundle, or
// false when no such package is offered.
func (c *Catalog) Package(credits, priceUSD int64) (CreditPackage, bool) {
	for _, p := range c.Packages {
		if p.Credits == credits && p.PriceUSD == priceUSD {
			return p, true
		}
	}
	return CreditPackage{}, false
}

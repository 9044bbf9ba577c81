package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog lists the currencies each provider accepts and the exponent of
// every currency's minor unit.
type Catalog struct {
	Currencies map[string]CurrencySpec `yaml:"currencies"`
	Providers  map[string]ProviderSpec `yaml:"providers"`
}

type CurrencySpec struct {
	Exponent int32 `yaml:"exponent"`
}

type ProviderSpec struct {
	Currencies []string `yaml:"currencies"`
	Transfers  bool     `yaml:"transfers"`
}

// LoadCatalog parses the catalog at path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultCatalog
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read provider catalog: %w", err)
		}
		raw = data
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	normalized := make(map[string]CurrencySpec, len(cat.Currencies))
	for code, spec := range cat.Currencies {
		if spec.Exponent < 0 || spec.Exponent > 18 {
			return nil, fmt.Errorf("currency %s has invalid exponent %d", code, spec.Exponent)
		}
		normalized[strings.ToUpper(code)] = spec
	}
	cat.Currencies = normalized
	for name, p := range cat.Providers {
		for i, code := range p.Currencies {
			code = strings.ToUpper(code)
			if _, ok := cat.Currencies[code]; !ok {
				return nil, fmt.Errorf("provider %s lists unknown currency %s", name, code)
			}
			p.Currencies[i] = code
		}
	}
	return &cat, nil
}

// Supports reports whether provider accepts currency.
func (c *Catalog) Supports(provider, currency string) bool {
	if c == nil {
		return false
	}
	p, ok := c.Providers[provider]
	if !ok {
		return false
	}
	currency = strings.ToUpper(currency)
	for _, code := range p.Currencies {
		if code == currency {
			return true
		}
	}
	return false
}

// Exponent returns the minor unit exponent for currency.
func (c *Catalog) Exponent(currency string) (int32, bool) {
	if c == nil {
		return 0, false
	}
	spec, ok := c.Currencies[strings.ToUpper(currency)]
	return spec.Exponent, ok
}

// SupportsTransfers reports whether provider can pay out to connected accounts.
func (c *Catalog) SupportsTransfers(provider string) bool {
	if c == nil {
		return false
	}
	return c.Providers[provider].Transfers
}

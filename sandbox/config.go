package sandbox

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"storefront/commerce"
)

// Outcome scripts what the next purchase of a product does.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomePending    Outcome = "pending"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeUnverified Outcome = "unverified"
	OutcomeError      Outcome = "error"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePending, OutcomeCancelled, OutcomeUnverified, OutcomeError:
		return true
	default:
		return false
	}
}

// ParseOutcome validates a textual outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.valid() {
		return "", fmt.Errorf("sandbox: unknown outcome %q", s)
	}
	return o, nil
}

// Catalog is the sandbox product configuration file.
type Catalog struct {
	Environment string          `yaml:"environment"`
	Products    []ProductConfig `yaml:"products"`
}

// ProductConfig describes one sandbox product.
type ProductConfig struct {
	ID          string  `yaml:"id"`
	DisplayName string  `yaml:"display_name"`
	Description string  `yaml:"description"`
	Price       string  `yaml:"price"`
	Currency    string  `yaml:"currency"`
	Type        string  `yaml:"type"`
	Outcome     Outcome `yaml:"outcome"`
}

// LoadCatalog reads a catalog file from path.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("sandbox: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("sandbox: parse catalog: %w", err)
	}
	if cat.Environment == "" {
		cat.Environment = "Sandbox"
	}

	seen := make(map[string]bool, len(cat.Products))
	for i, p := range cat.Products {
		if p.ID == "" {
			return Catalog{}, fmt.Errorf("sandbox: product %d: id is required", i)
		}
		if seen[p.ID] {
			return Catalog{}, fmt.Errorf("sandbox: product %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if _, err := decimal.NewFromString(p.Price); err != nil {
			return Catalog{}, fmt.Errorf("sandbox: product %s: invalid price %q", p.ID, p.Price)
		}
		if p.Outcome == "" {
			cat.Products[i].Outcome = OutcomeSuccess
		} else if !p.Outcome.valid() {
			return Catalog{}, fmt.Errorf("sandbox: product %s: unknown outcome %q", p.ID, p.Outcome)
		}
	}
	return cat, nil
}

func (p ProductConfig) product() commerce.Product {
	productType := commerce.ProductType(p.Type)
	if productType == "" {
		productType = commerce.ProductTypeNonConsumable
	}
	return commerce.Product{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		Description:  p.Description,
		Price:        decimal.RequireFromString(p.Price),
		CurrencyCode: p.Currency,
		Type:         productType,
	}
}

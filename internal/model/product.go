package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Product is the current snapshot of one retailer's item, unique on
// (SKU, Source).
type Product struct {
	SKU                  string              `json:"sku"`
	Source               string              `json:"source"`
	Name                 string              `json:"name"`
	URL                  string              `json:"url"`
	CurrentPrice         decimal.NullDecimal `json:"current_price"`
	Currency             string              `json:"currency"`
	Available            bool                `json:"available"`
	LastSeenAt           time.Time           `json:"last_seen_at"`
	ConsecutiveMissCount int                 `json:"consecutive_miss_count"`
}

// Priced reports whether the snapshot carries a price and is purchasable.
func (p *Product) Priced() bool {
	return p.Available && p.CurrentPrice.Valid
}

// ProductRecord is the normalized output of a retailer scraper for one page.
type ProductRecord struct {
	SKU       string              `json:"sku"`
	Source    string              `json:"source"`
	Name      string              `json:"name"`
	URL       string              `json:"url"`
	Price     decimal.NullDecimal `json:"price"`
	Currency  string              `json:"currency"`
	Available bool                `json:"available"`
}

// HasPrice reports whether the record carries a purchasable price.
func (r *ProductRecord) HasPrice() bool {
	return r.Available && r.Price.Valid
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code. An empty code
// falls back to def.
func NormalizeCurrency(code, def string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = strings.ToUpper(def)
	}
	if code == "" {
		return "", eris.New("model: currency is required")
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", eris.Wrapf(err, "model: invalid currency %q", code)
	}
	return unit.String(), nil
}

package retailer

import (
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

var defaultJSONPaths = map[string]string{
	"sku":          "sku",
	"name":         "name",
	"url":          "url",
	"price":        "price",
	"currency":     "currency",
	"availability": "available",
}

// JSONAPIScraper reads a JSON product endpoint with gjson paths.
type JSONAPIScraper struct {
	base
	paths map[string]string
}

func newJSONAPIScraper(b base) *JSONAPIScraper {
	paths := make(map[string]string, len(defaultJSONPaths))
	for k, v := range defaultJSONPaths {
		paths[k] = v
	}
	for k, v := range b.cfg.Fields {
		if v != "" {
			paths[k] = v
		}
	}
	return &JSONAPIScraper{base: b, paths: paths}
}

// ParseProduct implements Scraper.
func (s *JSONAPIScraper) ParseProduct(page *Page) (*model.ProductRecord, error) {
	if !gjson.ValidBytes(page.Body) {
		return nil, resilience.NewParseError("json", page.URL, eris.New("invalid JSON payload"))
	}
	doc := gjson.ParseBytes(page.Body)

	x := extracted{
		sku:      resultText(doc.Get(s.paths["sku"])),
		name:     resultText(doc.Get(s.paths["name"])),
		url:      resultText(doc.Get(s.paths["url"])),
		price:    resultText(doc.Get(s.paths["price"])),
		currency: resultText(doc.Get(s.paths["currency"])),
	}
	switch avail := doc.Get(s.paths["availability"]); avail.Type {
	case gjson.True, gjson.False:
		x.availableSet = true
		x.available = avail.Bool()
	default:
		x.availability = resultText(avail)
	}
	return s.record(page, x)
}

package retailer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// JSONLDScraper reads the schema.org Product embedded as JSON-LD.
type JSONLDScraper struct {
	base
}

// ParseProduct implements Scraper.
func (s *JSONLDScraper) ParseProduct(page *Page) (*model.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, resilience.NewParseError("html", page.URL, err)
	}

	var (
		product gjson.Result
		found   bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := strings.TrimSpace(sel.Text())
		if !gjson.Valid(raw) {
			return true
		}
		product, found = findProduct(gjson.Parse(raw))
		return !found
	})
	if !found {
		return nil, resilience.NewParseError("jsonld", page.URL, eris.New("no schema.org Product found"))
	}

	x := extracted{
		sku:  firstText(product, "sku", "productID", "mpn"),
		name: firstText(product, "name"),
		url:  firstText(product, "url"),
	}

	offer := firstOffer(product.Get("offers"))
	if offer.Exists() {
		x.price = firstText(offer, "price", "lowPrice", "priceSpecification.price")
		x.currency = firstText(offer, "priceCurrency", "priceSpecification.priceCurrency")
		x.availability = firstText(offer, "availability")
	}
	if x.url == "" && offer.Exists() {
		x.url = firstText(offer, "url")
	}
	return s.record(page, x)
}

// findProduct walks a JSON-LD document for the first Product node.
func findProduct(r gjson.Result) (gjson.Result, bool) {
	switch {
	case r.IsArray():
		for _, item := range r.Array() {
			if p, ok := findProduct(item); ok {
				return p, true
			}
		}
	case r.IsObject():
		if isProductType(member(r, "@type")) {
			return r, true
		}
		for _, key := range []string{"@graph", "mainEntity", "itemListElement"} {
			if p, ok := findProduct(member(r, key)); ok {
				return p, true
			}
		}
	}
	return gjson.Result{}, false
}

func isProductType(t gjson.Result) bool {
	for _, v := range t.Array() {
		s := v.String()
		if s == "Product" || s == "ProductGroup" || strings.HasSuffix(s, "/Product") || s == "schema:Product" {
			return true
		}
	}
	return false
}

// firstOffer returns the first concrete offer. AggregateOffer nodes without
// a price fall through to their nested offers.
func firstOffer(offers gjson.Result) gjson.Result {
	if offers.IsArray() {
		for _, o := range offers.Array() {
			if got := firstOffer(o); got.Exists() {
				return got
			}
		}
		return gjson.Result{}
	}
	if !offers.IsObject() {
		return gjson.Result{}
	}
	if !offers.Get("price").Exists() && !offers.Get("lowPrice").Exists() {
		if nested := firstOffer(offers.Get("offers")); nested.Exists() {
			return nested
		}
	}
	return offers
}

// member looks up a key literally. JSON-LD keys start with '@', which gjson
// paths treat as modifiers.
func member(obj gjson.Result, key string) gjson.Result {
	var out gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			out = v
			return false
		}
		return true
	})
	return out
}

// firstText returns the first non-empty value among paths. Numbers keep
// their literal form so prices are not rounded through float64.
func firstText(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := resultText(r.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

func resultText(v gjson.Result) string {
	switch {
	case v.Type == gjson.Number:
		return v.Raw
	case v.IsArray():
		for _, item := range v.Array() {
			if s := resultText(item); s != "" {
				return s
			}
		}
		return ""
	case v.IsObject():
		if id := member(v, "@id"); id.Exists() {
			return id.String()
		}
		return ""
	default:
		return strings.TrimSpace(v.String())
	}
}

package retailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/resilience"
)

func patternConfig() config.RetailerConfig {
	return config.RetailerConfig{
		Kind: config.KindPattern,
		Fields: map[string]string{
			"sku":          `Item #:\s*(?P<value>[A-Z0-9-]+)`,
			"price":        `class="price">([^<]+)<`,
			"availability": `<b>(In stock|Out of stock)</b>`,
		},
	}
}

func TestPattern_ParseProduct(t *testing.T) {
	s := newTestScraper(t, patternConfig(), nil)

	rec, err := s.ParseProduct(page("https://shop.test/item.php?id=5", `<html><head><title> Garden
Hose | Shop </title></head><body>
<p>Item #: GH-500</p><p class="price">$34.95</p><b>In stock</b></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "GH-500", rec.SKU)
	assert.Equal(t, "Garden Hose | Shop", rec.Name)
	assert.Equal(t, "34.95", rec.Price.Decimal.String())
	assert.Equal(t, "https://shop.test/item.php?id=5", rec.URL)
	assert.True(t, rec.Available)
}

func TestPattern_MissingPrice(t *testing.T) {
	s := newTestScraper(t, patternConfig(), nil)

	_, err := s.ParseProduct(page("https://shop.test/item.php?id=6", `<p>Item #: GH-600</p>`))
	require.Error(t, err)
	var pe *resilience.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "price", pe.Field)
}

func TestPattern_Config(t *testing.T) {
	_, err := New(config.RetailerConfig{
		Name: "shop", Kind: config.KindPattern, Currency: "USD",
		Fields: map[string]string{"sku": `(`, "price": `x`},
	}, &stubFetcher{})
	assert.ErrorContains(t, err, "invalid pattern")

	_, err = New(config.RetailerConfig{
		Name: "shop", Kind: config.KindPattern, Currency: "USD",
		Fields: map[string]string{"sku": `x`},
	}, &stubFetcher{})
	assert.ErrorContains(t, err, "requires a price pattern")
}

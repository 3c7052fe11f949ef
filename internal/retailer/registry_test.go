package retailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
)

type mockScraper struct{ name string }

func (m *mockScraper) Name() string { return m.name }
func (m *mockScraper) ListProductURLs(context.Context) ([]string, error) {
	return nil, nil
}
func (m *mockScraper) FetchProductPage(_ context.Context, url string) (*Page, error) {
	return &Page{URL: url}, nil
}
func (m *mockScraper) ParseProduct(*Page) (*model.ProductRecord, error) { return nil, nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockScraper{name: "acme"}))

	got, err := reg.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scraper")
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockScraper{name: "acme"}))
	err := reg.Register(&mockScraper{name: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Len(t, reg.All(), 1)
}

func TestRegistry_All_PreservesOrder(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"globex", "acme", "initech"} {
		require.NoError(t, reg.Register(&mockScraper{name: n}))
	}

	assert.Equal(t, []string{"globex", "acme", "initech"}, reg.Names())
	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "initech", all[2].Name())
}

func TestRegistry_Select(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"globex", "acme"} {
		require.NoError(t, reg.Register(&mockScraper{name: n}))
	}

	all, err := reg.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := reg.Select([]string{"acme"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "acme", one[0].Name())

	_, err = reg.Select([]string{"missing"})
	assert.Error(t, err)
}

package retailer

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/fetcher"
)

// maxSitemapDepth bounds sitemap index recursion.
const maxSitemapDepth = 3

// ListProductURLs enumerates product URLs with the configured strategy.
func (b *base) ListProductURLs(ctx context.Context) ([]string, error) {
	var (
		urls []string
		err  error
	)
	switch b.cfg.Listing.Strategy {
	case config.ListingSitemap:
		urls, err = b.listSitemaps(ctx)
	case config.ListingLinks:
		urls, err = b.listLinks(ctx)
	case config.ListingJSON:
		urls, err = b.listJSON(ctx)
	default:
		return nil, eris.Errorf("retailer %s: unknown listing strategy %q", b.cfg.Name, b.cfg.Listing.Strategy)
	}
	if err != nil {
		return nil, err
	}

	urls = dedupe(urls)
	b.log.Info("listed product urls",
		zap.String("strategy", b.cfg.Listing.Strategy),
		zap.Int("count", len(urls)),
	)
	return urls, nil
}

func (b *base) keep(u string) bool {
	if b.include != nil && !b.include.MatchString(u) {
		return false
	}
	return true
}

func (b *base) listSitemaps(ctx context.Context) ([]string, error) {
	var out []string
	visited := make(map[string]bool)

	var walk func(u string, depth int) error
	walk = func(u string, depth int) error {
		if visited[u] {
			return nil
		}
		visited[u] = true

		resp, err := b.fetcher.Fetch(ctx, u)
		if err != nil {
			return eris.Wrapf(err, "retailer %s: fetch sitemap %s", b.cfg.Name, u)
		}
		sm, err := fetcher.ParseSitemap(ctx, resp.Body)
		if err != nil {
			return eris.Wrapf(err, "retailer %s: parse sitemap %s", b.cfg.Name, u)
		}
		for _, page := range sm.Pages {
			if b.keep(page) {
				out = append(out, page)
			}
		}
		if depth >= maxSitemapDepth {
			if len(sm.Children) > 0 {
				b.log.Warn("sitemap index too deep, skipping children",
					zap.String("url", u),
					zap.Int("children", len(sm.Children)),
				)
			}
			return nil
		}
		for _, child := range sm.Children {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, u := range b.cfg.Listing.URLs {
		if err := walk(u, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *base) listLinks(ctx context.Context) ([]string, error) {
	var out []string
	for _, u := range b.cfg.Listing.URLs {
		resp, err := b.fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, eris.Wrapf(err, "retailer %s: fetch listing %s", b.cfg.Name, u)
		}
		pageURL := resp.URL
		if pageURL == "" {
			pageURL = u
		}
		host := hostOf(pageURL)

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, eris.Wrapf(err, "retailer %s: parse listing %s", b.cfg.Name, u)
		}
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href := strings.TrimSpace(sel.AttrOr("href", ""))
			if href == "" || strings.HasPrefix(href, "#") ||
				strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
				return
			}
			abs, err := resolveURL(pageURL, href)
			if err != nil || hostOf(abs) != host {
				return
			}
			if b.exclude.IsExcluded(abs) || !b.keep(abs) {
				return
			}
			out = append(out, abs)
		})
	}
	return out, nil
}

func (b *base) listJSON(ctx context.Context) ([]string, error) {
	var out []string
	for _, u := range b.cfg.Listing.URLs {
		resp, err := b.fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, eris.Wrapf(err, "retailer %s: fetch listing %s", b.cfg.Name, u)
		}
		if !gjson.ValidBytes(resp.Body) {
			return nil, eris.Errorf("retailer %s: listing %s is not valid JSON", b.cfg.Name, u)
		}
		pageURL := resp.URL
		if pageURL == "" {
			pageURL = u
		}
		result := gjson.GetBytes(resp.Body, b.cfg.Listing.Path)
		if !result.Exists() {
			return nil, eris.Errorf("retailer %s: listing path %q not found in %s", b.cfg.Name, b.cfg.Listing.Path, u)
		}
		for _, item := range result.Array() {
			ref := item.String()
			if ref == "" {
				continue
			}
			abs, err := resolveURL(pageURL, ref)
			if err != nil {
				b.log.Debug("skipping unparseable listing entry", zap.String("entry", ref), zap.Error(err))
				continue
			}
			if b.keep(abs) {
				out = append(out, abs)
			}
		}
	}
	return out, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

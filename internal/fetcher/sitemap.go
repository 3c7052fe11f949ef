package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// Sitemap holds the locations found in a urlset or sitemapindex document.
type Sitemap struct {
	// Pages are <url><loc> entries.
	Pages []string
	// Children are <sitemap><loc> entries of a sitemap index.
	Children []string
}

type sitemapEntry struct {
	XMLName xml.Name
	Loc     string `xml:"loc"`
}

// ParseSitemap streams a sitemap document. Gzip-compressed input is detected
// by its magic bytes. Non-UTF-8 charsets declared in the XML prolog are
// decoded through x/text.
func ParseSitemap(ctx context.Context, body []byte) (*Sitemap, error) {
	r, err := maybeGunzip(body)
	if err != nil {
		return nil, err
	}

	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "sitemap: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	sm := &Sitemap{}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			return sm, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sitemap: read token")
		}

		se, ok := tok.(xml.StartElement)
		if !ok || (se.Name.Local != "url" && se.Name.Local != "sitemap") {
			continue
		}

		var entry sitemapEntry
		if err := decoder.DecodeElement(&entry, &se); err != nil {
			return nil, eris.Wrap(err, "sitemap: decode element")
		}
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		if entry.XMLName.Local == "sitemap" {
			sm.Children = append(sm.Children, loc)
		} else {
			sm.Pages = append(sm.Pages, loc)
		}
	}
}

func maybeGunzip(body []byte) (io.Reader, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return bytes.NewReader(body), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "sitemap: gzip header")
	}
	return zr, nil
}

// Package fetcher downloads retailer pages and classifies transport and HTTP
// failures into the resilience error taxonomy.
package fetcher

import (
	"context"
	"net/http"
)

// Response is a fully read HTTP response.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher defines the interface for downloading remote pages.
type Fetcher interface {
	// Fetch performs a GET and returns the response for 2xx/3xx statuses.
	// Other statuses, anti-bot blocks and transport failures are returned as
	// typed resilience errors.
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Package store persists products, price history and scraping runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

var (
	// ErrRunInProgress is returned by StartRun when the source already has a
	// RUNNING row.
	ErrRunInProgress = eris.New("store: run already in progress")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Source string          `json:"source,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the price tracker.
type Store interface {
	// Runs
	StartRun(ctx context.Context, source string) (*model.ScrapingRun, error)
	FinishRun(ctx context.Context, run *model.ScrapingRun) error
	GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error)
	LatestRun(ctx context.Context, source string) (*model.ScrapingRun, error)
	ReapStale(ctx context.Context, startedBefore time.Time) (int, error)
	ListSources(ctx context.Context) ([]string, error)

	// Products
	GetProduct(ctx context.Context, source, sku string) (*model.Product, error)
	ListProducts(ctx context.Context, source string) ([]model.Product, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Price history
	ListHistory(ctx context.Context, source, sku string) ([]model.PriceHistoryEntry, error)
	CountChanges(ctx context.Context, source string, since time.Time) (map[model.ChangeType]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the product and history view inside one transaction. The product
// snapshot and its history entry are only ever written through a Tx.
type Tx interface {
	// GetProduct and GetProductByURL return nil without error when the
	// product is unknown.
	GetProduct(ctx context.Context, source, sku string) (*model.Product, error)
	GetProductByURL(ctx context.Context, source, url string) (*model.Product, error)
	InsertProduct(ctx context.Context, p *model.Product) error
	UpdateProduct(ctx context.Context, p *model.Product) error
	// AppendHistory inserts e and sets its ID.
	AppendHistory(ctx context.Context, e *model.PriceHistoryEntry) error
}

const defaultListLimit = 100

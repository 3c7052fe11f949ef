// Package history classifies price and availability changes and keeps the
// append-only price ledger in step with product snapshots.
package history

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/store"
)

// ErrUnknownProduct is returned by the miss methods when no product matches.
var ErrUnknownProduct = eris.New("history: unknown product")

// DefaultRemovalThreshold is the number of consecutive misses after which a
// product is recorded as removed.
const DefaultRemovalThreshold = 3

// Recorder writes product snapshots and their price history entries in one
// transaction per observation.
type Recorder struct {
	store     store.Store
	threshold int
	now       func() time.Time
	log       *zap.Logger
}

// NewRecorder creates a Recorder. A threshold below 1 uses the default.
func NewRecorder(st store.Store, removalThreshold int) *Recorder {
	if removalThreshold < 1 {
		removalThreshold = DefaultRemovalThreshold
	}
	return &Recorder{
		store:     st,
		threshold: removalThreshold,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "history")),
	}
}

// Classify decides the change a new observation represents relative to prior.
// A nil prior is a product never seen before.
func Classify(prior *model.Product, rec *model.ProductRecord) model.ChangeType {
	if prior == nil {
		return model.ChangeNew
	}
	if !rec.HasPrice() {
		return model.ChangeNone
	}
	if !prior.Priced() {
		return model.ChangeRestock
	}
	switch rec.Price.Decimal.Cmp(prior.CurrentPrice.Decimal) {
	case -1:
		return model.ChangeDecrease
	case 1:
		return model.ChangeIncrease
	default:
		return model.ChangeNone
	}
}

// Record stores one successful scrape. Stored change types append a history
// entry; no_change only refreshes the snapshot. Storage failures are
// returned as *resilience.PersistenceError.
func (r *Recorder) Record(ctx context.Context, rec *model.ProductRecord) (model.ChangeType, error) {
	if rec == nil || rec.SKU == "" || rec.Source == "" {
		return model.ChangeNone, resilience.NewPersistenceError("record", eris.New("history: record requires sku and source"))
	}

	change := model.ChangeNone
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		prior, err := tx.GetProduct(ctx, rec.Source, rec.SKU)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		change = Classify(prior, rec)

		next := snapshot(prior, rec, change, now)
		if prior == nil {
			err = tx.InsertProduct(ctx, next)
		} else {
			err = tx.UpdateProduct(ctx, next)
		}
		if err != nil {
			return err
		}

		if !change.Stored() {
			return nil
		}
		entry := &model.PriceHistoryEntry{
			SKU:        rec.SKU,
			Source:     rec.Source,
			NewPrice:   rec.Price,
			ChangeType: change,
			RecordedAt: now,
		}
		if prior != nil {
			entry.OldPrice = prior.CurrentPrice
		}
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return model.ChangeNone, resilience.NewPersistenceError("record", err)
	}

	if change.Stored() {
		r.log.Info("price change recorded",
			zap.String("source", rec.Source),
			zap.String("sku", rec.SKU),
			zap.String("change_type", string(change)),
			zap.String("price", rec.Price.Decimal.String()),
		)
	}
	return change, nil
}

// snapshot builds the product row written for an observation. A record
// without a purchasable price keeps the last known price.
func snapshot(prior *model.Product, rec *model.ProductRecord, change model.ChangeType, now time.Time) *model.Product {
	p := &model.Product{
		SKU:                  rec.SKU,
		Source:               rec.Source,
		Name:                 rec.Name,
		URL:                  rec.URL,
		CurrentPrice:         rec.Price,
		Currency:             rec.Currency,
		Available:            rec.Available,
		LastSeenAt:           now,
		ConsecutiveMissCount: 0,
	}
	if prior == nil {
		return p
	}
	if p.Name == "" {
		p.Name = prior.Name
	}
	if p.Currency == "" {
		p.Currency = prior.Currency
	}
	if change == model.ChangeNone && !rec.HasPrice() {
		p.CurrentPrice = prior.CurrentPrice
	}
	return p
}

// RecordMiss notes that the product at url was not found (404/410). Unknown
// URLs are ignored.
func (r *Recorder) RecordMiss(ctx context.Context, source, url string) (model.ChangeType, error) {
	return r.miss(ctx, "record miss", func(tx store.Tx) (*model.Product, error) {
		return tx.GetProductByURL(ctx, source, url)
	})
}

// RecordMissSKU notes that a known product was absent from the listing.
func (r *Recorder) RecordMissSKU(ctx context.Context, source, sku string) (model.ChangeType, error) {
	return r.miss(ctx, "record miss", func(tx store.Tx) (*model.Product, error) {
		return tx.GetProduct(ctx, source, sku)
	})
}

func (r *Recorder) miss(ctx context.Context, op string, lookup func(tx store.Tx) (*model.Product, error)) (model.ChangeType, error) {
	change := model.ChangeNone
	var p *model.Product
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = lookup(tx)
		if err != nil || p == nil {
			return err
		}

		p.ConsecutiveMissCount++
		seen := p.Available || p.CurrentPrice.Valid
		if p.ConsecutiveMissCount < r.threshold || !seen {
			return tx.UpdateProduct(ctx, p)
		}

		entry := &model.PriceHistoryEntry{
			SKU:        p.SKU,
			Source:     p.Source,
			OldPrice:   p.CurrentPrice,
			NewPrice:   decimal.NullDecimal{},
			ChangeType: model.ChangeRemoved,
			RecordedAt: r.now().UTC(),
		}
		p.Available = false
		p.CurrentPrice = decimal.NullDecimal{}
		if err := tx.UpdateProduct(ctx, p); err != nil {
			return err
		}
		change = model.ChangeRemoved
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return model.ChangeNone, resilience.NewPersistenceError(op, err)
	}
	if p == nil {
		return model.ChangeNone, ErrUnknownProduct
	}
	if change == model.ChangeRemoved {
		r.log.Info("product removed",
			zap.String("source", p.Source),
			zap.String("sku", p.SKU),
			zap.Int("misses", p.ConsecutiveMissCount),
		)
	}
	return change, nil
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies a price or availability transition.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
	ChangeRestock  ChangeType = "restock"
	ChangeRemoved  ChangeType = "removed"
	// ChangeNone is returned for observability only and is never stored.
	ChangeNone ChangeType = "no_change"
)

// Stored reports whether entries of this type are written to price history.
func (c ChangeType) Stored() bool {
	switch c {
	case ChangeNew, ChangeIncrease, ChangeDecrease, ChangeRestock, ChangeRemoved:
		return true
	default:
		return false
	}
}

// PriceHistoryEntry is an immutable, append-only price ledger row.
type PriceHistoryEntry struct {
	ID         int64               `json:"id"`
	SKU        string              `json:"sku"`
	Source     string              `json:"source"`
	OldPrice   decimal.NullDecimal `json:"old_price"`
	NewPrice   decimal.NullDecimal `json:"new_price"`
	ChangeType ChangeType          `json:"change_type"`
	RecordedAt time.Time           `json:"recorded_at"`
}

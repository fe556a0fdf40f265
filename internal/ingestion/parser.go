package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
)

// PriceUpdate is one oracle observation: the USD price of a mint's base
// unit at PriceScale fixed point.
type PriceUpdate struct {
	Mint      string
	Price     uint64
	Timestamp time.Time
}

// Wire format for tuna.prices.{mint} messages. Field names use snake_case
// to match the upstream oracle relays.
type priceUpdateJSON struct {
	Mint        string `json:"mint"`
	Price       uint64 `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate validates and converts a raw price message.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.Mint == "" {
		return PriceUpdate{}, fmt.Errorf("parse price update: empty mint")
	}
	if j.Price == 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: zero price for %s", j.Mint)
	}
	if j.TimestampUs <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: missing timestamp for %s", j.Mint)
	}
	return PriceUpdate{
		Mint:      j.Mint,
		Price:     j.Price,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

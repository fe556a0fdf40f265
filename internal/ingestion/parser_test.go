package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"TunaEngine/internal/ingestion"
)

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePriceUpdate(t *testing.T) {
	data := encode(t, map[string]interface{}{
		"mint":         "mint-sol",
		"price":        uint64(150_000_000_000),
		"timestamp_us": int64(1_700_000_000_000_000),
	})

	upd, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if upd.Mint != "mint-sol" {
		t.Errorf("mint: got %s, want mint-sol", upd.Mint)
	}
	if upd.Price != 150_000_000_000 {
		t.Errorf("price: got %d, want 150_000_000_000", upd.Price)
	}
	if !upd.Timestamp.Equal(time.UnixMicro(1_700_000_000_000_000)) {
		t.Errorf("timestamp: got %v", upd.Timestamp)
	}
}

func TestParsePriceUpdateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"malformed json", []byte("{not json")},
		{"empty mint", encode(t, map[string]interface{}{"mint": "", "price": uint64(1), "timestamp_us": int64(1)})},
		{"zero price", encode(t, map[string]interface{}{"mint": "m", "price": uint64(0), "timestamp_us": int64(1)})},
		{"missing timestamp", encode(t, map[string]interface{}{"mint": "m", "price": uint64(1)})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParsePriceUpdate(tc.data); err == nil {
				t.Errorf("expected parse error")
			}
		})
	}
}

func TestCachedOracleServesLatest(t *testing.T) {
	o := ingestion.NewCachedOracle(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return now })

	o.Put("mint-a", 100, now.Add(-time.Second))
	o.Put("mint-a", 200, now)

	p, err := o.Price("mint-a")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if p != 200 {
		t.Errorf("price: got %d, want 200", p)
	}
}

func TestCachedOracleIgnoresOlderObservations(t *testing.T) {
	o := ingestion.NewCachedOracle(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return now })

	o.Put("mint-a", 200, now)
	o.Put("mint-a", 100, now.Add(-time.Second)) // redelivery, must not roll back

	p, err := o.Price("mint-a")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if p != 200 {
		t.Errorf("price: got %d, want 200", p)
	}
}

func TestCachedOracleStaleness(t *testing.T) {
	o := ingestion.NewCachedOracle(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return now })

	o.Put("mint-a", 100, now.Add(-2*time.Minute))

	if _, err := o.Price("mint-a"); !errors.Is(err, ingestion.ErrPriceStale) {
		t.Errorf("expected ErrPriceStale, got %v", err)
	}
	if _, err := o.Price("mint-b"); !errors.Is(err, ingestion.ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

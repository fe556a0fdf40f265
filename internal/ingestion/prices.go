package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TunaEngine/internal/observability"
)

var (
	ErrNoPrice    = errors.New("ingestion: no price for mint")
	ErrPriceStale = errors.New("ingestion: price is stale")
)

type pricePoint struct {
	price uint64
	at    time.Time
}

// CachedOracle serves the latest streamed price per mint. It satisfies the
// engine's PriceOracle interface and rejects reads whose newest update is
// older than maxAge, so a dead feed halts new risk instead of pricing it
// with a frozen quote.
type CachedOracle struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
	maxAge time.Duration
	clock  func() time.Time
}

func NewCachedOracle(maxAge time.Duration) *CachedOracle {
	return &CachedOracle{
		prices: make(map[string]pricePoint),
		maxAge: maxAge,
		clock:  time.Now,
	}
}

// SetClock overrides the staleness clock for tests.
func (o *CachedOracle) SetClock(clock func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = clock
}

// Put stores a price observation; older-than-cached observations are
// ignored so redeliveries cannot roll the quote back.
func (o *CachedOracle) Put(mint string, price uint64, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.prices[mint]; ok && at.Before(cur.at) {
		return
	}
	o.prices[mint] = pricePoint{price: price, at: at}
}

// Price returns the cached USD price for a mint (PriceScale fixed point).
func (o *CachedOracle) Price(mint string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[mint]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, mint)
	}
	if o.maxAge > 0 && o.clock().Sub(p.at) > o.maxAge {
		return 0, fmt.Errorf("%w: %s (age %s)", ErrPriceStale, mint, o.clock().Sub(p.at))
	}
	return p.price, nil
}

// PriceFeed consumes oracle price updates from JetStream and keeps the
// cached oracle current. Subjects follow tuna.prices.{mint}.
type PriceFeed struct {
	js       jetstream.JetStream
	oracle   *CachedOracle
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewPriceFeed(js jetstream.JetStream, oracle *CachedOracle, log zerolog.Logger, metrics *observability.Metrics) *PriceFeed {
	return &PriceFeed{
		js:      js,
		oracle:  oracle,
		log:     log,
		metrics: metrics,
	}
}

// Subscribe creates a durable consumer on the prices stream and starts
// feeding the cache. Malformed messages are acked and logged; they would
// never become valid on redelivery.
func (pf *PriceFeed) Subscribe(ctx context.Context) error {
	consumer, err := pf.js.CreateOrUpdateConsumer(ctx, "TUNA_PRICES", jetstream.ConsumerConfig{
		Durable:       "tuna-prices",
		FilterSubject: "tuna.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create prices consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		upd, err := ParsePriceUpdate(msg.Data())
		if err != nil {
			pf.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("bad price update")
			msg.Ack()
			return
		}
		pf.oracle.Put(upd.Mint, upd.Price, upd.Timestamp)
		if pf.metrics != nil {
			pf.metrics.PricesReceived.WithLabelValues(upd.Mint).Inc()
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	pf.consumer = cc
	pf.log.Info().Msg("subscribed to tuna.prices.>")
	return nil
}

// Stop halts the consumer.
func (pf *PriceFeed) Stop() {
	if pf.consumer != nil {
		pf.consumer.Stop()
	}
}

// EnsurePriceStream creates the inbound prices stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "TUNA_PRICES",
		Subjects:  []string{"tuna.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create prices stream: %w", err)
	}
	return nil
}

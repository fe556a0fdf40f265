package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TunaEngine/internal/event"
	"TunaEngine/internal/observability"
)

// Publisher forwards engine events to NATS JetStream for downstream
// consumers (indexers, notification services, keeper bots watching for
// liquidatable positions).
//
// Subjects follow the pattern tuna.events.{event_type}.{pool}; vault-only
// events omit the pool token.
type Publisher struct {
	js      jetstream.JetStream
	ch      chan *event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, buffer int, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		ch:      make(chan *event.Envelope, buffer),
		log:     log,
		metrics: metrics,
	}
}

// Sink returns the function to hand to the engine as its event sink. The
// send never blocks: engine operations hold the engine lock while emitting,
// so a slow NATS connection must not stall them. Overflow is dropped and
// counted; the event log in Postgres remains the durable record.
func (p *Publisher) Sink() func(*event.Envelope) {
	return func(env *event.Envelope) {
		select {
		case p.ch <- env:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
			p.log.Warn().Int64("sequence", env.Sequence).Str("event_type", env.TypeName).Msg("publish channel full, event dropped")
		}
	}
}

// Run drains the channel and publishes until the context is cancelled or
// Close is called.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.ch:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: consumers can replay from the event log.
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Close stops accepting events; Run returns after the channel drains.
func (p *Publisher) Close() {
	close(p.ch)
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("tuna.events.%s", env.TypeName)
	if env.Pool != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.Pool)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.PublishedEvents.WithLabelValues(env.TypeName).Inc()
	}
	return nil
}

// EnsureEventStream creates the outbound events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "TUNA_EVENTS",
		Subjects:  []string{"tuna.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

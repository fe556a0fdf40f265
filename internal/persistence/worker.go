package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"TunaEngine/internal/event"
	"TunaEngine/internal/observability"
)

// Worker drains the event channel and batch-writes to Postgres. Sends into
// the channel block, so if the worker falls behind the engine stalls rather
// than losing events; the event log is the durable record downstream
// consumers replay from.
type Worker struct {
	writer       *EventLogWriter
	db           *sql.DB
	input        chan *event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(db *sql.DB, batchSize int, flushTimeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		db:           db,
		input:        make(chan *event.Envelope, batchSize*2),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Sink returns the function to hand to the engine as its event sink.
func (w *Worker) Sink() func(*event.Envelope) {
	return func(env *event.Envelope) {
		w.input <- env
	}
}

// Close stops accepting events; Run flushes the remainder and returns.
func (w *Worker) Close() {
	close(w.input)
}

// Run batches incoming events and flushes when the batch is full or the
// flush timeout expires. Blocks until the channel is closed or the context
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := RowFromEnvelope(env)
			if err != nil {
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("marshal").Inc()
				}
				w.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("unmarshalable event dropped")
				continue
			}
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled; on cancellation it attempts one final write
// so the batch is not lost on graceful shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, batch []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []EventRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}
	return nil
}

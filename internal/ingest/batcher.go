// Package ingest consumes the durable event stream, deduplicates and
// enriches events, and batches them into the store while fanning them out to
// the correlator.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
)

// Flush triggers. A full buffer flushes immediately; otherwise the ticker
// drains whatever accumulated in the last interval.
const (
	FlushBatchSize = 500
	FlushInterval  = time.Second
)

// EventStore persists event batches.
type EventStore interface {
	InsertEventBatch(ctx context.Context, events []model.Event) error
}

// Batcher buffers events in memory and drains them to the store in one
// transactional insert per flush. A failed flush keeps the events for the
// next tick; fan-out to the correlator happens before buffering, so DB
// latency never blocks correlation.
type Batcher struct {
	store EventStore
	log   *logging.Logger
	clock clock.Clock

	mu  sync.Mutex
	buf []model.Event
}

func NewBatcher(store EventStore, log *logging.Logger, clk clock.Clock) *Batcher {
	return &Batcher{store: store, log: log, clock: clk}
}

// Add buffers one event, flushing when the buffer hits FlushBatchSize.
func (b *Batcher) Add(ctx context.Context, ev model.Event) {
	b.mu.Lock()
	b.buf = append(b.buf, ev)
	full := len(b.buf) >= FlushBatchSize
	b.mu.Unlock()

	if full {
		if err := b.Flush(ctx); err != nil {
			b.log.Warn("event batch flush failed, retaining buffer", "error", err)
		}
	}
}

// Pending reports how many events are waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush drains the buffer into the store. On failure the drained events are
// put back in front of anything buffered meanwhile, preserving order.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	start := b.clock.Now()
	if err := b.store.InsertEventBatch(ctx, batch); err != nil {
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		b.mu.Unlock()
		return err
	}
	metrics.IngestFlushDuration.Observe(b.clock.Since(start).Seconds())
	metrics.IngestBatchSize.Observe(float64(len(batch)))
	return nil
}

// Run flushes on every interval tick until ctx is cancelled, then performs a
// final drain so shutdown does not lose buffered events.
func (b *Batcher) Run(ctx context.Context) {
	for {
		select {
		case <-b.clock.After(FlushInterval):
			if err := b.Flush(ctx); err != nil {
				b.log.Warn("event batch flush failed, retaining buffer", "error", err)
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.Flush(drainCtx); err != nil {
				b.log.Error("final event batch flush failed", "error", err, "pending", b.Pending())
			}
			return
		}
	}
}

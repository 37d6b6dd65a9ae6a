package sentinel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

// flushInterval is how often the emitter tries to drain the outbox while
// anything is buffered.
const flushInterval = 5 * time.Second

// Publisher is the bus surface the emitter needs.
type Publisher interface {
	PublishEvent(subject string, data []byte) error
	IsConnected() bool
}

// spillRecord preserves the subject alongside the encoded event while it
// waits in the outbox.
type spillRecord struct {
	Subject string `json:"subject"`
	Payload []byte `json:"payload"`
}

// Emitter publishes events on the durable stream, spilling to the outbox
// when the bus is down and replaying in order once it returns.
type Emitter struct {
	bus    Publisher
	outbox *Outbox
	log    *logging.Logger
	clock  clock.Clock
}

func NewEmitter(b Publisher, ob *Outbox, log *logging.Logger, clk clock.Clock) *Emitter {
	return &Emitter{bus: b, outbox: ob, log: log, clock: clk}
}

// Emit publishes one event, buffering it when the bus cannot take it. Emit
// never fails; a full outbox dropping its oldest entry is the only loss
// mode.
func (e *Emitter) Emit(subject string, ev model.Event) {
	data := wire.EncodeEvent(ev)
	if e.bus.IsConnected() {
		err := e.bus.PublishEvent(subject, data)
		if err == nil {
			return
		}
		e.log.Warn("event publish failed, buffering", "subject", subject, "error", err)
	}
	e.spill(subject, data)
}

func (e *Emitter) spill(subject string, data []byte) {
	rec, err := json.Marshal(spillRecord{Subject: subject, Payload: data})
	if err != nil {
		return
	}
	if err := e.outbox.Append(rec); err != nil {
		e.log.Error("spill event to outbox", "subject", subject, "error", err)
		return
	}
	if n, err := e.outbox.Len(); err == nil {
		e.log.Warn("bus unavailable, event buffered", "subject", subject, "outbox_depth", n)
	}
}

// Run drains the outbox whenever the bus is reachable, then makes one final
// flush attempt at shutdown so a clean stop loses nothing it could deliver.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.Flush()
			return ctx.Err()
		case <-e.clock.After(flushInterval):
			e.Flush()
		}
	}
}

// Flush replays buffered events in order until the outbox empties or the
// bus refuses one.
func (e *Emitter) Flush() {
	if !e.bus.IsConnected() {
		return
	}
	n, err := e.outbox.Drain(func(payload []byte) error {
		var rec spillRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			// Corrupt record: dropping it beats wedging the queue.
			e.log.Error("discarding corrupt outbox record", "error", err)
			return nil
		}
		return e.bus.PublishEvent(rec.Subject, rec.Payload)
	})
	if n > 0 {
		e.log.Info("flushed buffered events", "count", n)
	}
	if err != nil {
		e.log.Warn("outbox drain interrupted", "error", err)
	}
}

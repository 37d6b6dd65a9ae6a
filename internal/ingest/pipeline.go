package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/intel"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

const (
	// dedupTTL bounds the window in which a resent event is dropped.
	dedupTTL = 60 * time.Second

	// fetchBatch is how many stream messages one worker pulls per round.
	fetchBatch = 64

	// nilUUID stands in for a malformed sentinel id so the row persists.
	nilUUID = "00000000-0000-0000-0000-000000000000"
)

// errUndecodable marks a message no amount of redelivery will fix.
var errUndecodable = errors.New("undecodable event")

// Deduper is the fingerprint-cache surface the pipeline needs.
type Deduper interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// IntelLookup resolves candidate indicators against the IOC cache.
type IntelLookup interface {
	Lookup(ctx context.Context, iocType, value string) (*intel.IOC, error)
}

// Publisher fans accepted events out to the correlator.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Stream provides the durable pull consumer.
type Stream interface {
	PullSubscribe(subject, durable string) (*nats.Subscription, error)
}

// iocFields are the raw_data keys scanned for indicator candidates.
var iocFields = []struct {
	field string
	typ   string
}{
	{"source_ip", intel.TypeIP},
	{"destination_ip", intel.TypeIP},
	{"domain", intel.TypeDomain},
	{"url", intel.TypeURL},
	{"file_hash", intel.TypeHash},
}

// Pipeline is the ingest stage between the event stream and the store.
type Pipeline struct {
	stream  Stream
	dedup   Deduper
	intel   IntelLookup
	out     Publisher
	batch   *Batcher
	log     *logging.Logger
	clock   clock.Clock
	workers int
}

func New(stream Stream, dedup Deduper, lookup IntelLookup, out Publisher, batch *Batcher, log *logging.Logger, clk clock.Clock, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		stream:  stream,
		dedup:   dedup,
		intel:   lookup,
		out:     out,
		batch:   batch,
		log:     log,
		clock:   clk,
		workers: workers,
	}
}

// Run binds the durable consumer and processes messages until ctx is
// cancelled. Workers share the durable, so the stream partitions messages
// between them.
func (p *Pipeline) Run(ctx context.Context) error {
	sub, err := p.stream.PullSubscribe(bus.SubjectEventsAll, bus.DurableIngest)
	if err != nil {
		return fmt.Errorf("bind ingest consumer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.batch.Run(ctx)
	}()
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, sub)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Pipeline) worker(ctx context.Context, id int, sub *nats.Subscription) {
	for {
		msgs, err := sub.Fetch(fetchBatch, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			p.log.Warn("event fetch failed", "worker", id, "error", err)
			if clock.Sleep(ctx, p.clock, time.Second) != nil {
				return
			}
			continue
		}
		for _, msg := range msgs {
			switch err := p.handle(ctx, msg.Data); {
			case errors.Is(err, errUndecodable):
				// Poison pill: redelivery cannot help.
				msg.Term()
			case err != nil:
				msg.Nak()
			default:
				msg.Ack()
			}
		}
	}
}

// handle runs one message through decode, repair, dedup, enrichment,
// buffering, and fan-out. A nil return means the message is done (accepted
// or dropped as a duplicate).
func (p *Pipeline) handle(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev, err := wire.DecodeEvent(data)
	if err != nil {
		metrics.EventsUndecodable.Inc()
		p.log.Warn("dropping undecodable event", "error", err)
		return errUndecodable
	}
	p.repair(&ev)

	dup, err := p.isDuplicate(ctx, ev)
	if err != nil {
		// Fail open: a dead cache may let duplicates through but must not
		// stall ingest.
		p.log.Warn("dedup cache unavailable, accepting event", "error", err)
	} else if dup {
		metrics.EventsDeduplicated.Inc()
		return nil
	}

	p.enrich(ctx, &ev)

	p.batch.Add(ctx, ev)
	if err := p.out.Publish(bus.SubjectInternalEvents, wire.EncodeEvent(ev)); err != nil {
		p.log.Warn("event fan-out failed", "event_id", ev.EventID, "error", err)
	}
	metrics.EventsIngested.WithLabelValues(ev.EventClass).Inc()
	return nil
}

// repair normalizes the malleable fields. Malformed ids are replaced rather
// than dropped so the telemetry still lands.
func (p *Pipeline) repair(ev *model.Event) {
	if _, err := uuid.Parse(ev.EventID); err != nil {
		ev.EventID = uuid.NewString()
	}
	if _, err := uuid.Parse(ev.SentinelID); err != nil {
		ev.SentinelID = nilUUID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.clock.Now().UTC()
	}
	ev.Severity = model.ParseSeverity(string(ev.Severity))
	if ev.RawData == nil {
		ev.RawData = map[string]any{}
	}
}

func (p *Pipeline) isDuplicate(ctx context.Context, ev model.Event) (bool, error) {
	ok, err := p.dedup.SetNX(ctx, "dedup:"+fingerprint(ev), "1", dedupTTL)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// fingerprint hashes the identity-bearing parts of an event. encoding/json
// sorts map keys, which keeps raw_data canonical across re-sends.
func fingerprint(ev model.Event) string {
	raw, err := json.Marshal(ev.RawData)
	if err != nil {
		raw = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(ev.SentinelID))
	h.Write([]byte(ev.EventClass))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// enrich looks the event's indicator-bearing fields up in the IOC cache. Any
// match promotes the event to critical so correlation and operators see it
// immediately.
func (p *Pipeline) enrich(ctx context.Context, ev *model.Event) {
	var matches []map[string]any
	for _, cand := range iocFields {
		value, ok := ev.RawData[cand.field].(string)
		if !ok || value == "" {
			continue
		}
		ioc, err := p.intel.Lookup(ctx, cand.typ, value)
		if err != nil {
			p.log.Warn("ioc lookup failed", "field", cand.field, "error", err)
			continue
		}
		if ioc == nil {
			continue
		}
		matches = append(matches, map[string]any{
			"field":      cand.field,
			"value":      ioc.Value,
			"type":       ioc.Type,
			"source":     ioc.Source,
			"confidence": ioc.Confidence,
		})
	}
	if len(matches) == 0 {
		return
	}
	if ev.Enrichments == nil {
		ev.Enrichments = map[string]any{}
	}
	ev.Enrichments["threat_intel_matches"] = matches
	ev.RawData["ioc_matched"] = true
	ev.Severity = model.SeverityCritical
	metrics.EventsIOCMatched.Inc()
}

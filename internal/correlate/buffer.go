package correlate

import (
	"sync"
	"time"

	"github.com/argus-sec/argus/internal/model"
)

// sourceBuffers holds the recent events per correlation source. Multi-stage
// rules scan it; simple rules use it only to attach event ids to alerts.
type sourceBuffers struct {
	mu       sync.Mutex
	bySource map[string][]model.Event
}

func newSourceBuffers() *sourceBuffers {
	return &sourceBuffers{bySource: map[string][]model.Event{}}
}

// add appends an event and drops everything older than cutoff for that
// source. Events arrive roughly time-ordered per source, so a single forward
// scan finds the trim point.
func (b *sourceBuffers) add(source string, ev model.Event, cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.bySource[source], ev)
	b.bySource[source] = trim(buf, cutoff)
}

// collect returns the buffered events for source that keep() accepts.
func (b *sourceBuffers) collect(source string, keep func(model.Event) bool) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Event
	for _, ev := range b.bySource[source] {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// clear forgets a source entirely. Called after a multi-stage mint so the
// same chain cannot fire twice.
func (b *sourceBuffers) clear(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySource, source)
}

// trimAll ages out idle sources that stopped sending events.
func (b *sourceBuffers) trimAll(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for source, buf := range b.bySource {
		kept := trim(buf, cutoff)
		if len(kept) == 0 {
			delete(b.bySource, source)
			continue
		}
		b.bySource[source] = kept
	}
}

func trim(buf []model.Event, cutoff time.Time) []model.Event {
	idx := 0
	for idx < len(buf) && buf[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return buf
	}
	return append(buf[:0], buf[idx:]...)
}

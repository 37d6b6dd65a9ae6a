// Package stream provides the fan-out pub/sub feed behind the dashboard SSE
// endpoint. Verdict notifications and action status reports from the bus are
// relayed into the feed; each connected dashboard client holds one
// subscription.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies what a streamed notice describes.
type Kind string

const (
	KindVerdict      Kind = "verdict"
	KindActionStatus Kind = "action_status"
	KindIncident     Kind = "incident"
	KindAgentStatus  Kind = "agent_status"
)

// Notice is a single item streamed to dashboard clients. Payload is the
// already-encoded JSON body, so relaying never re-marshals what the bus
// carried.
type Notice struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Feed is a fan-out pub/sub feed. Subscribers receive all notices published
// after they subscribe. Slow subscribers that fall behind have notices
// dropped rather than blocking publishers.
type Feed struct {
	mu   sync.RWMutex
	subs map[uint64]chan Notice
	next uint64
}

// NewFeed creates a ready-to-use Feed.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[uint64]chan Notice),
	}
}

// Publish sends a notice to all current subscribers. If a subscriber's
// buffer is full, the notice is dropped for that subscriber (non-blocking).
func (f *Feed) Publish(n Notice) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
			// Subscriber buffer full -- drop the notice rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future notices and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (f *Feed) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, subscriberBufferSize)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

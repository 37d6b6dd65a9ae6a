package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/wire"
)

// Subscriber is the bus surface the relay consumes.
type Subscriber interface {
	Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Relay mirrors verdict notifications and action status reports from the
// bus into the feed until the context is cancelled. Notifications are
// already JSON; status reports arrive in wire form and are re-encoded for
// browser consumption.
func Relay(ctx context.Context, sub Subscriber, feed *Feed, log *logging.Logger, clk clock.Clock) error {
	verdicts, err := sub.Subscribe(bus.SubjectNotifications, func(m *nats.Msg) {
		feed.Publish(Notice{
			Kind:      KindVerdict,
			Payload:   append(json.RawMessage(nil), m.Data...),
			Timestamp: clk.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	defer verdicts.Unsubscribe()

	statuses, err := sub.Subscribe(bus.SubjectActionStatus, func(m *nats.Msg) {
		st, err := wire.DecodeActionStatus(m.Data)
		if err != nil {
			log.Warn("relay: undecodable action status", "error", err)
			return
		}
		payload, err := json.Marshal(st)
		if err != nil {
			return
		}
		feed.Publish(Notice{
			Kind:      KindActionStatus,
			Payload:   payload,
			Timestamp: clk.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe action status: %w", err)
	}
	defer statuses.Unsubscribe()

	log.Info("dashboard stream relay running")
	<-ctx.Done()
	return ctx.Err()
}

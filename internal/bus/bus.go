// Package bus wraps the NATS connection shared by Core and the agents.
// Durable event ingest rides JetStream; command, heartbeat, and alert
// traffic stays on core NATS where at-least-once consumers key on ids.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/logging"
)

// reconnectWait is the delay between reconnect attempts. Reconnects never
// give up; agents outliving a Core restart is the normal case.
const reconnectWait = 2 * time.Second

// Options configures a bus connection. Cert/Key/CA enable mTLS; leave them
// empty for plain TCP in development.
type Options struct {
	URL      string
	Name     string
	CertFile string
	KeyFile  string
	CAFile   string
	Log      *logging.Logger
}

// Client is a NATS connection plus its JetStream context.
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logging.Logger
}

// Connect establishes the bus connection. With RetryOnFailedConnect the
// client comes up even while the server is still starting, so process start
// order does not matter.
func Connect(opts Options) (*Client, error) {
	log := opts.Log
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Warn("bus subscription error", "subject", sub.Subject, "error", err)
				return
			}
			log.Warn("bus error", "error", err)
		}),
	}
	if opts.CertFile != "" && opts.KeyFile != "" {
		natsOpts = append(natsOpts, nats.ClientCert(opts.CertFile, opts.KeyFile))
	}
	if opts.CAFile != "" {
		natsOpts = append(natsOpts, nats.RootCAs(opts.CAFile))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect bus %s: %w", opts.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Client{nc: nc, js: js, log: log}, nil
}

// EnsureEventStream creates the EVENTS stream if it does not exist. Safe to
// call on every Core start.
func (c *Client) EnsureEventStream() error {
	_, err := c.js.StreamInfo(StreamEvents)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %s: %w", StreamEvents, err)
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{SubjectEventsAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", StreamEvents, err)
	}
	c.log.Info("created event stream", "stream", StreamEvents)
	return nil
}

// PublishEvent publishes onto the durable event stream and waits for the
// server ack. An error means the event was not persisted; Sentinels spill to
// their outbox in that case.
func (c *Client) PublishEvent(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event %s: %w", subject, err)
	}
	return nil
}

// Publish sends a fire-and-forget message on core NATS.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PullSubscribe binds a durable pull consumer on the event stream. Multiple
// workers sharing the durable split the messages between them.
func (c *Client) PullSubscribe(subject, durable string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(subject, durable, nats.BindStream(StreamEvents))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", subject, durable, err)
	}
	return sub, nil
}

// Subscribe registers a handler for subject. The handler is wrapped so a
// panic in one message never kills the subscription.
func (c *Client) Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, c.safe(subject, h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group on subject.
func (c *Client) QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subject, queue, c.safe(subject, h))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s [%s]: %w", subject, queue, err)
	}
	return sub, nil
}

func (c *Client) safe(subject string, h nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("message handler panic", "subject", subject, "panic", r)
			}
		}()
		h(msg)
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool { return c.nc.IsConnected() }

// Flush waits for all buffered publishes to reach the server.
func (c *Client) Flush() error { return c.nc.Flush() }

// Drain unsubscribes everything, waits for in-flight handlers, then closes.
func (c *Client) Drain() error { return c.nc.Drain() }

// Close tears the connection down immediately.
func (c *Client) Close() { c.nc.Close() }

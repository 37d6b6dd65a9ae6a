package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/store"
)

// Bus is the subscription surface the registry consumes.
type Bus interface {
	Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Run wires the bus-side intake (heartbeats, node metadata) and drives the
// liveness sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	hbSub, err := r.bus.QueueSubscribe(bus.SubjectHeartbeatAll, bus.QueueAgentManager, func(msg *nats.Msg) {
		hb, err := heartbeatFromMsg(msg.Subject, msg.Data)
		if err != nil {
			r.log.Warn("dropping undecodable heartbeat", "subject", msg.Subject, "error", err)
			return
		}
		if err := r.ApplyHeartbeat(ctx, &hb); err != nil {
			r.log.Warn("apply heartbeat", "agent_id", hb.AgentID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer hbSub.Unsubscribe()

	metaSub, err := r.bus.Subscribe(bus.SubjectNodeMetadataAll, func(msg *nats.Msg) {
		id, ok := bus.ParseNodeMetadataSubject(msg.Subject)
		if !ok {
			return
		}
		var meta map[string]any
		if err := json.Unmarshal(msg.Data, &meta); err != nil {
			r.log.Warn("dropping undecodable node metadata", "agent_id", id, "error", err)
			return
		}
		if err := r.UpdateNodeMetadata(ctx, id, meta); err != nil {
			r.log.Warn("update node metadata", "agent_id", id, "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer metaSub.Unsubscribe()

	r.log.Info("agent registry running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(sweepInterval):
			r.sweep(ctx)
		}
	}
}

// sweep degrades active agents whose last heartbeat is older than the
// threshold and refreshes the fleet gauge.
func (r *Registry) sweep(ctx context.Context) {
	cutoff := r.clock.Now().Add(-staleAfter)
	n, err := r.store.MarkStaleUnhealthy(ctx, cutoff)
	if err != nil {
		r.log.Warn("liveness sweep", "error", err)
		return
	}
	if n > 0 {
		r.log.Warn("marked stale agents unhealthy", "count", n)
	}
	r.refreshGauge(ctx)
}

func (r *Registry) refreshGauge(ctx context.Context) {
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return
	}
	counts := map[[2]string]int{}
	for _, a := range agents {
		counts[[2]string{a.AgentType, a.Status}]++
	}
	metrics.AgentsByStatus.Reset()
	for k, n := range counts {
		metrics.AgentsByStatus.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}

// heartbeatFromMsg decodes a heartbeat payload, filling agent id and type
// from the subject when the body omits them. The body wins on conflict.
func heartbeatFromMsg(subject string, data []byte) (model.Heartbeat, error) {
	var hb model.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return model.Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	if agentType, agentID, ok := bus.ParseHeartbeatSubject(subject); ok {
		if hb.AgentID == "" {
			hb.AgentID = agentID
		}
		if hb.AgentType == "" {
			hb.AgentType = agentType
		}
	}
	if hb.AgentID == "" {
		return model.Heartbeat{}, fmt.Errorf("heartbeat without agent_id")
	}
	return hb, nil
}

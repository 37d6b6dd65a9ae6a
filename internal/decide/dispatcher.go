// Package decide evaluates enriched alerts into verdicts and turns
// auto-respond verdicts into dispatched striker actions. It also ingests the
// status reports strikers publish after executing.
package decide

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

// ActionStore persists dispatched action rows.
type ActionStore interface {
	InsertAction(ctx context.Context, ac *model.Action) error
}

// Publisher sends bus messages.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Auditor appends to the tamper-evident audit trail. Record swallows errors;
// dispatch paths must not fail on audit I/O.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details map[string]any)
}

// Dispatcher persists a queued action row and publishes the command to the
// strikers. The decision engine and the playbook engine both dispatch
// through it so every action leaves the same paper trail.
type Dispatcher struct {
	store ActionStore
	bus   Publisher
	audit Auditor
	log   *logging.Logger
	clock clock.Clock
}

func NewDispatcher(store ActionStore, bus Publisher, audit Auditor, log *logging.Logger, clk clock.Clock) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, audit: audit, log: log, clock: clk}
}

// Dispatch fills the action's bookkeeping fields, persists it as queued, and
// publishes it on subject. The row insert comes first: a striker status
// report for an unknown action id still upserts, but the normal order is
// row-then-command.
func (d *Dispatcher) Dispatch(ctx context.Context, ac *model.Action, subject string) error {
	if ac.ActionType == "" {
		return fmt.Errorf("action has no type")
	}
	if ac.ActionID == "" {
		ac.ActionID = uuid.NewString()
	}
	if ac.Status == "" {
		ac.Status = model.ActionQueued
	}
	if ac.InitiatedBy == "" {
		ac.InitiatedBy = "auto"
	}
	if ac.Timestamp.IsZero() {
		ac.Timestamp = d.clock.Now().UTC()
	}
	if ac.Parameters == nil {
		ac.Parameters = map[string]any{}
	}

	if err := d.store.InsertAction(ctx, ac); err != nil {
		return fmt.Errorf("persist action %s: %w", ac.ActionID, err)
	}
	if err := d.bus.Publish(subject, wire.EncodeAction(*ac)); err != nil {
		return fmt.Errorf("publish action %s on %s: %w", ac.ActionID, subject, err)
	}

	metrics.ActionsDispatched.WithLabelValues(ac.ActionType).Inc()
	d.audit.Record(ctx, ac.InitiatedBy, "action_dispatched", ac.ActionID, map[string]any{
		"action_type": ac.ActionType,
		"alert_id":    ac.AlertID,
		"incident_id": ac.IncidentID,
		"subject":     subject,
		"parameters":  ac.Parameters,
	})
	d.log.Info("action dispatched",
		"action_id", ac.ActionID,
		"action_type", ac.ActionType,
		"subject", subject,
		"initiated_by", ac.InitiatedBy,
	)
	return nil
}

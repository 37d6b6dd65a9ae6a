// Package audit maintains the tamper-evident action trail. Every row's hash
// commits to the previous row's hash, so deleting or editing any historical
// row breaks verification from that point forward.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/store"
)

// Store is the persistence surface the chain needs.
type Store interface {
	LastAuditHash(ctx context.Context) (string, error)
	InsertAuditRow(ctx context.Context, row *store.AuditRow) error
	WalkAudit(ctx context.Context, limit int, fn func(store.AuditRow) error) error
}

// Log appends to and verifies the audit chain. Appends are serialised by a
// mutex; the chain structure cannot tolerate two writers racing for the same
// previous hash.
type Log struct {
	store Store
	clock clock.Clock
	log   *logging.Logger
	mu    sync.Mutex
}

// New builds an audit log writer.
func New(st Store, clk clock.Clock, log *logging.Logger) *Log {
	return &Log{store: st, clock: clk, log: log}
}

// Append records one entry. Details must be JSON-representable primitives;
// a nil map is stored as an empty document.
func (l *Log) Append(ctx context.Context, actor, action, resource string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.store.LastAuditHash(ctx)
	if err != nil {
		return err
	}
	if details == nil {
		details = map[string]any{}
	}
	row := &store.AuditRow{
		LogID: uuid.NewString(),
		// Truncated to microseconds: TIMESTAMPTZ drops nanos, and the
		// stored hash must recompute from the read-back row.
		CreatedAt:    l.clock.Now().UTC().Truncate(time.Microsecond),
		Actor:        actor,
		Action:       action,
		Resource:     resource,
		Details:      details,
		PreviousHash: prev,
	}
	row.CurrentHash = chainHash(row)
	return l.store.InsertAuditRow(ctx, row)
}

// Record is Append for paths that must not fail on audit errors; the error
// is logged and swallowed. Response dispatch uses this: losing an audit row
// is bad, losing the containment action is worse.
func (l *Log) Record(ctx context.Context, actor, action, resource string, details map[string]any) {
	if err := l.Append(ctx, actor, action, resource, details); err != nil {
		l.log.Error("audit append failed", "action", action, "resource", resource, "error", err)
	}
}

// VerifyResult reports a chain walk.
type VerifyResult struct {
	Rows        int    `json:"rows"`
	Valid       bool   `json:"valid"`
	BrokenSeq   int64  `json:"broken_seq,omitempty"`
	BrokenLogID string `json:"broken_log_id,omitempty"`
}

var errChainBroken = errors.New("audit chain broken")

// VerifyChain walks the chain oldest-first, recomputing every hash. limit 0
// verifies the whole chain. The walk stops at the first broken link.
func (l *Log) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	res := &VerifyResult{Valid: true}
	prev := ""
	err := l.store.WalkAudit(ctx, limit, func(row store.AuditRow) error {
		res.Rows++
		if row.PreviousHash != prev || chainHash(&row) != row.CurrentHash {
			res.Valid = false
			res.BrokenSeq = row.Seq
			res.BrokenLogID = row.LogID
			return errChainBroken
		}
		prev = row.CurrentHash
		return nil
	})
	if err != nil && !errors.Is(err, errChainBroken) {
		return nil, err
	}
	return res, nil
}

// chainHash hashes the row fields in a fixed order. The details document is
// serialised with sorted keys (encoding/json map order), so the digest is
// reproducible from a scanned row.
func chainHash(row *store.AuditRow) string {
	h := sha256.New()
	io.WriteString(h, row.LogID)
	io.WriteString(h, row.CreatedAt.UTC().Format(time.RFC3339Nano))
	io.WriteString(h, row.Actor)
	io.WriteString(h, row.Action)
	io.WriteString(h, row.Resource)
	details, err := json.Marshal(row.Details)
	if err != nil {
		details = []byte("{}")
	}
	h.Write(details)
	io.WriteString(h, row.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Package intel maintains the indicator-of-compromise cache and the feed
// fetchers that fill it. Indicators live in Redis under ioc:<type>:<value>
// with a 24h TTL, so a feed that stops refreshing ages out on its own.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/argus-sec/argus/internal/cache"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/metrics"
)

// Indicator types.
const (
	TypeIP     = "ip"
	TypeDomain = "domain"
	TypeURL    = "url"
	TypeHash   = "hash"
)

// iocTTL ages indicators out a day after their last refresh.
const iocTTL = 24 * time.Hour

// IOC is one cached indicator.
type IOC struct {
	Value      string         `json:"value"`
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	AddedAt    time.Time      `json:"added_at"`
}

// Store reads and writes the indicator cache.
type Store struct {
	cache *cache.Cache
	clock clock.Clock
}

// NewStore builds an indicator store over the shared cache.
func NewStore(c *cache.Cache, clk clock.Clock) *Store {
	return &Store{cache: c, clock: clk}
}

func key(iocType, value string) string {
	return "ioc:" + iocType + ":" + value
}

// Add caches one indicator, refreshing its TTL.
func (s *Store) Add(ctx context.Context, ioc IOC) error {
	ioc.Value = strings.TrimSpace(ioc.Value)
	if ioc.Value == "" || ioc.Type == "" {
		return fmt.Errorf("indicator missing value or type")
	}
	if ioc.AddedAt.IsZero() {
		ioc.AddedAt = s.clock.Now().UTC()
	}
	data, err := json.Marshal(ioc)
	if err != nil {
		return fmt.Errorf("marshal indicator: %w", err)
	}
	return s.cache.Set(ctx, key(ioc.Type, ioc.Value), string(data), iocTTL)
}

// Lookup returns the cached indicator for (type, value), or nil on a miss.
func (s *Store) Lookup(ctx context.Context, iocType, value string) (*IOC, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	raw, ok, err := s.cache.Get(ctx, key(iocType, value))
	if err != nil || !ok {
		return nil, err
	}
	var ioc IOC
	if err := json.Unmarshal([]byte(raw), &ioc); err != nil {
		return nil, fmt.Errorf("decode indicator %s: %w", value, err)
	}
	return &ioc, nil
}

// Stats summarises the cache contents.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// Stats scans the indicator keyspace. Off the hot path; used by the API and
// to refresh the cached-indicator gauges.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.cache.ScanKeys(ctx, "ioc:*")
	if err != nil {
		return nil, err
	}
	st := &Stats{ByType: map[string]int{}}
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 3)
		if len(parts) != 3 {
			continue
		}
		st.Total++
		st.ByType[parts[1]]++
	}
	for typ, n := range st.ByType {
		metrics.IOCsCached.WithLabelValues(typ).Set(float64(n))
	}
	return st, nil
}

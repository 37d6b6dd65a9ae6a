package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
)

// Default feed endpoints. Overridable for tests.
const (
	defaultOTXURL     = "https://otx.alienvault.com/api/v1/pulses/subscribed?limit=10&page=1"
	defaultURLhausURL = "https://urlhaus.abuse.ch/downloads/json_recent/"
	defaultFeodoURL   = "https://feodotracker.abuse.ch/downloads/ipblocklist.json"
)

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// Fetcher pulls the public threat feeds into the indicator store.
type Fetcher struct {
	store  *Store
	log    *logging.Logger
	client *http.Client
	otxKey string

	otxURL     string
	urlhausURL string
	feodoURL   string
}

// NewFetcher builds a fetcher. An empty OTX key disables that feed.
func NewFetcher(store *Store, log *logging.Logger, otxKey string) *Fetcher {
	return &Fetcher{
		store:      store,
		log:        log,
		client:     &http.Client{Timeout: 30 * time.Second},
		otxKey:     otxKey,
		otxURL:     defaultOTXURL,
		urlhausURL: defaultURLhausURL,
		feodoURL:   defaultFeodoURL,
	}
}

// Run fetches all feeds once, then again on every interval tick until the
// context is cancelled.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration) {
	f.FetchAll(ctx)

	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(func() { f.FetchAll(ctx) }))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// FetchAll runs every feed. A failing feed logs and counts but does not stop
// the others.
func (f *Fetcher) FetchAll(ctx context.Context) {
	feeds := []struct {
		name  string
		fetch func(context.Context) (int, error)
	}{
		{"otx", f.fetchOTX},
		{"urlhaus", f.fetchURLhaus},
		{"feodo", f.fetchFeodo},
	}
	for _, feed := range feeds {
		n, err := feed.fetch(ctx)
		if err != nil {
			metrics.IOCFetches.WithLabelValues(feed.name, "error").Inc()
			f.log.Warn("threat feed fetch failed", "feed", feed.name, "error", err)
			continue
		}
		metrics.IOCFetches.WithLabelValues(feed.name, "ok").Inc()
		f.log.Info("threat feed fetched", "feed", feed.name, "indicators", n)
	}
	if _, err := f.store.Stats(ctx); err != nil {
		f.log.Warn("indicator stats refresh failed", "error", err)
	}
}

type otxResponse struct {
	Results []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Indicators []struct {
			Indicator string `json:"indicator"`
			Type      string `json:"type"`
		} `json:"indicators"`
	} `json:"results"`
}

// otxTypeMap translates OTX indicator types onto ours. Unmapped types are
// skipped.
var otxTypeMap = map[string]string{
	"IPv4":            TypeIP,
	"domain":          TypeDomain,
	"hostname":        TypeDomain,
	"URL":             TypeURL,
	"FileHash-MD5":    TypeHash,
	"FileHash-SHA1":   TypeHash,
	"FileHash-SHA256": TypeHash,
}

func (f *Fetcher) fetchOTX(ctx context.Context) (int, error) {
	if f.otxKey == "" {
		return 0, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.otxURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-OTX-API-KEY", f.otxKey)

	var resp otxResponse
	if err := f.do(req, &resp); err != nil {
		return 0, err
	}

	added := 0
	for _, pulse := range resp.Results {
		for _, ind := range pulse.Indicators {
			typ, ok := otxTypeMap[ind.Type]
			if !ok {
				continue
			}
			ioc := IOC{
				Value:      ind.Indicator,
				Type:       typ,
				Source:     "otx",
				Confidence: 0.85,
				Metadata:   map[string]any{"pulse_id": pulse.ID, "pulse_name": pulse.Name},
			}
			if err := f.store.Add(ctx, ioc); err != nil {
				return added, fmt.Errorf("cache otx indicator: %w", err)
			}
			added++
		}
	}
	return added, nil
}

func (f *Fetcher) fetchURLhaus(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.urlhausURL, nil)
	if err != nil {
		return 0, err
	}

	// The recent-URLs dump is an object keyed by entry id, each holding a
	// single-element list.
	var resp map[string][]struct {
		URL    string `json:"url"`
		Threat string `json:"threat"`
	}
	if err := f.do(req, &resp); err != nil {
		return 0, err
	}

	added := 0
	for _, entries := range resp {
		for _, entry := range entries {
			if entry.URL == "" {
				continue
			}
			meta := map[string]any{"threat": entry.Threat}
			if err := f.store.Add(ctx, IOC{
				Value:      entry.URL,
				Type:       TypeURL,
				Source:     "urlhaus",
				Confidence: 0.90,
				Metadata:   meta,
			}); err != nil {
				return added, fmt.Errorf("cache urlhaus url: %w", err)
			}
			added++

			host := hostOf(entry.URL)
			if host == "" {
				continue
			}
			hostType := TypeDomain
			if ipv4Pattern.MatchString(host) {
				hostType = TypeIP
			}
			if err := f.store.Add(ctx, IOC{
				Value:      host,
				Type:       hostType,
				Source:     "urlhaus",
				Confidence: 0.80,
				Metadata:   meta,
			}); err != nil {
				return added, fmt.Errorf("cache urlhaus host: %w", err)
			}
			added++
		}
	}
	return added, nil
}

func (f *Fetcher) fetchFeodo(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feodoURL, nil)
	if err != nil {
		return 0, err
	}

	var resp []struct {
		IPAddress string `json:"ip_address"`
		Port      int    `json:"port"`
		Malware   string `json:"malware"`
	}
	if err := f.do(req, &resp); err != nil {
		return 0, err
	}

	added := 0
	for _, entry := range resp {
		if entry.IPAddress == "" {
			continue
		}
		ioc := IOC{
			Value:      entry.IPAddress,
			Type:       TypeIP,
			Source:     "feodo",
			Confidence: 0.95,
			Metadata:   map[string]any{"malware": entry.Malware, "port": entry.Port},
		}
		if err := f.store.Add(ctx, ioc); err != nil {
			return added, fmt.Errorf("cache feodo indicator: %w", err)
		}
		added++
	}
	return added, nil
}

func (f *Fetcher) do(req *http.Request, out any) error {
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode feed response: %w", err)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

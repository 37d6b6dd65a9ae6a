package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/argus-sec/argus/internal/audit"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/ca"
	"github.com/argus-sec/argus/internal/cache"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/confsync"
	"github.com/argus-sec/argus/internal/correlate"
	"github.com/argus-sec/argus/internal/decide"
	"github.com/argus-sec/argus/internal/deploy"
	"github.com/argus-sec/argus/internal/ingest"
	"github.com/argus-sec/argus/internal/intel"
	"github.com/argus-sec/argus/internal/llm"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/playbook"
	"github.com/argus-sec/argus/internal/registry"
	"github.com/argus-sec/argus/internal/store"
	"github.com/argus-sec/argus/internal/stream"
	"github.com/argus-sec/argus/internal/web"
)

var version = "dev"

func main() {
	cfg := config.LoadCore()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Argus Core " + version)
	fmt.Println("=============================================")
	fmt.Printf("ARGUS_HTTP_ADDR=%s\n", cfg.HTTPAddr)
	fmt.Printf("ARGUS_NATS_URL=%s\n", cfg.NATSURL)
	fmt.Printf("ARGUS_ENV=%s\n", cfg.Environment)
	fmt.Printf("ARGUS_OLLAMA_MODEL=%s\n", cfg.OllamaModel)
	fmt.Printf("ARGUS_INGEST_WORKERS=%d\n", cfg.IngestWorkers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	clk := clock.Real{}

	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	cch := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer cch.Close()
	if err := cch.Ping(ctx); err != nil {
		// Dedup and correlation windows degrade without Redis; keep
		// starting so ingest resumes the moment it comes back.
		log.Warn("redis unreachable at startup", "error", err)
	}

	b, err := bus.Connect(bus.Options{
		URL:      cfg.NATSURL,
		Name:     "argus-core",
		CertFile: cfg.NATSCert,
		KeyFile:  cfg.NATSKey,
		CAFile:   cfg.NATSCA,
		Log:      log,
	})
	if err != nil {
		log.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer b.Close()
	if err := ensureStream(ctx, b, clk, log); err != nil {
		log.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}

	certs, err := ca.Ensure(cfg.CADir)
	if err != nil {
		log.Error("failed to initialise ca", "error", err)
		os.Exit(1)
	}

	auditLog := audit.New(st, clk, log)
	cfgSync, err := confsync.New(st, b, auditLog, cfg.MasterSecret, cfg.NATSURL, cfg.AdvertiseURL, log)
	if err != nil {
		log.Error("failed to initialise config sync", "error", err)
		os.Exit(1)
	}

	reg := registry.New(st, b, certs, cfgSync, auditLog, log, clk)
	if err := reg.LoadFromStore(ctx); err != nil {
		log.Warn("agent mirror hydration failed", "error", err)
	}

	intelStore := intel.NewStore(cch, clk)
	fetcher := intel.NewFetcher(intelStore, log, cfg.OTXAPIKey)

	batcher := ingest.NewBatcher(st, log, clk)
	pipeline := ingest.New(b, cch, intelStore, b, batcher, log, clk, cfg.IngestWorkers)
	correlator := correlate.New(b, cch, st, b, log, clk)
	enricher := llm.New(b, cch, st, log, clk, cfg.OllamaURL, cfg.OllamaModel)

	dispatcher := decide.NewDispatcher(st, b, auditLog, log, clk)
	playbooks := playbook.New(cfg.PlaybookDir, st, dispatcher, log)
	if err := playbooks.Load(); err != nil {
		log.Warn("playbook load failed", "error", err)
	}
	decider := decide.New(b, st, dispatcher, playbooks, auditLog, log, clk)

	feed := stream.NewFeed()
	deployer := deploy.New(st, newCommandDeployer(cfg.DeployCommand, log), auditLog, log)

	srv := web.NewServer(web.Dependencies{
		Registry:  reg,
		Config:    cfgSync,
		Events:    st,
		Alerts:    st,
		Actions:   st,
		Incidents: st,
		Users:     st,
		Dispatch:  dispatcher,
		Intel:     intelStore,
		LLM:       enricher,
		Deploy:    deployer,
		Audit:     auditLog,
		Feed:      feed,
		Bus:       b,
		DB:        st,
		Cache:     cch,
		JWTSecret: cfg.MasterSecret,
		Log:       log,
		Clock:     clk,
	})

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(name+" stopped", "error", err)
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		batcher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		fetcher.Run(ctx, cfg.TIFetchInterval)
	}()
	run("ingest pipeline", pipeline.Run)
	run("correlation engine", correlator.Run)
	run("llm enricher", enricher.Run)
	run("decision engine", decider.Run)
	run("agent registry", reg.Run)
	run("stream relay", func(ctx context.Context) error {
		return stream.Relay(ctx, b, feed, log, clk)
	})

	go func() {
		if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
			cancel()
		}
	}()

	log.Info("core started", "version", version, "env", cfg.Environment)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}

	wg.Wait()
	deployer.Wait()
	if err := b.Drain(); err != nil {
		log.Warn("bus drain", "error", err)
	}
}

// ensureStream retries JetStream stream creation until it succeeds or the
// process is told to stop. NATS may still be coming up when Core starts.
func ensureStream(ctx context.Context, b *bus.Client, clk clock.Clock, log *logging.Logger) error {
	delay := 2 * time.Second
	for {
		err := b.EnsureEventStream()
		if err == nil {
			return nil
		}
		log.Warn("event stream not ready", "error", err, "retry_in", delay.String())
		if err := clock.Sleep(ctx, clk, delay); err != nil {
			return err
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

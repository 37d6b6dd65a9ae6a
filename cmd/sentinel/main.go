package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/agent"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/sentinel"
)

var version = "dev"

func main() {
	cfg := config.LoadSentinel()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Argus Sentinel " + version)
	fmt.Println("=============================================")
	fmt.Printf("ARGUS_CORE_URL=%s\n", cfg.CoreAPIURL)
	fmt.Printf("ARGUS_NATS_URL=%s\n", cfg.NATSURL)
	fmt.Printf("ARGUS_AGENT_SUBTYPE=%s\n", cfg.Subtype)
	fmt.Printf("ARGUS_ZONE=%s\n", cfg.Zone)
	fmt.Printf("ARGUS_DECEPTION_ENABLED=%t\n", cfg.DeceptionEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	clk := clock.Real{}

	// Mint the durable identity up front so the decoy watcher and bus
	// have a stable agent id before the first registration completes.
	id, err := agent.LoadIdentity(cfg.DataDir)
	if err != nil {
		log.Error("failed to load identity", "error", err)
		os.Exit(1)
	}
	if id == nil {
		if id, err = agent.NewIdentity(); err != nil {
			log.Error("failed to create identity", "error", err)
			os.Exit(1)
		}
	}
	if id.AgentID == "" {
		id.AgentID = uuid.NewString()
	}
	if err := id.Save(cfg.DataDir); err != nil {
		log.Error("failed to persist identity", "error", err)
		os.Exit(1)
	}

	opts := bus.Options{URL: cfg.NATSURL, Name: "argus-sentinel-" + id.AgentID, Log: log}
	certPath, keyPath, caPath := agent.TLSPaths(cfg.DataDir)
	if len(id.CertPEM) > 0 && len(id.KeyPEM) > 0 && len(id.CAPEM) > 0 {
		opts.CertFile, opts.KeyFile, opts.CAFile = certPath, keyPath, caPath
	}
	b, err := bus.Connect(opts)
	if err != nil {
		log.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	outbox, err := sentinel.OpenOutbox(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		log.Error("failed to open outbox", "error", err)
		os.Exit(1)
	}
	defer outbox.Close()

	emitter := sentinel.NewEmitter(b, outbox, log, clk)
	go func() {
		_ = emitter.Run(ctx)
	}()

	if cfg.DeceptionEnabled {
		decoys := sentinel.NewDeception(cfg.DecoyDir, id.AgentID, emitter, log, clk)
		if err := decoys.Plant(); err != nil {
			log.Warn("decoy planting failed", "error", err)
		} else {
			go func() {
				if err := decoys.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("decoy watcher stopped", "error", err)
				}
			}()
		}
	}

	core := agent.NewClient(cfg.CoreAPIURL, clk, log)
	rt := sentinel.NewRuntime(cfg, b, core, emitter, version, log, clk)

	log.Info("sentinel starting", "version", version, "subtype", cfg.Subtype)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sentinel exited with error", "error", err)
		emitter.Flush()
		os.Exit(1)
	}
	// Final flush so a clean stop hands off everything the bus will take.
	emitter.Flush()
	if err := b.Drain(); err != nil {
		log.Warn("bus drain", "error", err)
	}
}

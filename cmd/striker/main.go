package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/agent"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/striker"
)

var version = "dev"

func main() {
	cfg := config.LoadStriker()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Argus Striker " + version)
	fmt.Println("=============================================")
	fmt.Printf("ARGUS_CORE_URL=%s\n", cfg.CoreAPIURL)
	fmt.Printf("ARGUS_NATS_URL=%s\n", cfg.NATSURL)
	fmt.Printf("ARGUS_AGENT_SUBTYPE=%s\n", cfg.Subtype)
	fmt.Printf("ARGUS_ZONE=%s\n", cfg.Zone)
	fmt.Printf("ARGUS_MAX_CONCURRENT_ACTIONS=%d\n", cfg.MaxConcurrent)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	clk := clock.Real{}

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

	opts := bus.Options{URL: cfg.NATSURL, Name: "argus-striker-" + id.AgentID, Log: log}
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

	core := agent.NewClient(cfg.CoreAPIURL, clk, log)
	acts := striker.NewActions(log, clk)
	rt := striker.NewRuntime(cfg, b, core, acts, version, log, clk)

	log.Info("striker starting", "version", version, "subtype", cfg.Subtype)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("striker exited with error", "error", err)
		os.Exit(1)
	}
	if err := b.Drain(); err != nil {
		log.Warn("bus drain", "error", err)
	}
}

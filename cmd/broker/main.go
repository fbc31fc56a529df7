package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codebroker/code-broker/internal/audit"
	"github.com/codebroker/code-broker/internal/broker"
	"github.com/codebroker/code-broker/internal/config"
	"github.com/codebroker/code-broker/internal/connpool"
	"github.com/codebroker/code-broker/internal/ratelimit"
	"github.com/codebroker/code-broker/internal/sandbox"
	"github.com/codebroker/code-broker/internal/schemacache"
	"github.com/codebroker/code-broker/internal/upstream"
)

const (
	brokerName    = "code-broker"
	brokerVersion = "0.1.0"
)

func main() {
	config.LoadEnv()

	settingsPath := os.Getenv("BROKER_SETTINGS")
	if settingsPath == "" {
		settingsPath = "broker.yaml"
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		log.Fatalf("state directory %q: %v", stateDir, err)
	}

	auditor, err := audit.NewLogger(filepath.Join(stateDir, "audit"), settings.Audit.RetentionDays)
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}
	if removed, err := auditor.Cleanup(); err != nil {
		log.Printf("[Audit] retention sweep: %v", err)
	} else if removed > 0 {
		log.Printf("[Audit] retention sweep removed %d file(s)", removed)
	}

	// Upstream pool and schema cache are the two process-wide singletons,
	// constructed here and torn down in reverse order on shutdown.
	pool := upstream.NewPool(brokerName)
	configs, err := upstream.LoadConfig(config.MCPConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[Upstream] no config at %s, running standalone", config.MCPConfigPath())
			configs = map[string]upstream.ServerConfig{}
		} else {
			log.Fatalf("upstream config: %v", err)
		}
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pool.Connect(connectCtx, configs); err != nil {
		cancelConnect()
		log.Fatalf("upstream connect: %v", err)
	}
	cancelConnect()

	cache := schemacache.New(pool, filepath.Join(stateDir, "schema-cache.json"),
		schemacache.WithTTL(settings.CacheTTL()),
		schemacache.WithMaxEntries(settings.SchemaCache.MaxEntries),
	)

	gate := connpool.New(settings.ConnPool.Max, settings.QueueTimeout())

	runnerCmd := os.Getenv("SANDBOX_RUNNER")
	if runnerCmd == "" {
		runnerCmd = "code-broker-runner"
	}
	orchestrator, err := sandbox.NewOrchestrator(sandbox.Config{
		Pool:             pool,
		Cache:            cache,
		Audit:            auditor,
		ConnPool:         gate,
		Runner:           &sandbox.SubprocessRunner{Command: runnerCmd},
		DiscoveryTimeout: settings.DiscoveryTimeout(),
		RateLimit:        toRateConfig(settings.RateLimit.Default),
		RateOverrides:    toRateOverrides(settings.RateLimit.Overrides),
	})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	log.Printf("[Broker] %s %s serving on stdio (%d upstream tool(s))",
		brokerName, brokerVersion, len(pool.ListAllTools()))
	srv := broker.NewServer(brokerName, brokerVersion, orchestrator)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Broker] serve: %v", err)
	}

	// Teardown in reverse construction order.
	gate.Drain(5 * time.Second)
	pool.Disconnect()
	_ = auditor.Log(audit.Entry{
		CorrelationID: brokerName,
		EventType:     audit.EventShutdown,
		Status:        audit.StatusSuccess,
	})
}

func toRateConfig(w config.WindowConfig) ratelimit.Config {
	return ratelimit.Config{MaxRequests: w.MaxRequests, Window: time.Duration(w.WindowSeconds) * time.Second}
}

func toRateOverrides(overrides map[string]config.WindowConfig) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(overrides))
	for endpoint, w := range overrides {
		out[endpoint] = toRateConfig(w)
	}
	return out
}

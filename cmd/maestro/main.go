package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/maestro/internal/adapter"
	"github.com/antigravity-dev/maestro/internal/agent"
	"github.com/antigravity-dev/maestro/internal/approval"
	"github.com/antigravity-dev/maestro/internal/audit"
	"github.com/antigravity-dev/maestro/internal/config"
	"github.com/antigravity-dev/maestro/internal/metrics"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/store"
	"github.com/antigravity-dev/maestro/internal/telemetry"
	"github.com/antigravity-dev/maestro/internal/temporal"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "maestro.toml", "path to config file")
	policyDir := flag.String("policy-dir", "policies", "directory of <tenant>.yaml policy documents")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("maestro: %v", err)
	}
	if strings.EqualFold(cfg.General.LogLevel, "debug") {
		stdr.SetVerbosity(1)
	}
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("maestro")
	logger.Info("starting", "version", version, "config", *configPath)

	st, err := store.Open(config.ExpandHome(cfg.General.StateDB))
	if err != nil {
		logger.Error(err, "open state db")
		os.Exit(1)
	}
	defer st.Close()

	redactor, err := audit.NewRedactor([]byte(cfg.Audit.Salt), cfg.Audit.RedactPatterns...)
	if err != nil {
		logger.Error(err, "build redactor")
		os.Exit(1)
	}

	registry := adapter.NewRegistry()
	if err := adapter.RegisterMocks(registry); err != nil {
		logger.Error(err, "register adapters")
		os.Exit(1)
	}
	// Schema-declared secret args join the redactor's unconditional key set.
	for _, id := range registry.Catalog() {
		if a, ok := registry.Get(id); ok {
			redactor.AddSecretKeys(a.SecretArgs...)
		}
	}
	registry.Freeze()

	auditLog, err := audit.Open(st.DB(), []byte(cfg.Audit.Salt), redactor)
	if err != nil {
		logger.Error(err, "open audit log")
		os.Exit(1)
	}

	policies := policy.NewStore()
	if err := loadPolicies(policies, *policyDir); err != nil {
		logger.Error(err, "load policies", "dir", *policyDir)
		os.Exit(1)
	}

	evaluator := &policy.Evaluator{
		Registry:      registry,
		DefaultAction: policy.DefaultAction(cfg.Policy.DefaultAction),
	}

	var model agent.Model
	if agent.Mode(cfg.Agents.Mode) == agent.ModeLLM {
		model = agent.NewAnthropicModel(os.Getenv("ANTHROPIC_API_KEY"), cfg.Agents.Model,
			cfg.Agents.MaxTokens, cfg.Agents.CostInputPerMtok, cfg.Agents.CostOutputPerMtok)
	}
	mode := agent.Mode(cfg.Agents.Mode)
	planner := &agent.Planner{Mode: mode, Model: model, MaxAttempts: cfg.Agents.MaxRetries, Logger: logger.WithName("planner")}
	toolcaller := &agent.Toolcaller{Mode: mode, Model: model, MaxAttempts: cfg.Agents.MaxRetries, Logger: logger.WithName("toolcaller")}
	reviewer := &agent.Reviewer{Mode: mode, Model: model, Evaluator: evaluator, MaxAttempts: cfg.Agents.MaxRetries, Logger: logger.WithName("reviewer")}

	approvals := &approval.Service{Store: st, Log: auditLog, Logger: logger.WithName("approval")}

	if cfg.Telemetry.MetricsBind != "" {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			srv := &http.Server{Addr: cfg.Telemetry.MetricsBind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(err, "metrics server", "bind", cfg.Telemetry.MetricsBind)
			}
		}()
		logger.Info("metrics listening", "bind", cfg.Telemetry.MetricsBind)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(context.Background(), cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		logger.Error(err, "init tracing")
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	acts := &temporal.Activities{
		Store:      st,
		Audit:      auditLog,
		Registry:   registry,
		Invoker:    &adapter.RegistryInvoker{Registry: registry},
		Shim:       &adapter.IntentRecorder{Registry: registry},
		Planner:    planner,
		Toolcaller: toolcaller,
		Reviewer:   reviewer,
		Approvals:  approvals,
		Logger:     logger.WithName("executor"),

		LeaseTTL:     cfg.Executor.LeaseTTL.Duration,
		DryRunForced: cfg.Policy.DryRunForced,
		Exec: temporal.ExecSettings{
			MaxAttempts:   cfg.Executor.MaxAttempts,
			BackoffBaseMs: cfg.Executor.RetryBackoffBase.Duration.Milliseconds(),
			BackoffMaxMs:  cfg.Executor.RetryMaxDelay.Duration.Milliseconds(),
			RunDeadlineMs: cfg.Executor.RunDeadline.Duration.Milliseconds(),
		},
	}

	if err := temporal.StartWorker(cfg.Temporal.HostPort, cfg.Temporal.Namespace, cfg.Temporal.TaskQueue, acts); err != nil {
		logger.Error(err, "worker stopped")
		os.Exit(1)
	}
}

// loadPolicies reads every <tenant>.yaml in dir, stores it, and activates it
// for that tenant. A missing directory is not an error; runs for tenants
// without a policy are rejected at submit.
func loadPolicies(ps *policy.Store, dir string) error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := policy.Parse(data)
		if err != nil {
			return err
		}
		tenant := strings.TrimSuffix(filepath.Base(path), ".yaml")
		if err := ps.Put(tenant, doc); err != nil {
			return err
		}
		if err := ps.Activate(tenant, doc.Name, doc.Version); err != nil {
			return err
		}
	}
	return nil
}

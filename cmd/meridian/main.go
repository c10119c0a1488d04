// Command meridian runs the query orchestration engine against the mock
// connector set and executes one free-text request from the command line:
//
//	meridian "show overdue invoices for 'Globex'"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianhq/meridian/internal/audit"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/connectors"
	"github.com/meridianhq/meridian/internal/credentials"
	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/embeddings"
	"github.com/meridianhq/meridian/internal/executor"
	"github.com/meridianhq/meridian/internal/health"
	"github.com/meridianhq/meridian/internal/intent"
	"github.com/meridianhq/meridian/internal/orchestrator"
	"github.com/meridianhq/meridian/internal/policy"
	"github.com/meridianhq/meridian/internal/resolver"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/vectordb"
	"github.com/meridianhq/meridian/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence
	dbClient, err := db.NewClient(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer dbClient.Close()
	if err := dbClient.Migrate(ctx); err != nil {
		logger.Fatal("Database migration failed", zap.Error(err))
	}

	checks := health.NewRegistry(logger)
	checks.Register("database", func(ctx context.Context) error {
		return dbClient.DB().PingContext(ctx)
	})
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port, checks, logger)
	}

	// Classification, optionally backed by the embedding stack
	rules, err := intent.LoadRules(cfg.Intent.RulesPath)
	if err != nil {
		logger.Fatal("Intent rules failed to load", zap.String("path", cfg.Intent.RulesPath), zap.Error(err))
	}
	classifierOpts := []intent.Option{intent.WithThreshold(cfg.Intent.Threshold)}

	var vdb *vectordb.Client
	var embedder *embeddings.Service
	if cfg.VectorDB.Enabled {
		var cache embeddings.Cache
		if cfg.Redis.Enabled {
			redisCache, err := embeddings.NewRedisCache(cfg.Redis.Addr, logger)
			if err != nil {
				logger.Warn("Redis cache unavailable, continuing without it", zap.Error(err))
			} else {
				cache = redisCache
			}
		}
		embedder = embeddings.NewService(cfg.Embeddings, cache, logger)
		vdb = vectordb.NewClient(cfg.VectorDB, logger)
		classifierOpts = append(classifierOpts, intent.WithEmbeddings(embedder, vdb))
	}
	classifier := intent.NewClassifier(rules, logger, classifierOpts...)

	// Entity resolution over the tenant catalog
	resolverOpts := []resolver.Option{}
	if embedder != nil && vdb != nil {
		resolverOpts = append(resolverOpts, resolver.WithSemanticSearch(embedder, vdb))
	}
	entityResolver := resolver.New(dbClient, logger, resolverOpts...)

	// Workflows
	workflows := workflow.NewRegistry(logger)
	if err := workflows.LoadDirectory(cfg.Workflows.Dir); err != nil {
		logger.Fatal("Workflow definitions failed to load", zap.String("dir", cfg.Workflows.Dir), zap.Error(err))
	}
	if cfg.Workflows.Watch {
		if err := workflows.Watch(ctx, cfg.Workflows.Dir); err != nil {
			logger.Warn("Workflow hot reload unavailable", zap.Error(err))
		}
	}

	// Governance
	policyEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Policy engine failed to start", zap.Error(err))
	}

	// Audit + approvals
	audits := audit.NewService(dbClient, logger)

	// Connectors
	registry := connectors.NewRegistry(logger)
	if cfg.ToolSpecDir != "" {
		if err := registry.LoadSpecs(cfg.ToolSpecDir); err != nil {
			logger.Warn("Tool specs failed to load", zap.String("dir", cfg.ToolSpecDir), zap.Error(err))
		}
	}
	registerDemoConnectors(registry, logger)

	// Tenant credentials
	var orchOpts []orchestrator.Option
	if cfg.Credentials.SealingKey != "" {
		key, err := credentials.ParseKey(cfg.Credentials.SealingKey)
		if err != nil {
			logger.Fatal("Invalid credential sealing key", zap.Error(err))
		}
		vault, err := credentials.NewVault(key, logger)
		if err != nil {
			logger.Fatal("Credential vault failed to start", zap.Error(err))
		}
		seedDemoCredentials(vault, logger)
		orchOpts = append(orchOpts, orchestrator.WithCredentialSource(vault))
	}

	exec := executor.New(registry, audits, logger, executor.WithPoolWidth(cfg.Executor.PoolWidth))
	stream := streaming.NewManager(streaming.WithHistory(cfg.Streaming.History))
	orchOpts = append(orchOpts,
		orchestrator.WithStreaming(stream),
		orchestrator.WithConfidenceThreshold(cfg.Intent.Threshold),
	)

	orch := orchestrator.New(classifier, entityResolver, workflows, policyEngine, exec, audits, registry, logger, orchOpts...)

	query := strings.Join(os.Args[1:], " ")
	if query == "" {
		logger.Info("No query given, waiting for shutdown signal",
			zap.Int("workflows", len(workflows.List())),
			zap.Strings("platforms", registry.Platforms()))
		<-ctx.Done()
		return
	}

	if err := runQuery(ctx, orch, query, logger); err != nil {
		logger.Fatal("Run failed", zap.Error(err))
	}
}

func runQuery(ctx context.Context, orch *orchestrator.Orchestrator, query string, logger *zap.Logger) error {
	events, err := orch.Run(ctx, orchestrator.Request{
		TenantID: envOr("MERIDIAN_TENANT", "demo"),
		UserID:   envOr("MERIDIAN_USER", "demo-user"),
		Query:    query,
	})
	if err != nil {
		return err
	}

	for evt := range events {
		if !evt.Final {
			fmt.Printf("[%s] %s\n", evt.Stage, evt.Message)
			continue
		}
		resp := evt.Response
		fmt.Printf("[%s] status=%s elapsed=%s\n", evt.Stage, resp.Status, resp.Elapsed.Round(time.Millisecond))
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}
		if resp.Output != nil {
			out, err := json.MarshalIndent(resp.Output, "", "  ")
			if err != nil {
				logger.Warn("Output not serializable", zap.Error(err))
				continue
			}
			fmt.Println(string(out))
		}
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func serveMetrics(port int, checks *health.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.LivenessHandler())
	mux.Handle("/readyz", checks.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics endpoint stopped", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

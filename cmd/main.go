package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yinz628/email-filter-sub004/internal/cache"
	"github.com/yinz628/email-filter-sub004/internal/config"
	"github.com/yinz628/email-filter-sub004/internal/expr"
	"github.com/yinz628/email-filter-sub004/internal/filter"
	"github.com/yinz628/email-filter-sub004/internal/logging"
	"github.com/yinz628/email-filter-sub004/internal/metrics"
	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/rules"
	"github.com/yinz628/email-filter-sub004/internal/server"
	"github.com/yinz628/email-filter-sub004/internal/sideeffect"
	"github.com/yinz628/email-filter-sub004/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "FILTERD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run boots the filter host and blocks until ctx is cancelled or the
// listener fails. Tasks queued before shutdown are flushed on the way out.
func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("build expression environment: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	ruleCache, err := cache.New[[]rules.Rule](cache.Config[[]rules.Rule]{
		TTL:        cfg.Cache.GetTTL(),
		MaxEntries: cfg.Cache.MaxEntries,
		Clone:      func(rs []rules.Rule) []rules.Rule { return slices.Clone(rs) },
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build rule cache: %w", err)
	}

	taskQueue, err := queue.New(queue.Config{
		MaxQueueSize:   cfg.Queue.MaxSize,
		FlushBatchSize: cfg.Queue.FlushBatchSize,
		MaxRetries:     cfg.Queue.MaxRetries,
		RetryBaseDelay: cfg.Queue.GetRetryBaseDelay(),
		RetryMaxDelay:  cfg.Queue.GetRetryMaxDelay(),
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return fmt.Errorf("build task queue: %w", err)
	}
	defer taskQueue.Close()

	closers := registerSideEffects(cfg, taskQueue, logger)
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	backend := buildRuleSource(ctx, logger, cfg.Rules, env)
	if backend.close != nil {
		defer backend.close()
	}

	pipe, err := filter.New(filter.Config{
		Rules:   backend.source,
		Cache:   ruleCache,
		Queue:   taskQueue,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if backend.folder != nil && cfg.Rules.Folder.Watch {
		watcher, err := rules.WatchFolder(ctx, backend.folder, func() {
			dropped := ruleCache.InvalidateAll()
			logger.Info("rule definitions reloaded", slog.Int("invalidated", dropped))
		}, func(err error) {
			logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	routerCfg := server.RouterConfig{
		Pipeline: pipe,
		Queue:    taskQueue,
		Cache:    ruleCache,
		Metrics:  recorder,
		Logger:   logger,
	}
	if backend.folder != nil {
		routerCfg.Skips = backend.folder.Skips
	}
	handler, err := server.NewRouter(routerCfg)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return err
	}

	if interval := cfg.Queue.GetFlushInterval(); interval > 0 {
		if err := taskQueue.StartPeriodicFlush(interval); err != nil {
			logger.Error("periodic flush setup failed", slog.Any("error", err))
		}
	}

	runErr := srv.Run(ctx)

	drainQueue(taskQueue, logger, cfg.Server.GetShutdownGrace())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("server shutdown complete")
	return nil
}

// ruleBackend bundles a rule source with its optional folder handle (for
// watching and skip reporting) and close hook.
type ruleBackend struct {
	source rules.Source
	folder *rules.FolderSource
	close  func()
}

func buildRuleSource(ctx context.Context, logger *slog.Logger, cfg config.RulesConfig, env *expr.Environment) ruleBackend {
	switch strings.TrimSpace(strings.ToLower(cfg.Source)) {
	case "", "memory":
		logger.Info("using memory rule source")
		return ruleBackend{source: rules.NewMemorySource(env)}
	case "folder":
		folder, err := rules.NewFolderSource(ctx, cfg.Folder.Path, env, logger)
		if err != nil {
			logger.Error("folder rule source initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory rule source")
			return ruleBackend{source: rules.NewMemorySource(env)}
		}
		logger.Info("using folder rule source", slog.String("path", cfg.Folder.Path))
		return ruleBackend{source: folder, folder: folder}
	case "valkey":
		vk, err := rules.NewValkeySource(rules.ValkeyConfig{
			Address:   cfg.Valkey.Address,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		}, env, logger)
		if err != nil {
			logger.Error("valkey rule source initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory rule source")
			return ruleBackend{source: rules.NewMemorySource(env)}
		}
		logger.Info("using valkey rule source", slog.String("address", cfg.Valkey.Address))
		return ruleBackend{source: vk, close: vk.Close}
	default:
		logger.Warn("unsupported rule source, defaulting to memory", slog.String("source", cfg.Source))
		return ruleBackend{source: rules.NewMemorySource(env)}
	}
}

// registerSideEffects wires the enabled task handlers onto the queue and
// returns close hooks for their backing resources. Audit stays unregistered;
// its tasks are counted and discarded at flush time.
func registerSideEffects(cfg config.Config, q *queue.Queue, logger *slog.Logger) []func() {
	var closers []func()

	register := func(cat queue.Category, h queue.Handler) {
		if err := q.Register(cat, h); err != nil {
			logger.Error("handler registration failed",
				slog.String("category", string(cat)),
				slog.Any("error", err))
		}
	}

	if cfg.SideEffects.Stats.Enabled {
		store, err := sideeffect.OpenStats(cfg.SideEffects.Stats.Path, nil, logger)
		if err != nil {
			logger.Error("stats sink initialization failed", slog.Any("error", err))
		} else {
			register(queue.CategoryStats, store.Handler())
			closers = append(closers, func() {
				if err := store.Close(); err != nil {
					logger.Error("stats store close failed", slog.Any("error", err))
				}
			})
		}
	}

	if cfg.SideEffects.Activity.Enabled {
		register(queue.CategoryActivity, sideeffect.NewActivityHandler(logger))
	}

	if cfg.SideEffects.Analytics.Enabled {
		sink, err := sideeffect.NewAnalyticsSink(sideeffect.AnalyticsConfig{
			Address:   cfg.SideEffects.Analytics.Address,
			KeyPrefix: cfg.SideEffects.Analytics.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Error("analytics sink initialization failed", slog.Any("error", err))
		} else {
			register(queue.CategoryAnalytics, sink.Handler())
			closers = append(closers, sink.Close)
		}
	}

	if cfg.SideEffects.Alerting.Enabled {
		handler, err := buildAlerter(cfg.SideEffects.Alerting, logger)
		if err != nil {
			logger.Error("alerting sink initialization failed", slog.Any("error", err))
		} else {
			register(queue.CategoryAlerting, handler)
		}
	}

	if cfg.SideEffects.Reputation.Enabled {
		tracker, err := sideeffect.NewReputationTracker(sideeffect.ReputationConfig{
			BatchSize:    cfg.Batch.Size,
			MaxBlockTime: cfg.Batch.GetMaxBlockTime(),
			Logger:       logger,
		})
		if err != nil {
			logger.Error("reputation tracker initialization failed", slog.Any("error", err))
		} else {
			register(queue.CategoryReputation, tracker.Handler())
		}
	}

	return closers
}

func buildAlerter(cfg config.AlertingSinkConfig, logger *slog.Logger) (queue.Handler, error) {
	subject, body, err := alertTemplateSources(cfg)
	if err != nil {
		return nil, err
	}
	alerter, err := sideeffect.NewAlerter(templates.NewRenderer(), sideeffect.AlertingConfig{
		SubjectTemplate: subject,
		BodyTemplate:    body,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return alerter.Handler(), nil
}

// alertTemplateSources resolves the alert subject and body sources. File
// templates are read through a sandbox rooted at the templates folder and
// win over the inline defaults.
func alertTemplateSources(cfg config.AlertingSinkConfig) (string, string, error) {
	subject, body := cfg.SubjectTemplate, cfg.BodyTemplate
	if cfg.SubjectTemplateFile == "" && cfg.BodyTemplateFile == "" {
		return subject, body, nil
	}
	sandbox, err := templates.NewSandbox(cfg.TemplatesFolder)
	if err != nil {
		return "", "", err
	}
	if cfg.SubjectTemplateFile != "" {
		if subject, err = sandbox.ReadFile(cfg.SubjectTemplateFile); err != nil {
			return "", "", err
		}
	}
	if cfg.BodyTemplateFile != "" {
		if body, err = sandbox.ReadFile(cfg.BodyTemplateFile); err != nil {
			return "", "", err
		}
	}
	return subject, body, nil
}

// drainQueue runs the final flush so decided messages keep their side
// effects across restarts, then closes the queue.
func drainQueue(q *queue.Queue, logger *slog.Logger, grace time.Duration) {
	q.StopPeriodicFlush()
	if grace <= 0 {
		grace = 15 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	report := q.Flush(drainCtx)
	logger.Info("final queue flush",
		slog.Int("drained", report.Drained),
		slog.Int("processed", report.Processed),
		slog.Int("failed", report.Failed))
	q.Close()
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence and
// rejects it eagerly when any value violates Validate.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.readtimeout":                       "server.readTimeout",
			"server.writetimeout":                      "server.writeTimeout",
			"server.shutdowngrace":                     "server.shutdownGrace",
			"cache.maxentries":                         "cache.maxEntries",
			"queue.maxsize":                            "queue.maxSize",
			"queue.flushbatchsize":                     "queue.flushBatchSize",
			"queue.maxretries":                         "queue.maxRetries",
			"queue.retrybasedelay":                     "queue.retryBaseDelay",
			"queue.retrymaxdelay":                      "queue.retryMaxDelay",
			"queue.flushinterval":                      "queue.flushInterval",
			"batch.maxblocktime":                       "batch.maxBlockTime",
			"rules.valkey.keyprefix":                   "rules.valkey.keyPrefix",
			"sideeffects.analytics.keyprefix":          "sideeffects.analytics.keyPrefix",
			"sideeffects.alerting.subjecttemplate":     "sideeffects.alerting.subjectTemplate",
			"sideeffects.alerting.bodytemplate":        "sideeffects.alerting.bodyTemplate",
			"sideeffects.alerting.templatesfolder":     "sideeffects.alerting.templatesFolder",
			"sideeffects.alerting.subjecttemplatefile": "sideeffects.alerting.subjectTemplateFile",
			"sideeffects.alerting.bodytemplatefile":    "sideeffects.alerting.bodyTemplateFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (QUEUE__FLUSHINTERVAL -> queue.flushinterval).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so FLUSH_INTERVAL collapses into flushinterval
			// when callers choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			lower = strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"readTimeout":   cfg.Server.ReadTimeout,
			"writeTimeout":  cfg.Server.WriteTimeout,
			"shutdownGrace": cfg.Server.ShutdownGrace,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"cache": map[string]any{
			"ttl":        cfg.Cache.TTL,
			"maxEntries": cfg.Cache.MaxEntries,
		},
		"queue": map[string]any{
			"maxSize":        cfg.Queue.MaxSize,
			"flushBatchSize": cfg.Queue.FlushBatchSize,
			"maxRetries":     cfg.Queue.MaxRetries,
			"retryBaseDelay": cfg.Queue.RetryBaseDelay,
			"retryMaxDelay":  cfg.Queue.RetryMaxDelay,
			"flushInterval":  cfg.Queue.FlushInterval,
		},
		"batch": map[string]any{
			"size":         cfg.Batch.Size,
			"maxBlockTime": cfg.Batch.MaxBlockTime,
		},
		"rules": map[string]any{
			"source": cfg.Rules.Source,
			"folder": map[string]any{
				"path":  cfg.Rules.Folder.Path,
				"watch": cfg.Rules.Folder.Watch,
			},
			"valkey": map[string]any{
				"address":   cfg.Rules.Valkey.Address,
				"keyPrefix": cfg.Rules.Valkey.KeyPrefix,
			},
		},
		"sideeffects": map[string]any{
			"stats": map[string]any{
				"enabled": cfg.SideEffects.Stats.Enabled,
				"path":    cfg.SideEffects.Stats.Path,
			},
			"activity": map[string]any{
				"enabled": cfg.SideEffects.Activity.Enabled,
			},
			"analytics": map[string]any{
				"enabled":   cfg.SideEffects.Analytics.Enabled,
				"address":   cfg.SideEffects.Analytics.Address,
				"keyPrefix": cfg.SideEffects.Analytics.KeyPrefix,
			},
			"alerting": map[string]any{
				"enabled":             cfg.SideEffects.Alerting.Enabled,
				"subjectTemplate":     cfg.SideEffects.Alerting.SubjectTemplate,
				"bodyTemplate":        cfg.SideEffects.Alerting.BodyTemplate,
				"templatesFolder":     cfg.SideEffects.Alerting.TemplatesFolder,
				"subjectTemplateFile": cfg.SideEffects.Alerting.SubjectTemplateFile,
				"bodyTemplateFile":    cfg.SideEffects.Alerting.BodyTemplateFile,
			},
			"reputation": map[string]any{
				"enabled": cfg.SideEffects.Reputation.Enabled,
			},
		},
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the filter host reads at startup. Duration
// fields are strings ("60s", "500ms") parsed eagerly by Validate; invalid
// values are rejected there, never corrected.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Cache       CacheConfig       `koanf:"cache"`
	Queue       QueueConfig       `koanf:"queue"`
	Batch       BatchConfig       `koanf:"batch"`
	Rules       RulesConfig       `koanf:"rules"`
	SideEffects SideEffectsConfig `koanf:"sideeffects"`
}

// ServerConfig collects the HTTP listener knobs.
type ServerConfig struct {
	Listen        ListenConfig `koanf:"listen"`
	ReadTimeout   string       `koanf:"readTimeout"`
	WriteTimeout  string       `koanf:"writeTimeout"`
	ShutdownGrace string       `koanf:"shutdownGrace"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig sizes the per-scope rule cache.
type CacheConfig struct {
	TTL        string `koanf:"ttl"`
	MaxEntries int    `koanf:"maxEntries"`
}

// QueueConfig tunes the side-effect task queue.
type QueueConfig struct {
	MaxSize        int    `koanf:"maxSize"`
	FlushBatchSize int    `koanf:"flushBatchSize"`
	MaxRetries     int    `koanf:"maxRetries"`
	RetryBaseDelay string `koanf:"retryBaseDelay"`
	RetryMaxDelay  string `koanf:"retryMaxDelay"`
	FlushInterval  string `koanf:"flushInterval"`
}

// BatchConfig tunes the cooperative sweep runner used by the reputation
// handler.
type BatchConfig struct {
	Size         int    `koanf:"size"`
	MaxBlockTime string `koanf:"maxBlockTime"`
}

// RulesConfig announces where filter rules are sourced from.
type RulesConfig struct {
	// Source selects the backing store: memory, folder, or valkey.
	Source string            `koanf:"source"`
	Folder FolderRulesConfig `koanf:"folder"`
	Valkey ValkeyRulesConfig `koanf:"valkey"`
}

type FolderRulesConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type ValkeyRulesConfig struct {
	Address   string `koanf:"address"`
	KeyPrefix string `koanf:"keyPrefix"`
}

// SideEffectsConfig toggles the bundled task handlers. Categories without a
// handler still accept tasks; the queue discards them at flush time.
type SideEffectsConfig struct {
	Stats      StatsSinkConfig     `koanf:"stats"`
	Activity   ToggleConfig        `koanf:"activity"`
	Analytics  AnalyticsSinkConfig `koanf:"analytics"`
	Alerting   AlertingSinkConfig  `koanf:"alerting"`
	Reputation ToggleConfig        `koanf:"reputation"`
}

type ToggleConfig struct {
	Enabled bool `koanf:"enabled"`
}

type StatsSinkConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type AnalyticsSinkConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Address   string `koanf:"address"`
	KeyPrefix string `koanf:"keyPrefix"`
}

// AlertingSinkConfig accepts templates either inline or as files inside
// templatesFolder. File sources win over the inline defaults when both
// are set.
type AlertingSinkConfig struct {
	Enabled             bool   `koanf:"enabled"`
	SubjectTemplate     string `koanf:"subjectTemplate"`
	BodyTemplate        string `koanf:"bodyTemplate"`
	TemplatesFolder     string `koanf:"templatesFolder"`
	SubjectTemplateFile string `koanf:"subjectTemplateFile"`
	BodyTemplateFile    string `koanf:"bodyTemplateFile"`
}

// GetTTL returns the parsed cache TTL. Call after Validate.
func (c CacheConfig) GetTTL() time.Duration {
	return parseDuration(c.TTL)
}

// GetRetryBaseDelay returns the parsed initial retry backoff. Call after
// Validate.
func (c QueueConfig) GetRetryBaseDelay() time.Duration {
	return parseDuration(c.RetryBaseDelay)
}

// GetRetryMaxDelay returns the parsed backoff ceiling. Call after Validate.
func (c QueueConfig) GetRetryMaxDelay() time.Duration {
	return parseDuration(c.RetryMaxDelay)
}

// GetFlushInterval returns the parsed periodic flush interval; zero
// disables the periodic loop. Call after Validate.
func (c QueueConfig) GetFlushInterval() time.Duration {
	return parseDuration(c.FlushInterval)
}

// GetMaxBlockTime returns the parsed per-chunk time bound. Call after
// Validate.
func (c BatchConfig) GetMaxBlockTime() time.Duration {
	return parseDuration(c.MaxBlockTime)
}

// GetReadTimeout returns the parsed HTTP read timeout. Call after Validate.
func (c ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout)
}

// GetWriteTimeout returns the parsed HTTP write timeout. Call after
// Validate.
func (c ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout)
}

// GetShutdownGrace returns the parsed shutdown drain budget. Call after
// Validate.
func (c ServerConfig) GetShutdownGrace() time.Duration {
	return parseDuration(c.ShutdownGrace)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Validate enforces invariants before any component is constructed. Every
// violation is an error: values are never clamped or silently corrected.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	for key, value := range map[string]string{
		"server.readTimeout":   c.Server.ReadTimeout,
		"server.writeTimeout":  c.Server.WriteTimeout,
		"server.shutdownGrace": c.Server.ShutdownGrace,
	} {
		if err := checkDuration(key, value, false); err != nil {
			return err
		}
	}

	if err := checkDuration("cache.ttl", c.Cache.TTL, true); err != nil {
		return err
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.maxEntries must be positive: %d", c.Cache.MaxEntries)
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: queue.maxSize must be positive: %d", c.Queue.MaxSize)
	}
	if c.Queue.FlushBatchSize <= 0 {
		return fmt.Errorf("config: queue.flushBatchSize must be positive: %d", c.Queue.FlushBatchSize)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: queue.maxRetries must not be negative: %d", c.Queue.MaxRetries)
	}
	if c.Queue.MaxRetries > 0 {
		if err := checkDuration("queue.retryBaseDelay", c.Queue.RetryBaseDelay, true); err != nil {
			return err
		}
		if err := checkDuration("queue.retryMaxDelay", c.Queue.RetryMaxDelay, true); err != nil {
			return err
		}
		if c.Queue.GetRetryMaxDelay() < c.Queue.GetRetryBaseDelay() {
			return fmt.Errorf("config: queue.retryMaxDelay %s is below retryBaseDelay %s",
				c.Queue.RetryMaxDelay, c.Queue.RetryBaseDelay)
		}
	}
	if err := checkDuration("queue.flushInterval", c.Queue.FlushInterval, false); err != nil {
		return err
	}

	if c.Batch.Size <= 0 {
		return fmt.Errorf("config: batch.size must be positive: %d", c.Batch.Size)
	}
	if err := checkDuration("batch.maxBlockTime", c.Batch.MaxBlockTime, true); err != nil {
		return err
	}

	source := strings.TrimSpace(strings.ToLower(c.Rules.Source))
	switch source {
	case "", "memory":
	case "folder":
		if strings.TrimSpace(c.Rules.Folder.Path) == "" {
			return errors.New("config: rules.folder.path required for folder source")
		}
	case "valkey":
		if strings.TrimSpace(c.Rules.Valkey.Address) == "" {
			return errors.New("config: rules.valkey.address required for valkey source")
		}
	default:
		return fmt.Errorf("config: rules.source unsupported: %s", c.Rules.Source)
	}

	if c.SideEffects.Stats.Enabled && strings.TrimSpace(c.SideEffects.Stats.Path) == "" {
		return errors.New("config: sideeffects.stats.path required when stats sink is enabled")
	}
	if c.SideEffects.Analytics.Enabled && strings.TrimSpace(c.SideEffects.Analytics.Address) == "" {
		return errors.New("config: sideeffects.analytics.address required when analytics sink is enabled")
	}
	if err := c.SideEffects.Alerting.validate(); err != nil {
		return err
	}
	return nil
}

func (a AlertingSinkConfig) validate() error {
	subjectFile := strings.TrimSpace(a.SubjectTemplateFile) != ""
	bodyFile := strings.TrimSpace(a.BodyTemplateFile) != ""
	if (subjectFile || bodyFile) && strings.TrimSpace(a.TemplatesFolder) == "" {
		return errors.New("config: sideeffects.alerting.templatesFolder required when template files are configured")
	}
	if !a.Enabled {
		return nil
	}
	if strings.TrimSpace(a.SubjectTemplate) == "" && !subjectFile {
		return errors.New("config: sideeffects.alerting.subjectTemplate or subjectTemplateFile required when alerting sink is enabled")
	}
	if strings.TrimSpace(a.BodyTemplate) == "" && !bodyFile {
		return errors.New("config: sideeffects.alerting.bodyTemplate or bodyTemplateFile required when alerting sink is enabled")
	}
	return nil
}

// checkDuration rejects unparseable or non-positive durations. When
// required is false, an empty or zero value passes (the feature is off).
func checkDuration(key, value string, required bool) error {
	if strings.TrimSpace(value) == "" {
		if required {
			return fmt.Errorf("config: %s required", key)
		}
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %q", key, value)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative: %s", key, value)
	}
	if required && d == 0 {
		return fmt.Errorf("config: %s must be positive: %s", key, value)
	}
	return nil
}

// DefaultConfig returns the baseline values the host boots with when no
// file or environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			ReadTimeout:   "5s",
			WriteTimeout:  "10s",
			ShutdownGrace: "15s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			TTL:        "60s",
			MaxEntries: 100,
		},
		Queue: QueueConfig{
			MaxSize:        1000,
			FlushBatchSize: 10,
			MaxRetries:     3,
			RetryBaseDelay: "1s",
			RetryMaxDelay:  "30s",
			FlushInterval:  "10s",
		},
		Batch: BatchConfig{
			Size:         10,
			MaxBlockTime: "50ms",
		},
		Rules: RulesConfig{
			Source: "memory",
			Folder: FolderRulesConfig{
				Path:  "./rules",
				Watch: true,
			},
			Valkey: ValkeyRulesConfig{
				KeyPrefix: "rules:",
			},
		},
		SideEffects: SideEffectsConfig{
			Activity:   ToggleConfig{Enabled: true},
			Reputation: ToggleConfig{Enabled: true},
			Stats: StatsSinkConfig{
				Path: "./data/stats.db",
			},
			Analytics: AnalyticsSinkConfig{
				KeyPrefix: "analytics:",
			},
			Alerting: AlertingSinkConfig{
				Enabled:         true,
				SubjectTemplate: "[filterd] {{ .action | upper }}: message {{ .messageId }}",
				BodyTemplate:    "Message {{ .messageId }} from {{ .sender }} to {{ .recipient }} was {{ .action }}{{ if .rule }} by rule {{ .rule }}{{ end }}.",
			},
		},
	}
}

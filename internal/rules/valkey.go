package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/yinz628/email-filter-sub004/internal/expr"
)

// ValkeyConfig carries the connection settings for a Valkey rule store.
type ValkeyConfig struct {
	Address   string
	KeyPrefix string
}

// ValkeySource reads rules stored as JSON arrays in Valkey. Scope rules live
// at <prefix><scope>; global rules live at the bare prefix key. Unlike the
// folder source this source is strict: an undecodable or uncompilable rule
// fails the whole load so the pipeline fails closed for that scope.
type ValkeySource struct {
	client    valkey.Client
	keyPrefix string
	env       *expr.Environment
	logger    *slog.Logger
}

// NewValkeySource connects and pings the store so a bad address surfaces at
// startup instead of on the first webhook.
func NewValkeySource(cfg ValkeyConfig, env *expr.Environment, logger *slog.Logger) (*ValkeySource, error) {
	if cfg.Address == "" {
		return nil, errors.New("rules: valkey address required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rules:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("rules: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rules: valkey ping: %w", err)
	}

	return &ValkeySource{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		env:       env,
		logger:    logger.With(slog.String("rules_source", "valkey")),
	}, nil
}

// Load fetches and compiles the global and scope rule sets.
func (s *ValkeySource) Load(ctx context.Context, scope string) ([]Rule, error) {
	global, err := s.loadKey(ctx, s.keyPrefix, "")
	if err != nil {
		return nil, err
	}
	if scope == "" {
		return merged(global, nil), nil
	}
	scoped, err := s.loadKey(ctx, s.keyPrefix+scope, scope)
	if err != nil {
		return nil, err
	}
	return merged(global, scoped), nil
}

// loadKey reads one JSON rule array. A missing key is an empty rule set.
// The scope recorded on each rule comes from the key it was stored under.
func (s *ValkeySource) loadKey(ctx context.Context, key, scope string) ([]Rule, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: valkey get %s: %w", key, err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("rules: valkey read %s: %w", key, err)
	}
	var list []Rule
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("rules: valkey decode %s: %w", key, err)
	}
	for i := range list {
		list[i].Scope = scope
		if err := list[i].Compile(s.env); err != nil {
			return nil, fmt.Errorf("rules: valkey key %s: %w", key, err)
		}
	}
	return list, nil
}

// Close releases the client connection.
func (s *ValkeySource) Close() {
	s.client.Close()
}

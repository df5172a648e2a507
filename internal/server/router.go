package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/cache"
	"github.com/yinz628/email-filter-sub004/internal/filter"
	"github.com/yinz628/email-filter-sub004/internal/metrics"
	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/rules"
)

// Pipeline is the decision surface the webhook route fronts.
type Pipeline interface {
	Handle(ctx context.Context, msg filter.Message) (filter.Decision, error)
}

// RouterConfig carries the surfaces the HTTP routes expose.
type RouterConfig struct {
	Pipeline Pipeline
	Queue    *queue.Queue
	Cache    *cache.Cache[[]rules.Rule]
	// Metrics may be nil; the metrics route then reports unavailable.
	Metrics *metrics.Recorder
	// Skips, when set, contributes skipped rule definitions to the health
	// payload so operators see broken rule files without reading logs.
	Skips func() []rules.Skip
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type router struct {
	pipeline Pipeline
	queue    *queue.Queue
	cache    *cache.Cache[[]rules.Rule]
	skips    func() []rules.Skip
	log      *slog.Logger
}

// NewRouter builds the HTTP handler for the webhook and observability
// routes.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("server: queue required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("server: cache required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	rt := &router{
		pipeline: cfg.Pipeline,
		queue:    cfg.Queue,
		cache:    cfg.Cache,
		skips:    cfg.Skips,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/inbound", rt.serveWebhook)
	mux.HandleFunc("GET /queuez", rt.serveQueueStatus)
	mux.HandleFunc("GET /cachez", rt.serveCacheStats)
	mux.HandleFunc("GET /healthz", rt.serveHealth)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	return mux, nil
}

// decisionResponse flattens the decision with an optional error field for
// fail-closed responses.
type decisionResponse struct {
	filter.Decision
	Error string `json:"error,omitempty"`
}

func (rt *router) serveWebhook(w http.ResponseWriter, r *http.Request) {
	var msg filter.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		rt.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode message: %v", err))
		return
	}
	if strings.TrimSpace(msg.ID) == "" {
		rt.writeError(w, http.StatusBadRequest, "message id required")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	decision, err := rt.pipeline.Handle(r.Context(), msg)
	if err != nil {
		rt.writeJSON(w, http.StatusBadGateway, decisionResponse{Decision: decision, Error: err.Error()})
		return
	}
	rt.writeJSON(w, http.StatusOK, decisionResponse{Decision: decision})
}

func (rt *router) serveQueueStatus(w http.ResponseWriter, _ *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.queue.Status())
}

func (rt *router) serveCacheStats(w http.ResponseWriter, _ *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.cache.Stats())
}

func (rt *router) serveHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":     "ok",
		"observedAt": time.Now().UTC(),
	}
	if rt.skips != nil {
		if skips := rt.skips(); len(skips) > 0 {
			payload["skippedDefinitions"] = skips
		}
	}
	rt.writeJSON(w, http.StatusOK, payload)
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.log.Error("response encode failed", slog.Any("error", err))
	}
}

func (rt *router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]any{"error": message})
}

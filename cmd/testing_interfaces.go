package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yinz628/email-filter-sub004/internal/config"
	"github.com/yinz628/email-filter-sub004/internal/server"
)

// configLoader abstracts configuration hydration so tests can inject
// failures without touching the filesystem.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

// runnableServer is the lifecycle surface run drives; tests substitute
// stubs to exercise error paths.
type runnableServer interface {
	Run(ctx context.Context) error
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return config.NewLoader(envPrefix, configFile)
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

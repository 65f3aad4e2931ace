package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/keitaro-dev/aibou/internal/config"
	"github.com/keitaro-dev/aibou/internal/httpapi"
	"github.com/keitaro-dev/aibou/internal/live"
	"github.com/keitaro-dev/aibou/internal/memory"
	"github.com/keitaro-dev/aibou/internal/observability"
	"github.com/keitaro-dev/aibou/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Store    memory.Store
	Dialer   live.Dialer

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	dialer := live.NewWSDialer(cfg.UpstreamWSBaseURL, cfg.UpstreamAPIKey)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, store, dialer, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Store:    store,
		Dialer:   dialer,
		Cleanup:  cleanup,
	}, nil
}

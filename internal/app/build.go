// Package app assembles the service: configuration in, a ready-to-serve HTTP
// surface and its backing stores out.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/callstore"
	"github.com/gcaracciolo/juniper/internal/capability"
	"github.com/gcaracciolo/juniper/internal/config"
	"github.com/gcaracciolo/juniper/internal/httpapi"
	"github.com/gcaracciolo/juniper/internal/observability"
	"github.com/gcaracciolo/juniper/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    callstore.Store
	Bridge   *Bridge
	Metrics  *observability.Metrics

	// Cleanup releases external resources (DB pool) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := callstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call store init failed: %w", err)
	}

	registry, err := capability.NewRegistry(capability.Builtins()...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("capability registry init failed: %w", err)
	}
	dispatcher := capability.NewDispatcher(registry, logger)

	sessions := session.NewManager(cfg.CallInactivityTimeout)
	sessions.SetExpireHook(func(s *session.CallSession) {
		metrics.CallEvents.WithLabelValues("expired").Inc()
		metrics.ActiveCalls.Set(float64(sessions.ActiveCount()))
		logger.Warn("call expired for inactivity", zap.String("call_sid", s.CallSID))
	})

	bridge := NewBridge(cfg, registry, dispatcher, store, sessions, metrics, logger)
	api := httpapi.New(cfg, sessions, store, bridge, metrics, logger)

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
		Store:    store,
		Bridge:   bridge,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

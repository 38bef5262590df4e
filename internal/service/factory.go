// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/internal/admission"
	"github.com/xkilldash9x/panelbot/internal/browser"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/orchestrator"
	"github.com/xkilldash9x/panelbot/internal/panel"
)

// ComponentFactory builds the component graph. Commands depend on it so
// tests can substitute a factory that wires fakes.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of ComponentFactory.
// Screenshots go to the real filesystem.
type concreteFactory struct {
	fs afero.Fs
}

// NewComponentFactory returns the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{fs: afero.NewOsFs()}
}

// BrowserDriver exposes a browser.Manager as a panel.Driver.
func BrowserDriver(m *browser.Manager) panel.Driver {
	return panel.DriverFunc(func(ctx context.Context) (panel.Page, error) {
		s, err := m.Open(ctx)
		if err != nil {
			// Return a bare nil, not a typed nil *browser.Session inside the interface.
			return nil, err
		}
		return s, nil
	})
}

// Create wires the full component graph for one process. Any failure part
// way through tears down whatever was already built before returning.

func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{StartedAt: time.Now()}

	// Set by each failing step below; the deferred cleanup keys off it.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// 1. Metrics and selectors
	// Metrics use a private registry, so building them twice (tests) is safe.
	components.Metrics = observability.NewMetrics()
	// Overrides from config replace the default candidates per target.
	resolver, err := InitializeResolver(cfg.Selectors(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("invalid selector overrides: %w", err)
		return nil, initializationErr
	}
	components.Resolver = resolver

	// 2. Audit store
	// With no database URL this yields a no-op recorder and a nil store.
	recorder, st, closeStore, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = st
	components.closeStore = closeStore

	// 3. Diagnostics
	// Nil when disabled; old screenshots are pruned here when enabled.
	components.Diagnostics = InitializeDiagnostics(cfg.Diagnostics(), f.fs, logger)

	// 4. Browser manager
	// Nothing launches yet. Each run opens its own Chromium through the
	// manager, capped at browser.max_sessions.
	metrics := components.Metrics
	components.Browser = browser.NewManager(cfg.Browser(), cfg.Panel(), browser.SessionHooks{
		Opened: metrics.SessionOpened,
		Closed: metrics.SessionClosed,
	}, logger)
	logger.Debug("Browser manager initialized.", zap.Int("max_sessions", cfg.Browser().MaxSessions))

	// 5. Orchestrator
	// The screenshot hook is only attached when diagnostics are on.
	opts := []orchestrator.Option{orchestrator.WithMetrics(metrics)}
	if components.Diagnostics != nil {
		opts = append(opts, orchestrator.WithDiagnostics(components.Diagnostics))
	}
	orch, err := orchestrator.New(cfg, BrowserDriver(components.Browser), resolver, logger, opts...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	// 6. Admission and the provisioner
	// The gate is shared so /status can report in-flight runs.
	components.Gate = admission.NewGate()
	components.Provisioner = NewProvisioner(components.Gate, orch, recorder, metrics, logger)

	logger.Info("All components initialized successfully.")
	return components, nil
}

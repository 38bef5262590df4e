// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/internal/admission"
	"github.com/xkilldash9x/panelbot/internal/browser"
	"github.com/xkilldash9x/panelbot/internal/diagnostics"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/orchestrator"
	"github.com/xkilldash9x/panelbot/internal/selector"
	"github.com/xkilldash9x/panelbot/internal/store"
)

// Components holds everything a running panelbot needs, and owns their
// shutdown order.
type Components struct {
	Metrics      *observability.Metrics
	Resolver     *selector.Resolver
	Gate         *admission.Gate
	Browser      *browser.Manager
	Orchestrator *orchestrator.Orchestrator
	Provisioner  *Provisioner
	Store        *store.Store
	Diagnostics  *diagnostics.Capturer

	// StartedAt feeds the uptime shown by /status.
	StartedAt time.Time

	// closeStore releases the pgx pool; a no-op when no database is configured.
	closeStore func()
}

// Shutdown releases components in dependency order: stop taking runs and
// let in-flight ones finish, then browsers, then the database.
func (c *Components) Shutdown(ctx context.Context) {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Drain runs. New submissions are refused from here on.
	if c.Provisioner != nil {
		if err := c.Provisioner.Shutdown(ctx); err != nil {
			logger.Warn("Runs did not finish before shutdown deadline.", zap.Error(err))
		} else {
			logger.Debug("Provisioner drained.")
		}
	}

	// 2. Close any browser left open by a run that outlived the drain.
	if c.Browser != nil {
		// The caller's deadline may be spent waiting for runs.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	// 3. The store goes last; runs record their outcome on the way out.
	if c.closeStore != nil {
		c.closeStore()
	}
	logger.Info("All components shut down.")
}

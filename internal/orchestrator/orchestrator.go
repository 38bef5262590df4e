// File: internal/orchestrator/orchestrator.go

// Package orchestrator sequences one panel session through the account
// creation workflow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/panel"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

// Diagnostics stores evidence about a failed run.
type Diagnostics interface {
	SaveScreenshot(ctx context.Context, step string, png []byte) (string, error)
}

// QuotaObserver is an optional extension of schemas.StatusSink. Sinks that
// implement it are told the quota read during the run.
type QuotaObserver interface {
	OnQuota(schemas.QuotaSnapshot)
}

// Orchestrator runs provisioning requests. It holds no per-run state and is
// safe for concurrent use; each Run opens its own session.
type Orchestrator struct {
	driver    panel.Driver
	resolver  *selector.Resolver
	panelCfg  config.PanelConfig
	provCfg   config.ProvisioningConfig
	logger    *zap.Logger
	usernames UsernameGenerator
	diag      Diagnostics
	metrics   *observability.Metrics
}

// Option configures optional collaborators on New.
type Option func(*Orchestrator)

// WithUsernameGenerator replaces the random generator built from config.
func WithUsernameGenerator(g UsernameGenerator) Option {
	return func(o *Orchestrator) { o.usernames = g }
}

// WithDiagnostics enables failure screenshots.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *Orchestrator) { o.diag = d }
}

// WithMetrics records quota and step failures. A nil Metrics is a no-op.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New builds an Orchestrator. All four dependencies are required.
func New(cfg config.Interface, driver panel.Driver, resolver *selector.Resolver, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || driver == nil || resolver == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		driver:   driver,
		resolver: resolver,
		panelCfg: cfg.Panel(),
		provCfg:  cfg.Provisioning(),
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.usernames == nil {
		o.usernames = NewUsernameGenerator(o.provCfg)
	}
	return o, nil
}

// stamp makes sure err is a ProvisioningError carrying step. Errors that
// arrive untyped are classified: deadline expiry as a driver timeout,
// anything else under fallback.
func stamp(err error, step schemas.Step, fallback schemas.ErrorCode) error {
	var pe *schemas.ProvisioningError
	if !errors.As(err, &pe) {
		code := fallback
		if errors.Is(err, context.DeadlineExceeded) {
			code = schemas.ErrCodeDriverTimeout
		}
		pe = schemas.NewError(code, "", err)
		err = pe
	}
	if pe.Step == "" {
		pe.Step = step
	}
	return err
}

// Run provisions one account. The session it opens is closed exactly once
// on every path, panics included; a panic is reported as INTERNAL_ERROR.
// sink may be nil.
func (o *Orchestrator) Run(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (account *schemas.ProvisionedAccount, err error) {
	if sink == nil {
		sink = schemas.StatusFunc(nil)
	}
	logger := o.logger.With(
		zap.Int64("requester_id", req.RequesterID),
		zap.String("kind", string(req.Kind)),
		zap.String("package_id", req.PackageID),
	)
	step := schemas.StepValidate
	started := time.Now()

	// Registered first so it runs last, after the session is closed.
	defer func() {
		if err != nil {
			code := schemas.CodeOf(err)
			o.metrics.ObserveFailure(string(step), string(code))
			logger.Warn("Provisioning failed",
				zap.String("step", string(step)),
				zap.String("code", string(code)),
				zap.Duration("elapsed", time.Since(started)),
				zap.Error(err))
			sink.OnStatus(schemas.StageFailed)
			return
		}
		logger.Info("Provisioning finished",
			zap.String("username", account.Username),
			zap.Duration("elapsed", time.Since(started)))
		sink.OnStatus(schemas.StageDone)
	}()

	// 1. Reject malformed requests before touching a browser.
	if err := req.Validate(); err != nil {
		return nil, stamp(err, step, schemas.ErrCodeInvalidRequest)
	}

	// 2. Bound the whole run, including the wait for a browser slot.
	if o.provCfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.provCfg.RunTimeout)
		defer cancel()
	}

	// 3. Open the browser. Nothing to close if this fails.
	sink.OnStatus(schemas.StageAuthenticating)
	step = schemas.StepOpen
	page, err := o.driver.Open(ctx)
	if err != nil {
		return nil, stamp(err, step, schemas.ErrCodeBrowserUnavailable)
	}
	session := panel.NewSession(page, o.resolver, o.panelCfg, logger)

	// 4. From here the session must be closed exactly once. A panic is
	// turned into an error first so the screenshot still gets taken.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic during provisioning",
				zap.Any("panic", r), zap.Stack("stack"))
			account = nil
			err = stamp(schemas.NewError(schemas.ErrCodeInternal, fmt.Sprintf("panic: %v", r), nil), step, schemas.ErrCodeInternal)
		}
		if err != nil {
			o.capture(ctx, session, step, logger)
		}
		o.close(ctx, session, logger)
	}()

	// 5. Drive the panel.
	account, err = o.workflow(ctx, session, req, sink, &step, logger)
	if err != nil {
		return nil, stamp(err, step, schemas.ErrCodeInternal)
	}
	return account, nil
}

// workflow runs the session steps, keeping *step pointed at the step in
// progress so the caller can attribute failures and panics.
func (o *Orchestrator) workflow(ctx context.Context, s *panel.Session, req schemas.ProvisioningRequest, sink schemas.StatusSink, step *schemas.Step, logger *zap.Logger) (*schemas.ProvisionedAccount, error) {
	// Authenticate against the reseller panel.
	*step = schemas.StepLogin
	if err := s.Login(ctx); err != nil {
		return nil, err
	}

	// Quota is read fresh every run and gates everything after it.
	*step = schemas.StepReadQuota
	quota, err := s.ReadQuota(ctx)
	if err != nil {
		return nil, err
	}
	o.metrics.SetQuota(quota.Remaining)
	if qo, ok := sink.(QuotaObserver); ok {
		qo.OnQuota(quota)
	}
	logger.Info("Read panel quota", zap.Int("remaining", quota.Remaining), zap.Bool("advisory", quota.Advisory))
	if quota.Remaining <= 0 {
		return nil, schemas.NewError(schemas.ErrCodeQuotaExhausted, "no credits left on the panel", nil)
	}

	// Trial and permanent accounts live on different listing pages.
	sink.OnStatus(schemas.StageNavigating)
	*step = schemas.StepNavigate
	if err := s.NavigateToSection(ctx, req.Kind); err != nil {
		return nil, err
	}
	*step = schemas.StepOpenForm
	if err := s.OpenCreateForm(ctx); err != nil {
		return nil, err
	}

	// No retry on collision; the panel rejects it and the run fails.
	*step = schemas.StepGenerate
	username, err := o.usernames.Generate()
	if err != nil {
		return nil, schemas.NewError(schemas.ErrCodeInternal, "generating a username", err)
	}

	sink.OnStatus(schemas.StageSubmitting)
	*step = schemas.StepSubmit
	if err := s.Submit(ctx, username, req.PackageID); err != nil {
		return nil, err
	}
	// The panel generates the password; it only shows up in the listing.
	*step = schemas.StepExtract
	password, err := s.ExtractCredentials(ctx, username)
	if err != nil {
		return nil, err
	}

	// The creation just spent one credit.
	*step = schemas.StepCompletion
	return &schemas.ProvisionedAccount{
		Username:           username,
		Password:           password,
		Kind:               req.Kind,
		PackageID:          req.PackageID,
		CreditsLeft:        max(quota.Remaining-1, 0),
		CreditsApproximate: quota.Advisory,
	}, nil
}

// cleanupContext outlives the run context, which may already be expired
// when cleanup starts.
func (o *Orchestrator) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.provCfg.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// capture saves a screenshot of the page the run failed on. Failures here
// are logged only.
func (o *Orchestrator) capture(ctx context.Context, s *panel.Session, step schemas.Step, logger *zap.Logger) {
	if o.diag == nil {
		return
	}
	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Diagnostic capture panicked", zap.Any("panic", r))
		}
	}()
	png, err := s.Capture(cctx)
	if err != nil {
		logger.Warn("Could not capture failure screenshot", zap.Error(err))
		return
	}
	path, err := o.diag.SaveScreenshot(cctx, string(step), png)
	if err != nil {
		logger.Warn("Could not save failure screenshot", zap.Error(err))
		return
	}
	logger.Info("Saved failure screenshot", zap.String("path", path))
}

// close releases the session. Errors are logged, never returned, so they
// cannot replace the run's own error.
func (o *Orchestrator) close(ctx context.Context, s *panel.Session, logger *zap.Logger) {
	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Closing the panel session panicked", zap.Any("panic", r))
		}
	}()
	if err := s.Close(cctx); err != nil {
		logger.Warn("Closing the panel session failed", zap.Error(err))
	}
}

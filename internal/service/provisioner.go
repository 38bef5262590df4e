package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/admission"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/orchestrator"
)

// Runner executes one provisioning run. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error)
}

// ResultSink follows a submitted run. OnResult is called exactly once, after
// the requester's admission slot has been released.
type ResultSink interface {
	schemas.StatusSink
	OnResult(runID string, account *schemas.ProvisionedAccount, err error)
}

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = schemas.NewError(schemas.ErrCodeBrowserUnavailable, "the service is shutting down", nil)

const recordTimeout = 5 * time.Second

// Provisioner is the front door for provisioning: admission, the run
// itself on its own goroutine, auditing and metrics.
type Provisioner struct {
	gate     *admission.Gate
	runner   Runner
	recorder schemas.RunRecorder
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

func NewProvisioner(gate *admission.Gate, runner Runner, recorder schemas.RunRecorder, metrics *observability.Metrics, logger *zap.Logger) *Provisioner {
	if recorder == nil {
		recorder = schemas.NopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provisioner{
		gate:       gate,
		runner:     runner,
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger.Named("provisioner"),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// InFlight reports how many requesters have a run in progress.
func (p *Provisioner) InFlight() int { return p.gate.InFlight() }

// Busy reports whether requesterID has a run in progress.
func (p *Provisioner) Busy(requesterID int64) bool { return p.gate.Busy(requesterID) }

// admit validates req and takes the requester's slot. Rejections are
// counted and audited.
func (p *Provisioner) admit(ctx context.Context, runID string, req schemas.ProvisioningRequest) (func(), error) {
	if err := req.Validate(); err != nil {
		var pe *schemas.ProvisioningError
		if errors.As(err, &pe) {
			pe.Step = schemas.StepValidate
		}
		return nil, err
	}
	release, err := p.gate.Admit(req.RequesterID)
	if err != nil {
		var pe *schemas.ProvisioningError
		if errors.As(err, &pe) {
			pe.Step = schemas.StepAdmission
		}
		p.metrics.AdmissionRejected()
		now := p.now()
		p.record(ctx, schemas.RunRecord{
			RunID:       runID,
			RequesterID: req.RequesterID,
			Kind:        req.Kind,
			PackageID:   req.PackageID,
			Outcome:     schemas.OutcomeRejected,
			Step:        schemas.StepAdmission,
			ErrorCode:   schemas.ErrCodeAlreadyInProgress,
			StartedAt:   now,
			FinishedAt:  now,
		})
		p.logger.Info("Rejected concurrent request", zap.Int64("requester_id", req.RequesterID))
		return nil, err
	}
	return release, nil
}

// Submit admits req and starts the run in the background. It returns at
// once: either the run ID, or ALREADY_IN_PROGRESS when the requester still
// has a run going. The run is not tied to ctx and cannot be aborted by the
// caller.
func (p *Provisioner) Submit(ctx context.Context, req schemas.ProvisioningRequest, sink ResultSink) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closing {
		return "", ErrShuttingDown
	}

	runID := uuid.NewString()
	release, err := p.admit(ctx, runID, req)
	if err != nil {
		return "", err
	}

	p.wg.Add(1)
	go p.execute(runID, req, sink, release)
	return runID, nil
}

func (p *Provisioner) execute(runID string, req schemas.ProvisioningRequest, sink ResultSink, release func()) {
	defer p.wg.Done()
	defer release()

	delivered := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic in run goroutine", zap.String("run_id", runID), zap.Any("panic", r), zap.Stack("stack"))
			if delivered || sink == nil {
				return
			}
			release()
			defer func() { _ = recover() }()
			sink.OnResult(runID, nil, schemas.NewError(schemas.ErrCodeInternal, fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	account, err := p.run(p.baseCtx, runID, req, sink)
	release()
	delivered = true
	if sink != nil {
		sink.OnResult(runID, account, err)
	}
}

// ProvisionSync runs req on the calling goroutine under the same admission
// rules as Submit. Used by the one-shot CLI.
func (p *Provisioner) ProvisionSync(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
	runID := uuid.NewString()
	release, err := p.admit(ctx, runID, req)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.run(ctx, runID, req, sink)
}

// run executes req, then records metrics and the audit row.
func (p *Provisioner) run(ctx context.Context, runID string, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
	tracker := &runTracker{inner: sink}
	started := p.now()
	p.logger.Info("Starting run", zap.String("run_id", runID), zap.Int64("requester_id", req.RequesterID), zap.String("kind", string(req.Kind)))

	account, err := p.runner.Run(ctx, req, tracker)
	finished := p.now()

	rec := schemas.RunRecord{
		RunID:       runID,
		RequesterID: req.RequesterID,
		Kind:        req.Kind,
		PackageID:   req.PackageID,
		QuotaSeen:   tracker.quotaSeen(),
		StartedAt:   started,
		FinishedAt:  finished,
		Detail: map[string]any{
			"duration_ms": finished.Sub(started).Milliseconds(),
		},
	}
	if q := tracker.quota; q != nil {
		rec.Detail["quota_advisory"] = q.Advisory
	}
	if err != nil {
		rec.Outcome = schemas.OutcomeFailed
		rec.Step = schemas.StepOf(err)
		rec.ErrorCode = schemas.CodeOf(err)
		rec.Detail["error"] = err.Error()
	} else {
		rec.Outcome = schemas.OutcomeSucceeded
		rec.Step = schemas.StepCompletion
		rec.Username = account.Username
		rec.Detail["credits_left"] = account.CreditsLeft
	}

	p.metrics.ObserveRun(string(req.Kind), string(rec.Outcome), finished.Sub(started))
	p.record(ctx, rec)
	return account, err
}

func (p *Provisioner) record(ctx context.Context, rec schemas.RunRecord) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.recorder.RecordRun(rctx, rec); err != nil {
		p.logger.Warn("Could not record run", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

// Shutdown stops accepting runs and waits for running ones. If ctx ends
// first, the runs are canceled and still awaited.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Canceling runs still in flight", zap.Int("in_flight", p.gate.InFlight()))
		p.baseCancel()
		<-done
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

// runTracker forwards status to the caller's sink and remembers the quota
// the orchestrator observed.
type runTracker struct {
	inner schemas.StatusSink
	quota *schemas.QuotaSnapshot
}

func (t *runTracker) OnStatus(stage schemas.Stage) {
	if t.inner != nil {
		t.inner.OnStatus(stage)
	}
}

func (t *runTracker) OnQuota(q schemas.QuotaSnapshot) {
	t.quota = &q
	if qo, ok := t.inner.(orchestrator.QuotaObserver); ok {
		qo.OnQuota(q)
	}
}

func (t *runTracker) quotaSeen() *int {
	if t.quota == nil || t.quota.Advisory {
		return nil
	}
	n := t.quota.Remaining
	return &n
}

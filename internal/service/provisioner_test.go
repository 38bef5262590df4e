package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/admission"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/orchestrator"
	"github.com/xkilldash9x/panelbot/internal/panel/paneltest"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mocks --

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
	args := m.Called(ctx, req, sink)
	account, _ := args.Get(0).(*schemas.ProvisionedAccount)
	return account, args.Error(1)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordRun(ctx context.Context, rec schemas.RunRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type result struct {
	runID   string
	account *schemas.ProvisionedAccount
	err     error
	busy    bool
}

// chanSink delivers the terminal result on a channel and records stages.
type chanSink struct {
	gate    *admission.Gate
	req     int64
	stages  []schemas.Stage
	results chan result
}

func newChanSink(gate *admission.Gate, requester int64) *chanSink {
	return &chanSink{gate: gate, req: requester, results: make(chan result, 1)}
}

func (s *chanSink) OnStatus(stage schemas.Stage) { s.stages = append(s.stages, stage) }

func (s *chanSink) OnResult(runID string, account *schemas.ProvisionedAccount, err error) {
	s.results <- result{runID: runID, account: account, err: err, busy: s.gate.Busy(s.req)}
}

func (s *chanSink) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return result{}
	}
}

type fixture struct {
	gate     *admission.Gate
	runner   *MockRunner
	recorder *MockRecorder
	metrics  *observability.Metrics
	prov     *Provisioner
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gate:     admission.NewGate(),
		runner:   &MockRunner{},
		recorder: &MockRecorder{},
		metrics:  observability.NewMetrics(),
	}
	f.prov = NewProvisioner(f.gate, f.runner, f.recorder, f.metrics, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = f.prov.Shutdown(context.Background()) })
	return f
}

var trialReq = schemas.ProvisioningRequest{RequesterID: 42, Kind: schemas.AccountTrial, PackageID: "2"}

// -- Tests --

func TestSubmitDeliversResultAndReleasesAdmission(t *testing.T) {
	f := setup(t)
	account := &schemas.ProvisionedAccount{Username: "tv7421", Password: "Kx9!mQ2z", Kind: schemas.AccountTrial, PackageID: "2", CreditsLeft: 4}

	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).
		Run(func(args mock.Arguments) {
			sink := args.Get(2).(schemas.StatusSink)
			sink.OnStatus(schemas.StageAuthenticating)
			sink.(orchestrator.QuotaObserver).OnQuota(schemas.QuotaSnapshot{Remaining: 5})
			sink.OnStatus(schemas.StageDone)
		}).
		Return(account, nil).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.MatchedBy(func(r schemas.RunRecord) bool {
		return r.Outcome == schemas.OutcomeSucceeded &&
			r.Username == "tv7421" &&
			r.QuotaSeen != nil && *r.QuotaSeen == 5 &&
			r.Step == schemas.StepCompletion &&
			r.Detail["credits_left"] == 4
	})).Return(nil).Once()

	sink := newChanSink(f.gate, 42)
	runID, err := f.prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	res := sink.wait(t)
	require.NoError(t, res.err)
	assert.Equal(t, runID, res.runID)
	assert.Equal(t, account, res.account)
	assert.False(t, res.busy, "admission is released before the result is delivered")
	assert.Equal(t, []schemas.Stage{schemas.StageAuthenticating, schemas.StageDone}, sink.stages)

	f.runner.AssertExpectations(t)
	f.recorder.AssertExpectations(t)
	expected := `
# HELP panelbot_provisioning_runs_total Total number of provisioning runs by kind and outcome
# TYPE panelbot_provisioning_runs_total counter
panelbot_provisioning_runs_total{kind="trial",outcome="succeeded"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry, strings.NewReader(expected), "panelbot_provisioning_runs_total"))
}

func TestSubmitRejectsConcurrentRequestFromSameRequester(t *testing.T) {
	f := setup(t)
	unblock := make(chan struct{})
	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).
		Run(func(mock.Arguments) { <-unblock }).
		Return(&schemas.ProvisionedAccount{Username: "tv1111"}, nil).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.MatchedBy(func(r schemas.RunRecord) bool {
		return r.Outcome == schemas.OutcomeRejected && r.ErrorCode == schemas.ErrCodeAlreadyInProgress
	})).Return(nil).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.MatchedBy(func(r schemas.RunRecord) bool {
		return r.Outcome == schemas.OutcomeSucceeded
	})).Return(nil).Once()

	first := newChanSink(f.gate, 42)
	_, err := f.prov.Submit(context.Background(), trialReq, first)
	require.NoError(t, err)

	_, err = f.prov.Submit(context.Background(), trialReq, newChanSink(f.gate, 42))
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrCodeAlreadyInProgress)
	assert.Equal(t, schemas.StepAdmission, schemas.StepOf(err))
	assert.Equal(t, 1, f.prov.InFlight())

	close(unblock)
	res := first.wait(t)
	require.NoError(t, res.err)
	assert.Equal(t, "tv1111", res.account.Username)
	assert.Zero(t, f.prov.InFlight())
	f.recorder.AssertExpectations(t)
}

func TestSubmitRecordsFailure(t *testing.T) {
	f := setup(t)
	runErr := schemas.NewError(schemas.ErrCodeQuotaExhausted, "no credits left on the panel", nil)
	runErr.Step = schemas.StepReadQuota
	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).Return(nil, runErr).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.MatchedBy(func(r schemas.RunRecord) bool {
		return r.Outcome == schemas.OutcomeFailed &&
			r.Step == schemas.StepReadQuota &&
			r.ErrorCode == schemas.ErrCodeQuotaExhausted &&
			r.Username == ""
	})).Return(errors.New("db down")).Once()

	sink := newChanSink(f.gate, 42)
	_, err := f.prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.ErrorIs(t, res.err, schemas.ErrCodeQuotaExhausted)
	assert.Nil(t, res.account)
	assert.False(t, res.busy)
	f.recorder.AssertExpectations(t)
}

func TestSubmitSurvivesRunnerPanic(t *testing.T) {
	f := setup(t)
	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).Panic("unexpected nil page").Once()

	sink := newChanSink(f.gate, 42)
	_, err := f.prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.ErrorIs(t, res.err, schemas.ErrCodeInternal)
	assert.False(t, res.busy)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := setup(t)

	_, err := f.prov.Submit(context.Background(), schemas.ProvisioningRequest{RequesterID: 42, Kind: schemas.AccountTrial}, newChanSink(f.gate, 42))
	assert.ErrorIs(t, err, schemas.ErrCodeInvalidRequest)
	assert.False(t, f.gate.Busy(42))
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestShutdownCancelsRunsPastDeadline(t *testing.T) {
	f := setup(t)
	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).
		Return(nil, context.Canceled).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.Anything).Return(nil)

	sink := newChanSink(f.gate, 42)
	_, err := f.prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.prov.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, sink.wait(t).err, context.Canceled)

	_, err = f.prov.Submit(context.Background(), trialReq, newChanSink(f.gate, 42))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestProvisionSync(t *testing.T) {
	f := setup(t)
	f.runner.On("Run", mock.Anything, trialReq, mock.Anything).
		Run(func(mock.Arguments) {
			assert.True(t, f.gate.Busy(42), "admission is held during the run")
		}).
		Return(&schemas.ProvisionedAccount{Username: "tv2222", Password: "pw"}, nil).Once()
	f.recorder.On("RecordRun", mock.Anything, mock.Anything).Return(nil).Once()

	account, err := f.prov.ProvisionSync(context.Background(), trialReq, nil)
	require.NoError(t, err)
	assert.Equal(t, "tv2222", account.Username)
	assert.False(t, f.gate.Busy(42))
}

// -- End to end through the real orchestrator and panel session --

func newE2E(t *testing.T, page *paneltest.Page) (*Provisioner, *admission.Gate) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.PanelCfg.BaseURL = "https://panel.example.com/"
	cfg.PanelCfg.Username = "reseller"
	cfg.PanelCfg.Password = "secret"
	cfg.PanelCfg.SettleDelay = time.Millisecond
	cfg.PanelCfg.ExtractBackoff = time.Millisecond
	logger := zaptest.NewLogger(t)

	resolver := selector.NewResolver(selector.DefaultTable(), 5*time.Millisecond, logger)
	orch, err := orchestrator.New(cfg, &paneltest.Driver{Page: page}, resolver, logger)
	require.NoError(t, err)

	gate := admission.NewGate()
	prov := NewProvisioner(gate, orch, nil, observability.NewMetrics(), logger)
	t.Cleanup(func() { _ = prov.Shutdown(context.Background()) })
	return prov, gate
}

func TestEndToEndTrialAccount(t *testing.T) {
	page := paneltest.Happy("5", "Kx9!mQ2z")
	prov, gate := newE2E(t, page)

	sink := newChanSink(gate, 42)
	_, err := prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	require.NoError(t, res.err)
	assert.Regexp(t, `^tv\d{4}$`, res.account.Username)
	assert.Equal(t, "Kx9!mQ2z", res.account.Password)
	assert.Equal(t, schemas.AccountTrial, res.account.Kind)
	assert.Equal(t, "2", res.account.PackageID)
	assert.False(t, res.busy)
	assert.False(t, gate.Busy(42))
	assert.Equal(t, 1, page.Closes())
}

func TestEndToEndExhaustedQuota(t *testing.T) {
	page := paneltest.Happy("0", "unused")
	prov, gate := newE2E(t, page)

	sink := newChanSink(gate, 42)
	_, err := prov.Submit(context.Background(), trialReq, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.ErrorIs(t, res.err, schemas.ErrCodeQuotaExhausted)
	assert.Len(t, page.NavigatedTo(), 1, "only the login page was visited")
	assert.False(t, page.Called("click:#create_user_account"))
	assert.Equal(t, 1, page.Closes())
	assert.False(t, gate.Busy(42))
}

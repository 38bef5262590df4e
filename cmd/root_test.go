// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/admission"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/service"
)

type runnerFunc func(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error)

func (f runnerFunc) Run(ctx context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
	return f(ctx, req, sink)
}

// fakeFactory wires a provisioner around runner and records what it was
// asked to build.
type fakeFactory struct {
	runner  runnerFunc
	err     error
	created int
	cfg     config.Interface
}

func (f *fakeFactory) Create(_ context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.created++
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	gate := admission.NewGate()
	return &service.Components{
		Gate:        gate,
		Provisioner: service.NewProvisioner(gate, f.runner, nil, nil, logger),
	}, nil
}

func quietLogger(t *testing.T) {
	t.Helper()
	orig := initLogger
	initLogger = func(config.LoggerConfig) {}
	t.Cleanup(func() { initLogger = orig })
}

func setPanelEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PANELBOT_PANEL_BASE_URL", "https://panel.example.com/login")
	t.Setenv("PANELBOT_PANEL_USERNAME", "reseller")
	t.Setenv("PANELBOT_PANEL_PASSWORD", "s3cret")
}

func execute(t *testing.T, factory service.ComponentFactory, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	quietLogger(t)
	root := newRootCommand(factory)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panelbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionFlag(t *testing.T) {
	out, _, err := execute(t, &fakeFactory{}, "--version")
	require.NoError(t, err)
	assert.Equal(t, "panelbot version "+Version+"\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, &fakeFactory{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "panelbot "+Version)
}

func TestSelectorsPrintsEffectiveTable(t *testing.T) {
	cfgPath := writeConfig(t, `
selectors:
  overrides:
    create_username:
      - "css:#new-user"
      - "xpath://input[@id='login']"
`)
	out, _, err := execute(t, &fakeFactory{}, "--config", cfgPath, "selectors")
	require.NoError(t, err)
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "css:#new-user | xpath://input[@id='login']")
	assert.Contains(t, out, "login_password")
}

func TestSelectorsRejectsUnknownTarget(t *testing.T) {
	cfgPath := writeConfig(t, `
selectors:
  overrides:
    no_such_target: ["css:#x"]
`)
	_, _, err := execute(t, &fakeFactory{}, "--config", cfgPath, "selectors")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_target")
}

func TestMissingExplicitConfigFileFails(t *testing.T) {
	_, _, err := execute(t, &fakeFactory{}, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "version")
	assert.Error(t, err)
}

func TestProvisionPrintsCredentials(t *testing.T) {
	setPanelEnv(t)
	var got schemas.ProvisioningRequest
	factory := &fakeFactory{runner: func(_ context.Context, req schemas.ProvisioningRequest, sink schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
		got = req
		sink.OnStatus(schemas.StageSubmitting)
		return &schemas.ProvisionedAccount{
			Username: "tv7421", Password: "Kx9!mQ2z", Kind: req.Kind, PackageID: req.PackageID,
			CreditsLeft: 4, CreditsApproximate: true,
		}, nil
	}}

	out, errOut, err := execute(t, factory, "provision", "--kind", "teste", "--package", "2", "--headless=false")
	require.NoError(t, err)

	assert.Equal(t, schemas.ProvisioningRequest{Kind: schemas.AccountTrial, PackageID: "2"}, got)
	assert.Contains(t, out, "user:     tv7421")
	assert.Contains(t, out, "password: Kx9!mQ2z")
	assert.Contains(t, out, "credits:  4 (approximate)")
	assert.Contains(t, errOut, "submitting")
	assert.False(t, factory.cfg.Browser().Headless)
}

func TestProvisionReportsFailure(t *testing.T) {
	setPanelEnv(t)
	factory := &fakeFactory{runner: func(context.Context, schemas.ProvisioningRequest, schemas.StatusSink) (*schemas.ProvisionedAccount, error) {
		return nil, schemas.NewError(schemas.ErrCodeQuotaExhausted, "quota is 0", nil)
	}}

	_, _, err := execute(t, factory, "provision", "--package", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTA_EXHAUSTED")
	assert.Contains(t, err.Error(), schemas.UserMessage(schemas.ErrCodeQuotaExhausted))
}

func TestProvisionFlagValidation(t *testing.T) {
	setPanelEnv(t)
	factory := &fakeFactory{}

	_, _, err := execute(t, factory, "provision")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "package" not set`)

	_, _, err = execute(t, factory, "provision", "--kind", "lifetime", "--package", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown account kind")

	assert.Zero(t, factory.created)
}

func TestProvisionNeedsPanelCredentials(t *testing.T) {
	t.Setenv("PANELBOT_PANEL_BASE_URL", "https://panel.example.com/login")
	factory := &fakeFactory{}
	_, _, err := execute(t, factory, "provision", "--package", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Zero(t, factory.created)
}

func TestProvisionFactoryError(t *testing.T) {
	setPanelEnv(t)
	_, _, err := execute(t, &fakeFactory{err: errors.New("pool exhausted")}, "provision", "--package", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool exhausted")
}

func TestServeRequiresTelegramSettings(t *testing.T) {
	setPanelEnv(t)
	t.Setenv("PANELBOT_TELEGRAM_TOKEN", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	factory := &fakeFactory{}
	_, _, err := execute(t, factory, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
	assert.Zero(t, factory.created)
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("PANELBOT_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	_, _, err := execute(t, &fakeFactory{}, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is not configured")
}

func TestInitializeConfigLoadsDotenv(t *testing.T) {
	quietLogger(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("PANELBOT_PANEL_USERNAME=from-dotenv\n"), 0o600))
	t.Setenv("PANELBOT_PANEL_USERNAME", "")
	require.NoError(t, os.Unsetenv("PANELBOT_PANEL_USERNAME"))

	root := newRootCommand(&fakeFactory{})
	var loaded *config.Config
	root.AddCommand(newProbeCmd(&loaded))
	root.SetArgs([]string{"--env-file", envPath, "probe"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, loaded)
	assert.Equal(t, "from-dotenv", loaded.Panel().Username)
}

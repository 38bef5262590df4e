package service

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/browser"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

func TestInitializeStoreWithoutDatabase(t *testing.T) {
	recorder, st, cleanup, err := InitializeStore(context.Background(), config.DatabaseConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, schemas.NopRecorder{}, recorder)
	assert.Nil(t, st)
	assert.NotPanics(t, cleanup)
}

func TestInitializeStoreRejectsBadURL(t *testing.T) {
	_, _, _, err := InitializeStore(context.Background(), config.DatabaseConfig{URL: "postgres://%zz"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestInitializeResolver(t *testing.T) {
	logger := zaptest.NewLogger(t)

	r, err := InitializeResolver(config.SelectorsConfig{
		ProbeTimeout: time.Second,
		Overrides:    map[string][]string{"create_username": {"#new_user", "xpath://input[@id='u']"}},
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, []selector.Locator{selector.CSS("#new_user"), selector.XPath("//input[@id='u']")},
		r.Table().Candidates(selector.CreateUsername))

	_, err = InitializeResolver(config.SelectorsConfig{
		ProbeTimeout: time.Second,
		Overrides:    map[string][]string{"no_such_target": {"#x"}},
	}, logger)
	assert.Error(t, err)
}

func TestInitializeDiagnostics(t *testing.T) {
	logger := zaptest.NewLogger(t)
	fs := afero.NewMemMapFs()

	assert.Nil(t, InitializeDiagnostics(config.DiagnosticsConfig{Enabled: false, Dir: "shots"}, fs, logger))

	require.NoError(t, fs.MkdirAll("shots", 0o755))
	require.NoError(t, afero.WriteFile(fs, "shots/login_1.png", []byte("x"), 0o644))
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, fs.Chtimes("shots/login_1.png", old, old))

	c := InitializeDiagnostics(config.DiagnosticsConfig{Enabled: true, Dir: "shots", Retention: 24 * time.Hour}, fs, logger)
	require.NotNil(t, c)
	left, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBrowserDriverPassesErrorsThrough(t *testing.T) {
	cfg := config.NewDefaultConfig()
	m := browser.NewManager(cfg.Browser(), cfg.Panel(), browser.SessionHooks{}, zaptest.NewLogger(t))
	require.NoError(t, m.Shutdown(context.Background()))

	page, err := BrowserDriver(m).Open(context.Background())
	assert.Nil(t, page)
	assert.ErrorIs(t, err, schemas.ErrCodeBrowserUnavailable)
}

func TestComponentsShutdownToleratesPartialInit(t *testing.T) {
	closed := false
	c := &Components{closeStore: func() { closed = true }}
	assert.NotPanics(t, func() { c.Shutdown(context.Background()) })
	assert.True(t, closed)
}

// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/browser/stealth"
	"github.com/xkilldash9x/panelbot/internal/config"
)

// SessionHooks lets callers observe the session lifecycle (metrics).
type SessionHooks struct {
	Opened func()
	Closed func()
}

// Manager launches one Chromium process per session and caps how many run
// at once.
type Manager struct {
	browserCfg config.BrowserConfig
	panelCfg   config.PanelConfig
	logger     *zap.Logger
	hooks      SessionHooks

	sem *semaphore.Weighted

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(browserCfg config.BrowserConfig, panelCfg config.PanelConfig, hooks SessionHooks, logger *zap.Logger) *Manager {
	slots := browserCfg.MaxSessions
	if slots <= 0 {
		slots = 1
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		browserCfg: browserCfg,
		panelCfg:   panelCfg,
		logger:     logger.Named("browser"),
		hooks:      hooks,
		sem:        semaphore.NewWeighted(int64(slots)),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   make(map[string]*Session),
	}
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("headless", m.browserCfg.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if m.browserCfg.WindowWidth > 0 && m.browserCfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(m.browserCfg.WindowWidth, m.browserCfg.WindowHeight))
	}
	if m.browserCfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.browserCfg.UserAgent))
	}
	if m.browserCfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.browserCfg.ExecPath))
	}
	for _, arg := range m.browserCfg.Args {
		key, value, hasValue := cutFlag(arg)
		if hasValue {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// cutFlag splits "--name=value" into its parts.
func cutFlag(arg string) (string, string, bool) {
	return strings.Cut(strings.TrimLeft(arg, "-"), "=")
}

// Open waits for a free slot, launches a browser and returns its session.
// Waiting is bounded by ctx; launching by browser.launch_timeout.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, schemas.NewError(schemas.ErrCodeBrowserUnavailable, "waiting for a free browser slot", err)
	}
	acquired := true
	defer func() {
		if acquired {
			m.sem.Release(1)
		}
	}()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, schemas.NewError(schemas.ErrCodeBrowserUnavailable, "browser manager is shut down", nil)
	}
	m.mu.Unlock()

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", id))

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.rootCtx, m.allocatorOptions()...)
	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(logger.Sugar().Debugf)}
	if m.browserCfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := m.launch(ctx, tabCtx); err != nil {
		cancel()
		return nil, err
	}

	idle := newIdleTracker(logger)
	if err := idle.start(tabCtx); err != nil {
		cancel()
		return nil, schemas.NewError(schemas.ErrCodeBrowserUnavailable, "enabling network events", err)
	}

	if m.browserCfg.Stealth {
		if err := m.applyPersona(tabCtx, logger); err != nil {
			cancel()
			return nil, schemas.NewError(schemas.ErrCodeBrowserUnavailable, "applying browser persona", err)
		}
	}

	s := &Session{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		cfg:    m.panelCfg,
		logger: logger,
		idle:   idle,
	}
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.sem.Release(1)
		if m.hooks.Closed != nil {
			m.hooks.Closed()
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	acquired = false // the session releases the slot on Close

	if m.hooks.Opened != nil {
		m.hooks.Opened()
	}
	logger.Info("Browser session opened", zap.Bool("headless", m.browserCfg.Headless))
	return s, nil
}

// launch starts the browser. The first Run on a tab context allocates the
// process, and the process dies with whatever context that Run used, so it
// must run on tabCtx itself; ctx and the launch timeout only bound the wait.
func (m *Manager) launch(ctx context.Context, tabCtx context.Context) error {
	timeout := m.browserCfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return schemas.NewError(schemas.ErrCodeBrowserUnavailable, "launching chromium", err)
		}
		return nil
	case <-timer.C:
		return schemas.NewError(schemas.ErrCodeDriverTimeout, fmt.Sprintf("chromium did not start within %s", timeout), nil)
	case <-ctx.Done():
		return schemas.NewError(schemas.ErrCodeBrowserUnavailable, "launch abandoned", ctx.Err())
	}
}

func (m *Manager) applyPersona(tabCtx context.Context, logger *zap.Logger) error {
	tasks, err := stealth.Apply(stealth.PersonaFrom(m.browserCfg), logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()
	return chromedp.Run(ctx, tasks)
}

// OpenSessions reports how many sessions are currently live.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range live {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.rootCancel()
	m.logger.Info("Browser manager shut down", zap.Int("closed_sessions", len(live)))
	return firstErr
}

package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCombineContext(t *testing.T) {
	type key struct{}
	primary := context.WithValue(context.Background(), key{}, "cdp")

	t.Run("secondary cancel propagates and values are kept", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(primary, secondary)
		defer cancel()

		assert.Equal(t, "cdp", ctx.Value(key{}))
		cancelSecondary()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not canceled")
		}
	})

	t.Run("secondary deadline reports DeadlineExceeded", func(t *testing.T) {
		secondary, cancelSecondary := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancelSecondary()
		ctx, cancel := CombineContext(primary, secondary)
		defer cancel()

		<-ctx.Done()
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	})

	t.Run("primary cancel propagates", func(t *testing.T) {
		p, cancelPrimary := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(p, context.Background())
		defer cancel()
		cancelPrimary()
		<-ctx.Done()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}

func TestClassify(t *testing.T) {
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()

	canceledCaller, cancelCaller := context.WithCancel(context.Background())
	cancelCaller()

	deadSession, cancelSession := context.WithCancel(context.Background())
	cancelSession()

	targetClosed := errors.New("target closed")

	testCases := []struct {
		name     string
		session  context.Context
		caller   context.Context
		opCtx    context.Context
		err      error
		timeout  bool
		wraps    error
		contains string
	}{
		{
			name:    "operation deadline expired",
			session: context.Background(),
			caller:  context.Background(),
			opCtx:   expired,
			err:     context.DeadlineExceeded,
			timeout: true,
			wraps:   context.DeadlineExceeded,
		},
		{
			name:    "driver error after deadline",
			session: context.Background(),
			caller:  context.Background(),
			opCtx:   expired,
			err:     errors.New("could not find node"),
			timeout: true,
		},
		{
			name:     "caller canceled",
			session:  context.Background(),
			caller:   canceledCaller,
			opCtx:    canceledCaller,
			err:      context.Canceled,
			wraps:    context.Canceled,
			contains: "click #x",
		},
		{
			name:     "session context gone",
			session:  deadSession,
			caller:   context.Background(),
			opCtx:    deadSession,
			err:      targetClosed,
			wraps:    targetClosed,
			contains: "browser session is gone",
		},
		{
			name:     "plain driver error",
			session:  context.Background(),
			caller:   context.Background(),
			opCtx:    context.Background(),
			err:      targetClosed,
			wraps:    targetClosed,
			contains: "click #x: target closed",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{ctx: tc.session}
			err := s.classify("click #x", tc.caller, tc.opCtx, tc.err)
			require.Error(t, err)
			assert.Equal(t, tc.timeout, errors.Is(err, schemas.ErrCodeDriverTimeout), err.Error())
			if tc.wraps != nil {
				assert.ErrorIs(t, err, tc.wraps)
			}
			if tc.contains != "" {
				assert.Contains(t, err.Error(), tc.contains)
			}
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		s := &Session{ctx: context.Background()}
		assert.NoError(t, s.classify("click #x", context.Background(), expired, nil))
	})
}

func TestDetach(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, 1))
	cancel()

	d := Detach(parent)
	assert.NoError(t, d.Err())
	assert.Nil(t, d.Done())
	assert.Equal(t, 1, d.Value(key{}))
}

func TestIdleTrackerWait(t *testing.T) {
	tr := newIdleTracker(zaptest.NewLogger(t))

	t.Run("idle once quiet period passes", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, tr.wait(ctx, 20*time.Millisecond))
	})

	t.Run("in-flight request holds the wait", func(t *testing.T) {
		tr.begin(network.RequestID("1"))
		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		err := tr.wait(ctx, 20*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		tr.end(network.RequestID("1"))
		ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
		defer cancel2()
		assert.NoError(t, tr.wait(ctx2, 20*time.Millisecond))
	})
}

func TestCutFlag(t *testing.T) {
	k, v, ok := cutFlag("--proxy-server=http://127.0.0.1:8080")
	assert.Equal(t, "proxy-server", k)
	assert.Equal(t, "http://127.0.0.1:8080", v)
	assert.True(t, ok)

	k, _, ok = cutFlag("--mute-audio")
	assert.Equal(t, "mute-audio", k)
	assert.False(t, ok)
}

func TestScripts(t *testing.T) {
	css := probeScript(selector.CSS(`input[name="username"]`))
	assert.Contains(t, css, `document.querySelectorAll("input[name=\"username\"]")`)
	assert.Contains(t, css, "getBoundingClientRect")

	xp := probeScript(selector.Text("Adicionar Novo"))
	assert.Contains(t, xp, "XPathResult.ORDERED_NODE_SNAPSHOT_TYPE")

	sel := selectScript(selector.CSS("#package_line"), `2"`)
	assert.Contains(t, sel, `const v = "2\"";`)
	assert.Contains(t, sel, `"no-option"`)
}

func testManager(t *testing.T, slots int) *Manager {
	return NewManager(
		config.BrowserConfig{MaxSessions: slots, Headless: true},
		config.PanelConfig{},
		SessionHooks{},
		zaptest.NewLogger(t),
	)
}

func TestOpenRefusedAfterShutdown(t *testing.T) {
	m := testManager(t, 1)
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrCodeBrowserUnavailable)
	// The slot is handed back when Open fails.
	assert.True(t, m.sem.TryAcquire(1))
}

func TestOpenWaitIsBoundedByContext(t *testing.T) {
	m := testManager(t, 1)
	defer m.Shutdown(context.Background())
	require.True(t, m.sem.TryAcquire(1)) // occupy the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrCodeBrowserUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.OpenSessions())
}

func TestAllocatorOptionsHonorConfig(t *testing.T) {
	m := NewManager(config.BrowserConfig{
		MaxSessions:  1,
		UserAgent:    "panelbot-test",
		WindowWidth:  800,
		WindowHeight: 600,
		Args:         []string{"--lang=pt-BR", "--mute-audio"},
	}, config.PanelConfig{}, SessionHooks{}, zaptest.NewLogger(t))
	defer m.Shutdown(context.Background())

	base := len(testManager(t, 1).allocatorOptions())
	// user agent, window size and two extra args
	assert.Equal(t, base+4, len(m.allocatorOptions()))
}

package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// idleTracker counts in-flight requests of one tab from CDP network events.
type idleTracker struct {
	logger *zap.Logger

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newIdleTracker(logger *zap.Logger) *idleTracker {
	return &idleTracker{
		logger:       logger.Named("netidle"),
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

// start subscribes to tabCtx's network events and enables the domain. The
// listener lives as long as the tab.
func (t *idleTracker) start(tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			t.begin(e.RequestID)
		case *network.EventLoadingFinished:
			t.end(e.RequestID)
		case *network.EventLoadingFailed:
			t.end(e.RequestID)
		}
	})
	return chromedp.Run(tabCtx, network.Enable())
}

func (t *idleTracker) begin(id network.RequestID) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *idleTracker) end(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *idleTracker) snapshot() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.lastActivity
}

// wait blocks until no request has been in flight for quiet, or ctx ends.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	tick := quiet / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		n, last := t.snapshot()
		if n == 0 && time.Since(last) >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			t.logger.Debug("Network idle wait ended early", zap.Int("inflight_requests", n), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

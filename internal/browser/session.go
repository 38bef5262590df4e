// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

const probeInterval = 100 * time.Millisecond

// Session is one isolated Chromium process with a single tab.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.PanelConfig
	logger *zap.Logger
	idle   *idleTracker

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func (s *Session) ID() string { return s.id }

// run executes actions on the tab, bounded by both ctx and timeout.
func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()
	if timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(opCtx, timeout)
		defer cancel()
	}
	return s.classify(op, ctx, opCtx, chromedp.Run(opCtx, actions...))
}

// classify turns deadline expiry into a DriverTimeout so callers can tell
// a slow panel from a broken one.
func (s *Session) classify(op string, caller, opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return schemas.NewError(schemas.ErrCodeDriverTimeout, op, err)
	}
	if caller.Err() != nil {
		return fmt.Errorf("%s: %w", op, caller.Err())
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%s: browser session is gone: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Navigate loads url and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	return s.run(ctx, "navigate to "+url, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Probe polls until loc matches a visible, enabled element or ctx ends.
// Running out of time is a normal "not present" answer, not an error.
func (s *Session) Probe(ctx context.Context, loc selector.Locator) (bool, error) {
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	script := probeScript(loc)
	for {
		var visible bool
		err := chromedp.Run(opCtx, chromedp.Evaluate(script, &visible))
		if err == nil && visible {
			return true, nil
		}
		if opCtx.Err() != nil {
			if s.ctx.Err() != nil {
				return false, fmt.Errorf("probe %s: browser session is gone", loc)
			}
			return false, nil
		}
		// Bad selector syntax throws; polling again will not help. Other
		// errors (a navigation swapping the execution context) are retried.
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return false, fmt.Errorf("probe %s: %w", loc, err)
		}
		select {
		case <-opCtx.Done():
			return false, nil
		case <-time.After(probeInterval):
		}
	}
}

// WaitVisible blocks until loc is visible, up to timeout.
func (s *Session) WaitVisible(ctx context.Context, loc selector.Locator, timeout time.Duration) error {
	return s.run(ctx, "wait for "+loc.String(), timeout,
		chromedp.WaitVisible(loc.Value, queryOption(loc)),
	)
}

// Fill replaces the content of an input.
func (s *Session) Fill(ctx context.Context, loc selector.Locator, text string) error {
	by := queryOption(loc)
	return s.run(ctx, "fill "+loc.String(), s.cfg.ActionTimeout,
		chromedp.WaitVisible(loc.Value, by),
		chromedp.Clear(loc.Value, by),
		chromedp.SendKeys(loc.Value, text, by),
	)
}

func (s *Session) Click(ctx context.Context, loc selector.Locator) error {
	by := queryOption(loc)
	return s.run(ctx, "click "+loc.String(), s.cfg.ActionTimeout,
		chromedp.WaitVisible(loc.Value, by),
		chromedp.ScrollIntoView(loc.Value, by),
		chromedp.Click(loc.Value, by, chromedp.NodeVisible),
	)
}

// Select picks an option by value. Enhanced widgets often hide the native
// <select>, so only readiness is awaited, not visibility.
func (s *Session) Select(ctx context.Context, loc selector.Locator, value string) error {
	var result string
	err := s.run(ctx, "select on "+loc.String(), s.cfg.ActionTimeout,
		chromedp.WaitReady(loc.Value, queryOption(loc)),
		chromedp.Evaluate(selectScript(loc, value), &result),
	)
	if err != nil {
		return err
	}
	switch result {
	case "ok":
		return nil
	case "no-option":
		return fmt.Errorf("select on %s: option %q not offered", loc, value)
	default:
		return fmt.Errorf("select on %s: element disappeared", loc)
	}
}

// ReadText returns the rendered text of the first match.
func (s *Session) ReadText(ctx context.Context, loc selector.Locator) (string, error) {
	var text string
	err := s.run(ctx, "read text of "+loc.String(), s.cfg.ActionTimeout,
		chromedp.Text(loc.Value, &text, queryOption(loc)),
	)
	return text, err
}

// ReadHTML returns the outer HTML of the first match.
func (s *Session) ReadHTML(ctx context.Context, loc selector.Locator) (string, error) {
	var html string
	err := s.run(ctx, "read html of "+loc.String(), s.cfg.ActionTimeout,
		chromedp.OuterHTML(loc.Value, &html, queryOption(loc)),
	)
	return html, err
}

// WaitNetworkIdle waits for quiet network activity, up to timeout.
func (s *Session) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()
	if timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(opCtx, timeout)
		defer cancel()
	}
	return s.classify("wait for network idle", ctx, opCtx, s.idle.wait(opCtx, quiet))
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 makes chromedp emit PNG instead of JPEG.
	err := s.run(ctx, "screenshot", s.cfg.ActionTimeout, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

// Close shuts the browser down. Safe to call more than once; only the first
// call does any work and later calls return its result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		defer func() {
			if s.onClose != nil {
				s.onClose()
			}
		}()

		done := make(chan error, 1)
		go func() {
			// Cancel on the first tab closes the whole browser gracefully.
			done <- chromedp.Cancel(s.ctx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("closing browser: %w", err)
			}
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("closing browser: %w", ctx.Err())
		}
		// Always tear the allocator down; it kills the process if it survived.
		s.cancel()
		s.logger.Debug("Browser session closed", zap.Error(s.closeErr))
	})
	return s.closeErr
}

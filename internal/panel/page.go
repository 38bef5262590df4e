package panel

import (
	"context"
	"time"

	"github.com/xkilldash9x/panelbot/internal/selector"
)

// Page is the browser surface a Session drives. *browser.Session
// implements it.
type Page interface {
	selector.Prober
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, loc selector.Locator, timeout time.Duration) error
	Fill(ctx context.Context, loc selector.Locator, text string) error
	Click(ctx context.Context, loc selector.Locator) error
	Select(ctx context.Context, loc selector.Locator, value string) error
	ReadText(ctx context.Context, loc selector.Locator) (string, error)
	ReadHTML(ctx context.Context, loc selector.Locator) (string, error)
	WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Driver opens fresh, isolated pages.
type Driver interface {
	Open(ctx context.Context) (Page, error)
}

// DriverFunc adapts a function to a Driver.
type DriverFunc func(ctx context.Context) (Page, error)

func (f DriverFunc) Open(ctx context.Context) (Page, error) { return f(ctx) }
